package store

import (
	"context"

	"gorm.io/gorm"
)

type Store interface {
	ReportJob() ReportJob
	// Ping reports whether the backing database answers.
	Ping(ctx context.Context) error
	Close() error
}

type DataStore struct {
	db        *gorm.DB
	reportJob ReportJob
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:        db,
		reportJob: NewReportJobStore(db),
	}
}

func (s *DataStore) ReportJob() ReportJob {
	return s.reportJob
}

func (s *DataStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
