package events

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// StdoutWriter prints one JSON encoded event per line. The zero value writes
// to os.Stdout.
type StdoutWriter struct {
	mu  sync.Mutex
	Out io.Writer
}

type stdoutLine struct {
	Topic string            `json:"topic"`
	Event cloudevents.Event `json:"event"`
}

func NewStdoutWriter(out io.Writer) *StdoutWriter {
	return &StdoutWriter{Out: out}
}

func (s *StdoutWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.Out
	if out == nil {
		out = os.Stdout
	}
	return json.NewEncoder(out).Encode(stdoutLine{Topic: topic, Event: e})
}

func (s *StdoutWriter) Close(_ context.Context) error {
	return nil
}
