package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/natalcast/report-pipeline/internal/config"
	"github.com/natalcast/report-pipeline/internal/store/model"
)

const (
	dynamoReportIDIndex = "report_id-index"
	dynamoStatusIndex   = "status-updated_at-index"
)

// DynamoAPI is the subset of the DynamoDB client used by the ledger.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// dynamoIntentClaim pins a payment intent to the one job allowed to spend it.
type dynamoIntentClaim struct {
	PK             string `dynamodbav:"PK"`
	IdempotencyKey string `dynamodbav:"idempotency_key"`
}

// dynamoReportJob is the item layout. Timestamps are unix nanoseconds so the
// status index can range over updated_at numerically.
type dynamoReportJob struct {
	PK              string  `dynamodbav:"PK"`
	IdempotencyKey  string  `dynamodbav:"idempotency_key"`
	ReportID        string  `dynamodbav:"report_id"`
	ReportType      string  `dynamodbav:"report_type"`
	Status          string  `dynamodbav:"status"`
	InputParameters string  `dynamodbav:"input_parameters"`
	Content         string  `dynamodbav:"content,omitempty"`
	QualityWarning  bool    `dynamodbav:"quality_warning"`
	ErrorCode       *string `dynamodbav:"error_code,omitempty"`
	ErrorMessage    *string `dynamodbav:"error_message,omitempty"`
	PaymentIntentID *string `dynamodbav:"payment_intent_id,omitempty"`
	PaymentState    string  `dynamodbav:"payment_state"`
	Refunded        bool    `dynamodbav:"refunded"`
	RefundID        *string `dynamodbav:"refund_id,omitempty"`
	RefundedAt      int64   `dynamodbav:"refunded_at,omitempty"`
	CreatedAt       int64   `dynamodbav:"created_at"`
	UpdatedAt       int64   `dynamodbav:"updated_at"`
}

func dynamoPK(idempotencyKey string) string {
	return "JOB#" + idempotencyKey
}

func dynamoIntentPK(paymentIntentID string) string {
	return "PI#" + paymentIntentID
}

func toDynamoItem(job model.ReportJob) dynamoReportJob {
	item := dynamoReportJob{
		PK:              dynamoPK(job.IdempotencyKey),
		IdempotencyKey:  job.IdempotencyKey,
		ReportID:        job.ReportID,
		ReportType:      job.ReportType,
		Status:          string(job.Status),
		InputParameters: string(job.InputParameters),
		Content:         string(job.Content),
		QualityWarning:  job.QualityWarning,
		ErrorCode:       job.ErrorCode,
		ErrorMessage:    job.ErrorMessage,
		PaymentIntentID: job.PaymentIntentID,
		PaymentState:    string(job.PaymentState),
		Refunded:        job.Refunded,
		RefundID:        job.RefundID,
		CreatedAt:       job.CreatedAt.UnixNano(),
		UpdatedAt:       job.UpdatedAt.UnixNano(),
	}
	if job.RefundedAt != nil {
		item.RefundedAt = job.RefundedAt.UnixNano()
	}
	return item
}

func (d dynamoReportJob) toModel() *model.ReportJob {
	job := &model.ReportJob{
		IdempotencyKey:  d.IdempotencyKey,
		ReportID:        d.ReportID,
		ReportType:      d.ReportType,
		Status:          model.JobStatus(d.Status),
		InputParameters: []byte(d.InputParameters),
		QualityWarning:  d.QualityWarning,
		ErrorCode:       d.ErrorCode,
		ErrorMessage:    d.ErrorMessage,
		PaymentIntentID: d.PaymentIntentID,
		PaymentState:    model.PaymentState(d.PaymentState),
		Refunded:        d.Refunded,
		RefundID:        d.RefundID,
		CreatedAt:       time.Unix(0, d.CreatedAt).UTC(),
		UpdatedAt:       time.Unix(0, d.UpdatedAt).UTC(),
	}
	if d.Content != "" {
		job.Content = []byte(d.Content)
	}
	if d.RefundedAt != 0 {
		t := time.Unix(0, d.RefundedAt).UTC()
		job.RefundedAt = &t
	}
	return job
}

// DynamoReportJobStore keeps the ledger in a DynamoDB table keyed by PK with
// two global secondary indexes: report_id and (status, updated_at).
type DynamoReportJobStore struct {
	db    DynamoAPI
	table string
	now   func() time.Time
}

var _ ReportJob = (*DynamoReportJobStore)(nil)

func NewDynamoReportJobStore(db DynamoAPI, table string) *DynamoReportJobStore {
	return &DynamoReportJobStore{db: db, table: table, now: func() time.Time { return time.Now().UTC() }}
}

// NewDynamoClient builds a DynamoDB client, honouring an endpoint override for local stacks.
func NewDynamoClient(ctx context.Context, cfg *config.Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Database.DynamoRegion))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Database.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Database.DynamoEndpoint)
		}
	}), nil
}

func (s *DynamoReportJobStore) InsertProcessing(ctx context.Context, job model.ReportJob) (*model.ReportJob, bool, error) {
	now := s.now()
	job.Status = model.JobStatusProcessing
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Content = nil
	job.ErrorCode = nil
	job.ErrorMessage = nil
	job.Refunded = false
	if job.PaymentState == "" {
		job.PaymentState = model.PaymentStateNone
	}

	item, err := attributevalue.MarshalMap(toDynamoItem(job))
	if err != nil {
		return nil, false, fmt.Errorf("marshalling report job: %w", err)
	}
	if job.HasPayment() {
		return s.insertWithIntentClaim(ctx, job, item)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return &job, true, nil
	}
	if !isConditionFailed(err) {
		return nil, false, fmt.Errorf("inserting report job: %w", err)
	}

	existing, err := s.Get(ctx, job.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// insertWithIntentClaim writes the job and the PI# claim of its payment intent
// in one transaction, so an intent never ends up behind two jobs.
func (s *DynamoReportJobStore) insertWithIntentClaim(ctx context.Context, job model.ReportJob, item map[string]types.AttributeValue) (*model.ReportJob, bool, error) {
	claim, err := attributevalue.MarshalMap(dynamoIntentClaim{
		PK:             dynamoIntentPK(*job.PaymentIntentID),
		IdempotencyKey: job.IdempotencyKey,
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshalling payment intent claim: %w", err)
	}

	_, err = s.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(s.table), Item: item, ConditionExpression: aws.String("attribute_not_exists(PK)")}},
			{Put: &types.Put{TableName: aws.String(s.table), Item: claim, ConditionExpression: aws.String("attribute_not_exists(PK)")}},
		},
	})
	if err == nil {
		return &job, true, nil
	}

	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) || len(canceled.CancellationReasons) != 2 {
		return nil, false, fmt.Errorf("inserting report job: %w", err)
	}
	jobExists := aws.ToString(canceled.CancellationReasons[0].Code) == "ConditionalCheckFailed"
	claimExists := aws.ToString(canceled.CancellationReasons[1].Code) == "ConditionalCheckFailed"

	var existing *model.ReportJob
	switch {
	case jobExists:
		existing, err = s.Get(ctx, job.IdempotencyKey)
	case claimExists:
		existing, err = s.GetByPaymentIntent(ctx, *job.PaymentIntentID)
	default:
		return nil, false, fmt.Errorf("inserting report job: %w", err)
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *DynamoReportJobStore) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.ReportJob, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{"PK": avS(dynamoIntentPK(paymentIntentID))},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying payment intent claim: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrRecordNotFound
	}
	var claim dynamoIntentClaim
	if err := attributevalue.UnmarshalMap(out.Item, &claim); err != nil {
		return nil, fmt.Errorf("unmarshalling payment intent claim: %w", err)
	}
	return s.Get(ctx, claim.IdempotencyKey)
}

func (s *DynamoReportJobStore) Get(ctx context.Context, idempotencyKey string) (*model.ReportJob, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{"PK": avS(dynamoPK(idempotencyKey))},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying report job: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrRecordNotFound
	}
	var item dynamoReportJob
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshalling report job: %w", err)
	}
	return item.toModel(), nil
}

func (s *DynamoReportJobStore) GetByReportID(ctx context.Context, reportID string) (*model.ReportJob, error) {
	out, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(dynamoReportIDIndex),
		KeyConditionExpression:    aws.String("report_id = :rid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":rid": avS(reportID)},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("querying report job: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, ErrRecordNotFound
	}
	var item dynamoReportJob
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, fmt.Errorf("unmarshalling report job: %w", err)
	}
	// the index is eventually consistent; read the base item for the current state
	return s.Get(ctx, item.IdempotencyKey)
}

func (s *DynamoReportJobStore) MarkCompleted(ctx context.Context, idempotencyKey string, content []byte, qualityWarning bool) (*model.ReportJob, error) {
	applied, err := s.update(ctx, idempotencyKey,
		"SET #status = :completed, #content = :content, quality_warning = :qw, updated_at = :now",
		"#status = :processing",
		map[string]types.AttributeValue{
			":completed":  avS(string(model.JobStatusCompleted)),
			":processing": avS(string(model.JobStatusProcessing)),
			":content":    avS(string(content)),
			":qw":         &types.AttributeValueMemberBOOL{Value: qualityWarning},
			":now":        avN(s.now().UnixNano()),
		})
	if err != nil {
		return nil, fmt.Errorf("marking report job completed: %w", err)
	}

	job, err := s.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !applied && job.Status == model.JobStatusFailed {
		return job, ErrIllegalTransition
	}
	return job, nil
}

func (s *DynamoReportJobStore) MarkFailed(ctx context.Context, idempotencyKey, errorCode, errorMessage string) (*model.ReportJob, bool, error) {
	applied, err := s.update(ctx, idempotencyKey,
		"SET #status = :failed, error_code = :code, error_message = :msg, updated_at = :now",
		"#status = :processing",
		map[string]types.AttributeValue{
			":failed":     avS(string(model.JobStatusFailed)),
			":processing": avS(string(model.JobStatusProcessing)),
			":code":       avS(errorCode),
			":msg":        avS(errorMessage),
			":now":        avN(s.now().UnixNano()),
		})
	if err != nil {
		return nil, false, fmt.Errorf("marking report job failed: %w", err)
	}

	job, err := s.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return job, applied, nil
}

func (s *DynamoReportJobStore) MarkRefunded(ctx context.Context, idempotencyKey, refundID string) (*model.ReportJob, error) {
	now := avN(s.now().UnixNano())
	applied, err := s.update(ctx, idempotencyKey,
		"SET refunded = :true, refund_id = :rid, refunded_at = :now, payment_state = :refunded, updated_at = :now",
		"#status = :failed AND refunded = :false",
		map[string]types.AttributeValue{
			":true":     &types.AttributeValueMemberBOOL{Value: true},
			":false":    &types.AttributeValueMemberBOOL{Value: false},
			":failed":   avS(string(model.JobStatusFailed)),
			":rid":      avS(refundID),
			":refunded": avS(string(model.PaymentStateRefunded)),
			":now":      now,
		})
	if err != nil {
		return nil, fmt.Errorf("marking report job refunded: %w", err)
	}

	job, err := s.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !applied && !job.Refunded {
		return job, ErrIllegalTransition
	}
	return job, nil
}

func (s *DynamoReportJobStore) SetPaymentState(ctx context.Context, idempotencyKey string, state model.PaymentState) error {
	applied, err := s.update(ctx, idempotencyKey,
		"SET payment_state = :state, updated_at = :now",
		"attribute_exists(PK) AND payment_state <> :refunded",
		map[string]types.AttributeValue{
			":state":    avS(string(state)),
			":refunded": avS(string(model.PaymentStateRefunded)),
			":now":      avN(s.now().UnixNano()),
		})
	if err != nil {
		return fmt.Errorf("updating payment state: %w", err)
	}
	if !applied {
		_, err := s.Get(ctx, idempotencyKey)
		return err
	}
	return nil
}

func (s *DynamoReportJobStore) Heartbeat(ctx context.Context, idempotencyKey string) error {
	applied, err := s.update(ctx, idempotencyKey,
		"SET updated_at = :now",
		"#status = :processing",
		map[string]types.AttributeValue{
			":processing": avS(string(model.JobStatusProcessing)),
			":now":        avN(s.now().UnixNano()),
		})
	if err != nil {
		return fmt.Errorf("report job heartbeat: %w", err)
	}
	if !applied {
		return ErrIllegalTransition
	}
	return nil
}

func (s *DynamoReportJobStore) FindStale(ctx context.Context, threshold time.Duration) (model.ReportJobList, error) {
	return s.queryStatus(ctx, model.JobStatusProcessing, threshold, nil)
}

func (s *DynamoReportJobStore) ListPendingUnwind(ctx context.Context, threshold time.Duration) (model.ReportJobList, error) {
	return s.queryStatus(ctx, model.JobStatusFailed, threshold,
		[]model.PaymentState{model.PaymentStateAuthorized, model.PaymentStateUnwindFailed})
}

func (s *DynamoReportJobStore) ListPendingCapture(ctx context.Context, threshold time.Duration) (model.ReportJobList, error) {
	return s.queryStatus(ctx, model.JobStatusCompleted, threshold,
		[]model.PaymentState{model.PaymentStateAuthorized, model.PaymentStateCaptureFailed})
}

// List is not supported on DynamoDB: the query filters are SQL fragments.
func (s *DynamoReportJobStore) List(ctx context.Context, filter *ReportJobQueryFilter, opts *ReportJobQueryOptions) (model.ReportJobList, error) {
	return nil, errors.New("arbitrary listing is not supported by the dynamodb ledger")
}

func (s *DynamoReportJobStore) queryStatus(ctx context.Context, status model.JobStatus, threshold time.Duration, paymentStates []model.PaymentState) (model.ReportJobList, error) {
	input := &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		IndexName:                aws.String(dynamoStatusIndex),
		KeyConditionExpression:   aws.String("#status = :status AND updated_at < :cutoff"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": avS(string(status)),
			":cutoff": avN(s.now().Add(-threshold).UnixNano()),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if len(paymentStates) > 0 {
		filter := "attribute_exists(payment_intent_id) AND payment_state IN ("
		for i, ps := range paymentStates {
			name := ":ps" + strconv.Itoa(i)
			if i > 0 {
				filter += ", "
			}
			filter += name
			input.ExpressionAttributeValues[name] = avS(string(ps))
		}
		input.FilterExpression = aws.String(filter + ")")
	}

	var jobs model.ReportJobList
	paginator := dynamodb.NewQueryPaginator(s.db, input)
	for paginator.HasMorePages() && len(jobs) < SweepBatchSize {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing report jobs: %w", err)
		}
		var items []dynamoReportJob
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshalling report jobs: %w", err)
		}
		for _, item := range items {
			jobs = append(jobs, *item.toModel())
		}
	}
	if len(jobs) > SweepBatchSize {
		jobs = jobs[:SweepBatchSize]
	}
	return jobs, nil
}

// update runs a conditional UpdateItem. A failed condition is reported as
// applied=false rather than an error.
func (s *DynamoReportJobStore) update(ctx context.Context, idempotencyKey, expr, condition string, values map[string]types.AttributeValue) (bool, error) {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       map[string]types.AttributeValue{"PK": avS(dynamoPK(idempotencyKey))},
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK) AND " + condition),
		ExpressionAttributeNames:  namesFor(expr + " " + condition),
		ExpressionAttributeValues: values,
	})
	if err == nil {
		return true, nil
	}
	if isConditionFailed(err) {
		return false, nil
	}
	return false, err
}

var dynamoAttributeAliases = map[string]string{
	"#status":  "status",
	"#content": "content",
}

// namesFor declares only the aliases the expression uses; DynamoDB rejects
// unused attribute names.
func namesFor(expr string) map[string]string {
	names := map[string]string{}
	for alias, name := range dynamoAttributeAliases {
		if strings.Contains(expr, alias) {
			names[alias] = name
		}
	}
	if len(names) == 0 {
		return nil
	}
	return names
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func avS(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func avN(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// DynamoStore is the Store facade over the DynamoDB ledger.
type DynamoStore struct {
	db        DynamoAPI
	table     string
	reportJob ReportJob
}

func NewDynamoStore(db DynamoAPI, table string) Store {
	return &DynamoStore{db: db, table: table, reportJob: NewDynamoReportJobStore(db, table)}
}

// Ping reads a key that never exists. A missing item is a healthy answer.
func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "PING"}},
	})
	return err
}

func (s *DynamoStore) ReportJob() ReportJob {
	return s.reportJob
}

func (s *DynamoStore) Close() error {
	return nil
}
