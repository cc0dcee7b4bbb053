package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"securebase/internal/evidence/models"
	"securebase/internal/platform/database"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/retry"
)

// DynamoAPI is the subset of the DynamoDB client the store calls.
type DynamoAPI interface {
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// sortTimeLayout is fixed width so sort keys order lexically by capture time.
const sortTimeLayout = "2006-01-02T15:04:05.000000000Z"

// dynamoItem is the at-rest shape. pk partitions by tenant; sk orders a
// tenant's records by capture time.
type dynamoItem struct {
	PK                string `dynamodbav:"pk"`
	SK                string `dynamodbav:"sk"`
	Tenant            string `dynamodbav:"tenant"`
	CapturedAt        string `dynamodbav:"captured_at"`
	Control           string `dynamodbav:"control"`
	Resource          string `dynamodbav:"resource"`
	Status            string `dynamodbav:"status"`
	RawProof          string `dynamodbav:"raw_proof"`
	ClassifierVersion int    `dynamodbav:"classifier_version"`
	Truncated         bool   `dynamodbav:"truncated"`
}

func partitionKey(tenantID id.TenantID) string {
	return "TENANT#" + tenantID.String()
}

func toItem(r models.Record) dynamoItem {
	at := r.CapturedAt.UTC()
	return dynamoItem{
		PK:                partitionKey(r.TenantID),
		SK:                at.Format(sortTimeLayout) + "#" + r.Control + "#" + r.Resource,
		Tenant:            r.TenantID.String(),
		CapturedAt:        at.Format(time.RFC3339Nano),
		Control:           r.Control,
		Resource:          r.Resource,
		Status:            string(r.Status),
		RawProof:          r.RawProof,
		ClassifierVersion: r.ClassifierVersion,
		Truncated:         r.Truncated,
	}
}

func (it dynamoItem) record() (models.Record, error) {
	tenantID, err := id.ParseTenantID(it.Tenant)
	if err != nil {
		return models.Record{}, fmt.Errorf("decode evidence tenant: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, it.CapturedAt)
	if err != nil {
		return models.Record{}, fmt.Errorf("decode evidence capture time: %w", err)
	}
	return models.Record{
		TenantID:          tenantID,
		CapturedAt:        at.UTC(),
		Control:           it.Control,
		Resource:          it.Resource,
		Status:            models.Status(it.Status),
		RawProof:          it.RawProof,
		ClassifierVersion: it.ClassifierVersion,
		Truncated:         it.Truncated,
	}, nil
}

// DynamoStore writes evidence in conditional transactions of up to
// BatchSize puts. An item that already exists is never overwritten and
// counts as written. Items cancelled by contention or throttling are resent
// with backoff until the attempt budget runs out.
type DynamoStore struct {
	client   DynamoAPI
	table    string
	ceiling  int
	attempts int
	policy   retry.Policy
}

func NewDynamo(client DynamoAPI, table string, ceiling, attempts int) *DynamoStore {
	if attempts < 1 {
		attempts = 1
	}
	return &DynamoStore{
		client:   client,
		table:    table,
		ceiling:  ceiling,
		attempts: attempts,
		policy:   retry.Policy{BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
}

// Cancellation reason codes returned per item of a cancelled transaction.
const (
	reasonNone              = "None"
	reasonConditionFailed   = "ConditionalCheckFailed"
	reasonConflict          = "TransactionConflict"
	reasonThrottled         = "ThrottlingError"
	reasonThroughputExceeds = "ProvisionedThroughputExceeded"
)

func (s *DynamoStore) Write(ctx context.Context, records []models.Record) error {
	for _, r := range records {
		if !database.VisibleTo(ctx, r.TenantID) {
			return errForeignTenant
		}
	}
	for _, batch := range chunks(records) {
		items := make([]map[string]types.AttributeValue, 0, len(batch))
		for _, r := range batch {
			item, err := attributevalue.MarshalMap(toItem(r))
			if err != nil {
				return fmt.Errorf("encode evidence record: %w", err)
			}
			items = append(items, item)
		}
		if err := s.writeBatch(ctx, items); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoStore) writeBatch(ctx context.Context, pending []map[string]types.AttributeValue) error {
	for attempt := 0; len(pending) > 0; {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: s.conditionalPuts(pending),
		})
		if err == nil {
			return nil
		}
		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) {
			return fmt.Errorf("write evidence: %w", err)
		}
		next, contended, err := unwritten(pending, canceled.CancellationReasons)
		if err != nil {
			return err
		}
		if !contended && len(next) == len(pending) {
			return fmt.Errorf("write evidence: transaction cancelled without a cause: %w", canceled)
		}
		pending = next
		if len(pending) == 0 || !contended {
			continue
		}
		attempt++
		if attempt >= s.attempts {
			return fmt.Errorf("write evidence: %d items not written after %d attempts", len(pending), s.attempts)
		}
		if err := retry.Sleep(ctx, s.policy.Delay(attempt-1)); err != nil {
			return fmt.Errorf("write evidence: %w", err)
		}
	}
	return nil
}

func (s *DynamoStore) conditionalPuts(items []map[string]types.AttributeValue) []types.TransactWriteItem {
	out := make([]types.TransactWriteItem, 0, len(items))
	for _, item := range items {
		out = append(out, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(s.table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		}})
	}
	return out
}

// unwritten drops items whose condition failed, since they already exist,
// and keeps the ones the cancellation rolled back. contended reports whether
// any item was refused for throttling or a conflicting transaction.
func unwritten(items []map[string]types.AttributeValue, reasons []types.CancellationReason) ([]map[string]types.AttributeValue, bool, error) {
	if len(reasons) != len(items) {
		return nil, false, fmt.Errorf("write evidence: transaction cancelled with %d reasons for %d items", len(reasons), len(items))
	}
	var (
		keep      []map[string]types.AttributeValue
		contended bool
	)
	for i, reason := range reasons {
		switch code := aws.ToString(reason.Code); code {
		case reasonConditionFailed:
		case "", reasonNone:
			keep = append(keep, items[i])
		case reasonConflict, reasonThrottled, reasonThroughputExceeds:
			contended = true
			keep = append(keep, items[i])
		default:
			return nil, false, fmt.Errorf("write evidence: item rejected with %s: %s", code, aws.ToString(reason.Message))
		}
	}
	return keep, contended, nil
}

func (s *DynamoStore) List(ctx context.Context, q models.Query) (*models.Page, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partitionKey(q.TenantID)},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if q.Control != "" {
		input.FilterExpression = aws.String("control = :control")
		input.ExpressionAttributeValues[":control"] = &types.AttributeValueMemberS{Value: q.Control}
	}

	var matched []models.Record
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query evidence records: %w", err)
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("decode evidence records: %w", err)
		}
		for _, it := range items {
			r, err := it.record()
			if err != nil {
				return nil, err
			}
			matched = append(matched, r.Reflag(s.ceiling))
		}
	}

	page := normalizePage(q, len(matched))
	if q.Offset >= len(matched) {
		return page, nil
	}
	end := min(q.Offset+q.Limit, len(matched))
	page.Records = append(page.Records, matched[q.Offset:end]...)
	return page, nil
}
