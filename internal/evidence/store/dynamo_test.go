package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securebase/internal/evidence/models"
	id "securebase/pkg/domain"
)

// fakeDynamo applies conditional put transactions atomically. throttled
// queues, per call, how many leading items are refused as throttled.
type fakeDynamo struct {
	mu        sync.Mutex
	items     map[string]map[string]types.AttributeValue
	txSizes   []int
	throttled []int
	txErr     error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item["pk"].(*types.AttributeValueMemberS).Value
	sk := item["sk"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txErr != nil {
		return nil, f.txErr
	}
	f.txSizes = append(f.txSizes, len(in.TransactItems))
	throttle := 0
	if len(f.throttled) > 0 {
		throttle = f.throttled[0]
		f.throttled = f.throttled[1:]
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	cancelled := false
	for i, ti := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		if aws.ToString(ti.Put.ConditionExpression) != "attribute_not_exists(pk)" {
			return nil, errors.New("unconditional put")
		}
		if _, exists := f.items[itemKey(ti.Put.Item)]; exists {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			cancelled = true
		} else if i < throttle {
			reasons[i].Code = aws.String("ThrottlingError")
			cancelled = true
		}
	}
	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, ti := range in.TransactItems {
		f.items[itemKey(ti.Put.Item)] = ti.Put.Item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var control string
	if v, ok := in.ExpressionAttributeValues[":control"]; ok {
		control = v.(*types.AttributeValueMemberS).Value
	}

	keys := make([]string, 0)
	for k, item := range f.items {
		if !strings.HasPrefix(k, pk+"|") {
			continue
		}
		if control != "" && item["control"].(*types.AttributeValueMemberS).Value != control {
			continue
		}
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	out := &dynamodb.QueryOutput{}
	for _, k := range keys {
		out.Items = append(out.Items, f.items[k])
	}
	return out, nil
}

func TestDynamoWriteTransactionsOf25(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamo(fake, "evidence", 64, 3)
	tenantID := id.TenantID(uuid.New())

	records := make([]models.Record, 0, 60)
	for i := range 60 {
		records = append(records, record(tenantID, fmt.Sprintf("b-%02d", i), baseTime, models.StatusCompliant))
	}
	require.NoError(t, s.Write(context.Background(), records))

	assert.Equal(t, []int{25, 25, 10}, fake.txSizes)
	assert.Len(t, fake.items, 60)
}

func TestDynamoNeverOverwritesExistingRecord(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamo(fake, "evidence", 64, 1)
	tenantID := id.TenantID(uuid.New())
	ctx := context.Background()

	original := record(tenantID, "logs", baseTime, models.StatusCompliant)
	require.NoError(t, s.Write(ctx, []models.Record{original}))

	rewrite := original
	rewrite.Status = models.StatusNonCompliant
	rewrite.RawProof = "rewritten"
	fresh := record(tenantID, "assets", baseTime, models.StatusCompliant)
	require.NoError(t, s.Write(ctx, []models.Record{rewrite, fresh}), "an existing record counts as written")

	assert.Equal(t, []int{1, 2, 1}, fake.txSizes, "the fresh item is resent without the existing one")
	page, err := s.List(ctx, models.Query{TenantID: tenantID, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	for _, r := range page.Records {
		if r.Resource == "logs" {
			assert.Equal(t, models.StatusCompliant, r.Status)
			assert.NotEqual(t, "rewritten", r.RawProof)
		}
	}
}

func TestDynamoRetriesThrottledItems(t *testing.T) {
	fake := newFakeDynamo()
	fake.throttled = []int{10, 3}
	s := NewDynamo(fake, "evidence", 64, 5)
	tenantID := id.TenantID(uuid.New())

	records := make([]models.Record, 0, 25)
	for i := range 25 {
		records = append(records, record(tenantID, fmt.Sprintf("b-%02d", i), baseTime, models.StatusCompliant))
	}
	require.NoError(t, s.Write(context.Background(), records))

	assert.Equal(t, []int{25, 25, 25}, fake.txSizes)
	assert.Len(t, fake.items, 25)
}

func TestDynamoThrottledPastBudgetIsAnError(t *testing.T) {
	fake := newFakeDynamo()
	fake.throttled = []int{1, 1}
	s := NewDynamo(fake, "evidence", 64, 2)

	err := s.Write(context.Background(), []models.Record{
		record(id.TenantID(uuid.New()), "a", baseTime, models.StatusCompliant),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not written")
	assert.Empty(t, fake.items)
}

func TestDynamoWriteFailure(t *testing.T) {
	fake := newFakeDynamo()
	fake.txErr = errors.New("ResourceNotFoundException")
	s := NewDynamo(fake, "evidence", 64, 2)

	err := s.Write(context.Background(), []models.Record{record(id.TenantID(uuid.New()), "a", baseTime, models.StatusCompliant)})
	require.Error(t, err)
}

func TestDynamoListNewestFirstWithReflag(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamo(fake, "evidence", 8, 1)
	tenantID := id.TenantID(uuid.New())

	older := record(tenantID, "logs", baseTime, models.StatusCompliant)
	older.ClassifierVersion = 1
	older.RawProof = strings.Repeat("z", 9)
	newer := record(tenantID, "logs", baseTime.Add(1500), models.StatusNonCompliant)
	versioning := record(tenantID, "logs", baseTime.Add(3000), models.StatusCompliant)
	versioning.Control = "versioning"
	require.NoError(t, s.Write(context.Background(), []models.Record{older, newer, versioning}))

	page, err := s.List(context.Background(), models.Query{TenantID: tenantID, Control: "encryption_at_rest", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	assert.True(t, page.Records[0].CapturedAt.Equal(newer.CapturedAt))
	assert.Equal(t, models.StatusNonCompliant, page.Records[0].Status)
	assert.True(t, page.Records[1].Truncated)
}
