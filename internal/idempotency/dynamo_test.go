// ABOUTME: Tests for the DynamoDB idempotency store using an in-memory fake table.
// ABOUTME: The fake evaluates the store's conditional expressions like DynamoDB would.

package idempotency

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	err    error
	putIns []*dynamodb.PutItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemPK(item map[string]types.AttributeValue) string {
	return item["PK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[itemPK(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.putIns = append(f.putIns, in)
	pk := itemPK(in.Item)
	if in.ConditionExpression != nil {
		if existing, ok := f.items[pk]; ok && !putAllowed(*in.ConditionExpression, in.ExpressionAttributeValues, existing) {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("conditional request failed")}
		}
	}
	f.items[pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

// putAllowed evaluates the store's put conditions against an existing item.
func putAllowed(cond string, values, existing map[string]types.AttributeValue) bool {
	now, _ := strconv.ParseInt(values[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
	exp, _ := strconv.ParseInt(existing["expires_at"].(*types.AttributeValueMemberN).Value, 10, 64)
	if exp < now {
		return true
	}
	return strings.Contains(cond, "#owner = :owner") && ownerMatches(values, existing)
}

func ownerMatches(values, existing map[string]types.AttributeValue) bool {
	return attrS(existing, "status") == attrS(values, ":inprogress") &&
		attrS(existing, "owner") == attrS(values, ":owner")
}

func attrS(m map[string]types.AttributeValue, name string) string {
	if v, ok := m[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pk := itemPK(in.Key)
	existing, ok := f.items[pk]
	if !ok || !ownerMatches(in.ExpressionAttributeValues, existing) {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("conditional request failed")}
	}
	delete(f.items, pk)
	return &dynamodb.DeleteItemOutput{}, nil
}

func strPtr(s string) *string { return &s }

func newDynamoTestStore(t *testing.T, db *fakeDynamo, clock *testClock) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "idempotency")
	require.NoError(t, err)
	s.now = clock.Now
	return s
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, "t")
	assert.Error(t, err)
	_, err = NewDynamoStore(newFakeDynamo(), " ")
	assert.Error(t, err)
}

func TestDynamoStore_AdmitLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	db := newFakeDynamo()
	s := newDynamoTestStore(t, db, clock)

	got, err := s.Admit(ctx, "msg:1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Admitted, got)

	put := db.putIns[0]
	require.NotNil(t, put.ConditionExpression)
	assert.Contains(t, *put.ConditionExpression, "attribute_not_exists(PK)")
	assert.Equal(t, strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10),
		put.Item["ttl"].(*types.AttributeValueMemberN).Value)

	assert.Equal(t, "w1", attrS(put.Item, "owner"))

	got, err = s.Admit(ctx, "msg:1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, InFlight, got)

	require.NoError(t, s.Complete(ctx, "msg:1", "w1", StatusCompleted, "ok", time.Hour))
	assert.Contains(t, *db.putIns[len(db.putIns)-1].ConditionExpression, "#owner = :owner")
	got, err = s.Admit(ctx, "msg:1", "w3", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, got)
}

func TestDynamoStore_ExpiredRecordReadmits(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newDynamoTestStore(t, newFakeDynamo(), clock)

	_, err := s.Admit(ctx, "k", "w1", 30*time.Second)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	got, err := s.Admit(ctx, "k", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Admitted, got, "records past expires_at are replaced before DynamoDB TTL deletes them")
}

func TestDynamoStore_Abandon(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	db := newFakeDynamo()
	s := newDynamoTestStore(t, db, clock)

	_, _ = s.Admit(ctx, "k", "w1", time.Minute)
	require.NoError(t, s.Abandon(ctx, "k", "w2"))
	assert.Len(t, db.items, 1, "another owner cannot abandon the record")

	require.NoError(t, s.Abandon(ctx, "k", "w1"))
	assert.Empty(t, db.items)

	require.NoError(t, s.Abandon(ctx, "missing", "w1"), "conditional misses are not errors")
}

func TestDynamoStore_CompleteRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	db := newFakeDynamo()
	s := newDynamoTestStore(t, db, clock)

	_, err := s.Admit(ctx, "k", "w1", 30*time.Second)
	require.NoError(t, err)

	// w1 stalls past its in-flight window and a redelivery is admitted as w2.
	clock.Advance(time.Minute)
	got, err := s.Admit(ctx, "k", "w2", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, Admitted, got)

	err = s.Complete(ctx, "k", "w1", StatusFailed, "stale", time.Hour)
	require.ErrorIs(t, err, ErrNotOwner)
	rec, found, err := s.get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, "w2", rec.Owner)

	require.NoError(t, s.Complete(ctx, "k", "w2", StatusCompleted, "ok", time.Hour))
	assert.ErrorIs(t, s.Complete(ctx, "k", "w2", StatusFailed, "again", time.Hour), ErrNotOwner,
		"terminal records are never overwritten")

	rec, _, err = s.get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "ok", rec.ResultSummary)
}

func TestDynamoStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	db := newFakeDynamo()
	db.err = errors.New("connection reset")
	s := newDynamoTestStore(t, db, newTestClock())

	_, err := s.Admit(ctx, "k", "w1", time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, s.Complete(ctx, "k", "w1", StatusCompleted, "", time.Hour), ErrStoreUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreUnavailable)
}
