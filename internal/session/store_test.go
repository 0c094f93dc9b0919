// ABOUTME: Tests for the memory, Redis, and DynamoDB session stores.
// ABOUTME: Each store must return fresh state when absent and reset the TTL on save.

package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *State {
	st := New("whatsapp:966551234567")
	st.AddTurn(RoleUser, "book appointment", time.Now(), 10)
	st.Apply(Mutations{Set: map[string]string{"service": "dental"}, PendingAction: Pending("choose_date")})
	return st
}

func assertRoundTrip(t *testing.T, got *State) {
	t.Helper()
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "book appointment", got.Turns[0].Text)
	assert.Equal(t, RoleUser, got.Turns[0].Role)
	assert.Equal(t, "dental", got.Context["service"])
	assert.Equal(t, "choose_date", got.PendingAction)
}

func TestMemoryStore_LoadSave(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := NewMemoryStore(time.Hour, clock)

	fresh, err := s.Load(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "C1", fresh.ConversationID)
	assert.Empty(t, fresh.Turns)
	assert.NotNil(t, fresh.Context)

	st := sampleState()
	require.NoError(t, s.Save(ctx, st))
	assert.Equal(t, now.Add(time.Hour), st.ExpiresAt)

	got, err := s.Load(ctx, st.ConversationID)
	require.NoError(t, err)
	assertRoundTrip(t, got)

	// Mutating the loaded copy must not leak into the store.
	got.Context["service"] = "eye"
	again, _ := s.Load(ctx, st.ConversationID)
	assert.Equal(t, "dental", again.Context["service"])
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Hour, func() time.Time { return now })

	require.NoError(t, s.Save(ctx, sampleState()))
	now = now.Add(2 * time.Hour)

	got, err := s.Load(ctx, "whatsapp:966551234567")
	require.NoError(t, err)
	assert.Empty(t, got.Turns)
}

func TestRedisStore_LoadSave(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, 2*time.Hour)

	fresh, err := s.Load(ctx, "C1")
	require.NoError(t, err)
	assert.Empty(t, fresh.Turns)

	st := sampleState()
	require.NoError(t, s.Save(ctx, st))
	assert.Equal(t, 2*time.Hour, mr.TTL("session:"+st.ConversationID))

	got, err := s.Load(ctx, st.ConversationID)
	require.NoError(t, err)
	assertRoundTrip(t, got)

	mr.FastForward(3 * time.Hour)
	gone, err := s.Load(ctx, st.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, gone.Turns)
}

func TestRedisStore_CorruptValue(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, time.Hour)

	require.NoError(t, mr.Set("session:C1", "{not json"))
	got, err := s.Load(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "C1", got.ConversationID)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, time.Hour)
	mr.Close()

	_, err := s.Load(context.Background(), "C1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	err   error
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pk := in.Key["PK"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[pk]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pk := in.Item["PK"].(*types.AttributeValueMemberS).Value
	f.items[pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoStore_LoadSave(t *testing.T) {
	ctx := context.Background()
	db := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
	s, err := NewDynamoStore(db, "sessions", time.Hour)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	st := sampleState()
	require.NoError(t, s.Save(ctx, st))

	item := db.items["CONV#"+st.ConversationID]
	require.NotNil(t, item)
	assert.Equal(t, strconv.FormatInt(now.Add(time.Hour).Unix(), 10), item["ttl"].(*types.AttributeValueMemberN).Value)

	got, err := s.Load(ctx, st.ConversationID)
	require.NoError(t, err)
	assertRoundTrip(t, got)

	now = now.Add(2 * time.Hour)
	expired, err := s.Load(ctx, st.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, expired.Turns)
}

func TestDynamoStore_Errors(t *testing.T) {
	_, err := NewDynamoStore(nil, "t", time.Hour)
	assert.Error(t, err)

	db := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}, err: errors.New("throttled")}
	s, err := NewDynamoStore(db, "t", time.Hour)
	require.NoError(t, err)

	_, err = s.Load(context.Background(), "C1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, s.Save(context.Background(), New("C1")), ErrStoreUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreUnavailable)
}
