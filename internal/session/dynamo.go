// ABOUTME: DynamoDB session store with one item per conversation and a ttl attribute.
// ABOUTME: Items past expires_at are treated as absent while DynamoDB TTL catches up.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const skSession = "SESSION"

// dynamodbAPI is the subset of the DynamoDB client used by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoStore persists sessions in a single-table layout.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// NewDynamoStore creates a store on tableName.
func NewDynamoStore(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("session: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("session: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func sessionKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skSession},
	}
}

func (s *DynamoStore) Load(ctx context.Context, conversationID string) (*State, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            sessionKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get item: %w", ErrStoreUnavailable, err)
	}
	if out == nil || len(out.Item) == 0 {
		return New(conversationID), nil
	}

	if ttl, ok := out.Item["ttl"].(*types.AttributeValueMemberN); ok {
		if secs, err := strconv.ParseInt(ttl.Value, 10, 64); err == nil && !s.now().Before(time.Unix(secs, 0)) {
			return New(conversationID), nil
		}
	}
	raw, ok := out.Item["state"].(*types.AttributeValueMemberS)
	if !ok {
		return New(conversationID), nil
	}
	return Decode(conversationID, []byte(raw.Value))
}

func (s *DynamoStore) Save(ctx context.Context, state *State) error {
	now := s.now()
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(s.ttl)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	item := sessionKey(state.ConversationID)
	item["conversationId"] = &types.AttributeValueMemberS{Value: state.ConversationID}
	item["state"] = &types.AttributeValueMemberS{Value: string(data)}
	item["lastActivity"] = &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(state.ExpiresAt.Unix(), 10)}

	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("%w: put item: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       sessionKey("__ping__"),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
