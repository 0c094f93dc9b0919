// ABOUTME: DynamoDB-backed idempotency store using conditional PutItem for admission.
// ABOUTME: A numeric ttl attribute lets DynamoDB expire records; expires_at guards the lag.

package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const skRecord = "IDEMPOTENCY"

// dynamodbAPI is the subset of the DynamoDB client used by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps records in a single-table layout keyed by PK/SK.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore creates a store on tableName.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("idempotency: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("idempotency: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

func recordPK(key string) string {
	return "MSG#" + key
}

const (
	condAdmit    = "attribute_not_exists(PK) OR expires_at < :now"
	condComplete = condAdmit + " OR (#status = :inprogress AND #owner = :owner)"
	condAbandon  = "#status = :inprogress AND #owner = :owner"
)

func ownerNames() map[string]string {
	return map[string]string{"#status": "status", "#owner": "owner"}
}

func ownerValues(owner string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":inprogress": &types.AttributeValueMemberS{Value: string(StatusInProgress)},
		":owner":      &types.AttributeValueMemberS{Value: owner},
	}
}

func (s *DynamoStore) Admit(ctx context.Context, key, owner string, inFlightTTL time.Duration) (Admission, error) {
	now := s.now()
	rec := Record{MessageID: key, Owner: owner, Status: StatusInProgress, ExpiresAt: now.Add(inFlightTTL)}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                recordItem(rec),
		ConditionExpression: aws.String(condAdmit),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err == nil {
		return Admitted, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return 0, fmt.Errorf("%w: put item: %w", ErrStoreUnavailable, err)
	}

	existing, found, err := s.get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		// Deleted between the put and the read; the caller may retry.
		return InFlight, nil
	}
	return AdmissionFor(existing.Status), nil
}

func (s *DynamoStore) Complete(ctx context.Context, key, owner string, status Status, summary string, retention time.Duration) error {
	now := s.now()
	rec := Record{
		MessageID:     key,
		Owner:         owner,
		Status:        status,
		ResultSummary: summary,
		ExpiresAt:     now.Add(retention),
	}
	values := ownerValues(owner)
	values[":now"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tableName),
		Item:                      recordItem(rec),
		ConditionExpression:       aws.String(condComplete),
		ExpressionAttributeNames:  ownerNames(),
		ExpressionAttributeValues: values,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %s", ErrNotOwner, key)
	}
	if err != nil {
		return fmt.Errorf("%w: put item: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *DynamoStore) Abandon(ctx context.Context, key, owner string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       recordKey(key),
		ConditionExpression:       aws.String(condAbandon),
		ExpressionAttributeNames:  ownerNames(),
		ExpressionAttributeValues: ownerValues(owner),
	})
	var ccf *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &ccf) {
		return fmt.Errorf("%w: delete item: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	if _, _, err := s.get(ctx, "__ping__"); err != nil {
		return err
	}
	return nil
}

func (s *DynamoStore) get(ctx context.Context, key string) (Record, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            recordKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: get item: %w", ErrStoreUnavailable, err)
	}
	if out == nil || len(out.Item) == 0 {
		return Record{}, false, nil
	}
	rec, err := itemToRecord(out.Item)
	if err != nil {
		return Record{}, false, err
	}
	if !s.now().Before(rec.ExpiresAt) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func recordKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: recordPK(key)},
		"SK": &types.AttributeValueMemberS{Value: skRecord},
	}
}

func recordItem(rec Record) map[string]types.AttributeValue {
	item := recordKey(rec.MessageID)
	item["message_id"] = &types.AttributeValueMemberS{Value: rec.MessageID}
	item["status"] = &types.AttributeValueMemberS{Value: string(rec.Status)}
	if rec.Owner != "" {
		item["owner"] = &types.AttributeValueMemberS{Value: rec.Owner}
	}
	item["expires_at"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10)}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt.Unix(), 10)}
	if rec.ResultSummary != "" {
		item["result_summary"] = &types.AttributeValueMemberS{Value: rec.ResultSummary}
	}
	return item
}

func itemToRecord(item map[string]types.AttributeValue) (Record, error) {
	var rec Record
	if v, ok := item["message_id"].(*types.AttributeValueMemberS); ok {
		rec.MessageID = v.Value
	}
	status, ok := item["status"].(*types.AttributeValueMemberS)
	if !ok {
		return Record{}, errors.New("idempotency: attribute \"status\" missing or not a string")
	}
	rec.Status = Status(status.Value)
	if v, ok := item["owner"].(*types.AttributeValueMemberS); ok {
		rec.Owner = v.Value
	}
	if v, ok := item["result_summary"].(*types.AttributeValueMemberS); ok {
		rec.ResultSummary = v.Value
	}
	exp, ok := item["expires_at"].(*types.AttributeValueMemberN)
	if !ok {
		return Record{}, errors.New("idempotency: attribute \"expires_at\" missing or not a number")
	}
	ms, err := strconv.ParseInt(exp.Value, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: decoding expires_at: %w", err)
	}
	rec.ExpiresAt = time.UnixMilli(ms)
	return rec, nil
}
