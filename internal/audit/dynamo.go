package audit

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/vaultpilot/vaultpilot/internal/logging"
	"github.com/vaultpilot/vaultpilot/internal/store"
)

const tenantIndexName = "tenantId-index"

// DynamoSink persists audit entries to a DynamoDB table with a 90-day
// TTL attribute.
type DynamoSink struct {
	client    store.DynamoClientAPI
	tableName string
	logger    *logging.Logger
}

// NewDynamoSink creates a sink over the given table.
func NewDynamoSink(client store.DynamoClientAPI, tableName string, logger *logging.Logger) *DynamoSink {
	return &DynamoSink{client: client, tableName: tableName, logger: logger}
}

// Append writes the entry. Failures are logged and swallowed.
func (s *DynamoSink) Append(ctx context.Context, entry Entry) {
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		s.logger.Warn("audit: marshal entry %s: %v", entry.ID, err)
		return
	}
	item["ttl"] = &types.AttributeValueMemberN{
		Value: fmt.Sprintf("%d", entry.Timestamp.Add(Retention).Unix()),
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		s.logger.Warn("audit: write entry %s (%s): %v", entry.ID, entry.Action, err)
	}
}

// List returns the tenant's entries, newest first.
func (s *DynamoSink) List(ctx context.Context, tenantID string) ([]Entry, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(tenantIndexName),
		KeyConditionExpression: aws.String("tenantId = :tenantId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenantId": &types.AttributeValueMemberS{Value: tenantID},
		},
	})
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(out.Items))
	for _, item := range out.Items {
		var entry Entry
		if err := attributevalue.UnmarshalMap(item, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sortNewestFirst(entries)
	return entries, nil
}

func sortNewestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}
