package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vaultpilot/vaultpilot/internal/credential"
)

// DynamoClientAPI defines the DynamoDB operations the stores use.
// This allows for mocking in tests.
type DynamoClientAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// tenantIndexName is the GSI keyed on tenantId; every tenant-scoped
// query goes through it.
const tenantIndexName = "tenantId-index"

// DynamoCredentialStore is the DynamoDB-backed CredentialStore.
type DynamoCredentialStore struct {
	client DynamoClientAPI
	table  string
}

// NewDynamoCredentialStore creates a credential store over the given
// table.
func NewDynamoCredentialStore(client DynamoClientAPI, table string) *DynamoCredentialStore {
	return &DynamoCredentialStore{client: client, table: table}
}

func (s *DynamoCredentialStore) Get(ctx context.Context, tenantID, id string) (*credential.Credential, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var cred credential.Credential
	if err := attributevalue.UnmarshalMap(out.Item, &cred); err != nil {
		return nil, fmt.Errorf("unmarshal credential %s: %w", id, err)
	}
	// Cross-tenant hits are reported exactly like misses.
	if cred.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &cred, nil
}

func (s *DynamoCredentialStore) Create(ctx context.Context, cred credential.Credential) error {
	item, err := attributevalue.MarshalMap(cred)
	if err != nil {
		return fmt.Errorf("marshal credential %s: %w", cred.ID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create credential %s: %w", cred.ID, err)
	}
	return nil
}

func (s *DynamoCredentialStore) Update(ctx context.Context, cred credential.Credential) error {
	item, err := attributevalue.MarshalMap(cred)
	if err != nil {
		return fmt.Errorf("marshal credential %s: %w", cred.ID, err)
	}

	// The condition pins the write to the owning tenant.
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(id) AND tenantId = :tenantId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenantId": &types.AttributeValueMemberS{Value: cred.TenantID},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("update credential %s: %w", cred.ID, err)
	}
	return nil
}

func (s *DynamoCredentialStore) Query(ctx context.Context, tenantID string, filter CredentialFilter) ([]credential.Credential, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(tenantIndexName),
		KeyConditionExpression: aws.String("tenantId = :tenantId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenantId": &types.AttributeValueMemberS{Value: tenantID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query credentials for tenant: %w", err)
	}

	var creds []credential.Credential
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}

	// Type/status/due filtering happens client-side; the table filter
	// stays purely the tenant key so the scoping is structural.
	filtered := creds[:0]
	for _, cred := range creds {
		if matchesFilter(cred, filter) {
			filtered = append(filtered, cred)
		}
	}
	return filtered, nil
}

func (s *DynamoCredentialStore) Delete(ctx context.Context, tenantID, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConditionExpression: aws.String("tenantId = :tenantId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenantId": &types.AttributeValueMemberS{Value: tenantID},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("delete credential %s: %w", id, err)
	}
	return nil
}

func (s *DynamoCredentialStore) Count(ctx context.Context, tenantID string) (int, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(tenantIndexName),
		KeyConditionExpression: aws.String("tenantId = :tenantId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenantId": &types.AttributeValueMemberS{Value: tenantID},
		},
		Select: types.SelectCount,
	})
	if err != nil {
		return 0, fmt.Errorf("count credentials for tenant: %w", err)
	}
	return int(out.Count), nil
}

// DynamoAttemptStore is the DynamoDB-backed append-only attempt log.
// The table is keyed on the record id; queries run against the
// tenantId GSI and filter client-side.
type DynamoAttemptStore struct {
	client DynamoClientAPI
	table  string
}

// NewDynamoAttemptStore creates an attempt store over the given table.
func NewDynamoAttemptStore(client DynamoClientAPI, table string) *DynamoAttemptStore {
	return &DynamoAttemptStore{client: client, table: table}
}

func (s *DynamoAttemptStore) Append(ctx context.Context, attempt credential.Attempt) error {
	item, err := attributevalue.MarshalMap(attempt)
	if err != nil {
		return fmt.Errorf("marshal attempt %s: %w", attempt.ID, err)
	}

	// Append-only: refuse to overwrite an existing record.
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return fmt.Errorf("append attempt %s: %w", attempt.ID, err)
	}
	return nil
}

func (s *DynamoAttemptStore) queryTenant(ctx context.Context, tenantID string) ([]credential.Attempt, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(tenantIndexName),
		KeyConditionExpression: aws.String("tenantId = :tenantId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenantId": &types.AttributeValueMemberS{Value: tenantID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query attempts for tenant: %w", err)
	}

	var attempts []credential.Attempt
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return attempts, nil
}

func (s *DynamoAttemptStore) Latest(ctx context.Context, tenantID, credentialID string) (*credential.Attempt, error) {
	attempts, err := s.ListByCredential(ctx, tenantID, credentialID, 1)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, ErrNotFound
	}
	return &attempts[0], nil
}

func (s *DynamoAttemptStore) ListByCredential(ctx context.Context, tenantID, credentialID string, limit int) ([]credential.Attempt, error) {
	attempts, err := s.queryTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var results []credential.Attempt
	for _, a := range attempts {
		if a.CredentialID == credentialID {
			results = append(results, a)
		}
	}
	// Newest first by start time, ties broken by retry count so the
	// completion record of a retry sorts after its opening record.
	sortAttemptsNewestFirst(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *DynamoAttemptStore) CountSuccessesSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	attempts, err := s.queryTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, a := range attempts {
		if a.Status == credential.AttemptSuccess && !a.StartTime.Before(since) {
			count++
		}
	}
	return count, nil
}

func sortAttemptsNewestFirst(attempts []credential.Attempt) {
	sort.SliceStable(attempts, func(i, j int) bool {
		return attemptLess(attempts[j], attempts[i])
	})
}

func attemptLess(a, b credential.Attempt) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	if a.RetryCount != b.RetryCount {
		return a.RetryCount < b.RetryCount
	}
	// Terminal records sort after the in-progress record of the same retry.
	return a.Status == credential.AttemptInProgress && b.Status != credential.AttemptInProgress
}

// DynamoBackupStore is the DynamoDB-backed BackupStore.
type DynamoBackupStore struct {
	client DynamoClientAPI
	table  string
}

// NewDynamoBackupStore creates a backup store over the given table.
func NewDynamoBackupStore(client DynamoClientAPI, table string) *DynamoBackupStore {
	return &DynamoBackupStore{client: client, table: table}
}

func (s *DynamoBackupStore) Put(ctx context.Context, backup credential.Backup) error {
	item, err := attributevalue.MarshalMap(backup)
	if err != nil {
		return fmt.Errorf("marshal backup %s: %w", backup.ID, err)
	}

	// The table TTL attribute lets DynamoDB purge what the sweep misses.
	item["ttl"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", backup.ExpiresAt.Unix())}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put backup %s: %w", backup.ID, err)
	}
	return nil
}

func (s *DynamoBackupStore) Get(ctx context.Context, tenantID, id string) (*credential.Backup, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
	})
	if err != nil {
		return nil, fmt.Errorf("get backup %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var backup credential.Backup
	if err := attributevalue.UnmarshalMap(out.Item, &backup); err != nil {
		return nil, fmt.Errorf("unmarshal backup %s: %w", id, err)
	}
	if backup.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &backup, nil
}

func (s *DynamoBackupStore) ActiveForCredential(ctx context.Context, tenantID, credentialID string) (*credential.Backup, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(tenantIndexName),
		KeyConditionExpression: aws.String("tenantId = :tenantId"),
		FilterExpression:       aws.String("credentialId = :credentialId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenantId":     &types.AttributeValueMemberS{Value: tenantID},
			":credentialId": &types.AttributeValueMemberS{Value: credentialID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query backups for credential %s: %w", credentialID, err)
	}

	var backups []credential.Backup
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &backups); err != nil {
		return nil, fmt.Errorf("unmarshal backups: %w", err)
	}

	now := time.Now()
	for _, backup := range backups {
		if !backup.Expired(now) {
			found := backup
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *DynamoBackupStore) Delete(ctx context.Context, tenantID, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConditionExpression: aws.String("tenantId = :tenantId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenantId": &types.AttributeValueMemberS{Value: tenantID},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	return nil
}

func (s *DynamoBackupStore) ListExpired(ctx context.Context, now time.Time) ([]credential.Backup, error) {
	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("expiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan expired backups: %w", err)
	}

	var backups []credential.Backup
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &backups); err != nil {
		return nil, fmt.Errorf("unmarshal expired backups: %w", err)
	}
	return backups, nil
}
