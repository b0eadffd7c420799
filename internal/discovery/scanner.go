// Package discovery scans cloud accounts for rotatable credentials
// and registers them with the engine's stores.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/vaultpilot/vaultpilot/internal/audit"
	"github.com/vaultpilot/vaultpilot/internal/backends"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	"github.com/vaultpilot/vaultpilot/internal/logging"
	"github.com/vaultpilot/vaultpilot/internal/store"
	"github.com/vaultpilot/vaultpilot/internal/tenant"
)

// Summary reports one scan.
type Summary struct {
	UsersScanned int
	Discovered   int
	Refreshed    int
	Rejected     int
}

// IAMListClientAPI extends the rotation client surface with user
// enumeration, which only discovery needs.
type IAMListClientAPI interface {
	backends.IAMClientAPI
	ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error)
}

// Scanner walks IAM users and their access keys, upserting an IamKey
// credential per active key.
type Scanner struct {
	iamClient   IAMListClientAPI
	credentials store.CredentialStore
	guard       *tenant.Guard
	sink        audit.Sink
	logger      *logging.Logger
}

// NewScanner creates a scanner.
func NewScanner(client IAMListClientAPI, credentials store.CredentialStore, guard *tenant.Guard, sink audit.Sink, logger *logging.Logger) *Scanner {
	return &Scanner{
		iamClient:   client,
		credentials: credentials,
		guard:       guard,
		sink:        sink,
		logger:      logger,
	}
}

// Scan enumerates IAM users and upserts one credential per access
// key. Existing records are refreshed, never duplicated; new records
// are quota-guarded.
func (s *Scanner) Scan(ctx context.Context, tctx *tenant.Context) (Summary, error) {
	summary := Summary{}
	now := time.Now().UTC()

	var marker *string
	for {
		users, err := s.iamClient.ListUsers(ctx, &iam.ListUsersInput{Marker: marker})
		if err != nil {
			return summary, fmt.Errorf("list iam users: %w", err)
		}

		for _, user := range users.Users {
			summary.UsersScanned++
			if err := s.scanUser(ctx, tctx, *user.UserName, now, &summary); err != nil {
				s.logger.Warn("discovery: scan user %s: %v", *user.UserName, err)
			}
		}

		if !users.IsTruncated {
			break
		}
		marker = users.Marker
	}

	s.sink.Append(ctx, audit.NewEntry(tctx.TenantID, audit.ActionAccountScanned, "", tctx.UserID, map[string]string{
		"usersScanned": fmt.Sprintf("%d", summary.UsersScanned),
		"discovered":   fmt.Sprintf("%d", summary.Discovered),
	}))
	s.logger.Info("discovery for tenant %s: %d users, %d new, %d refreshed, %d rejected",
		tctx.TenantID, summary.UsersScanned, summary.Discovered, summary.Refreshed, summary.Rejected)
	return summary, nil
}

func (s *Scanner) scanUser(ctx context.Context, tctx *tenant.Context, userName string, now time.Time, summary *Summary) error {
	keys, err := s.iamClient.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: &userName})
	if err != nil {
		return fmt.Errorf("list access keys: %w", err)
	}

	for _, key := range keys.AccessKeyMetadata {
		id := discoveredID(tctx.TenantID, *key.AccessKeyId)

		existing, err := s.credentials.Get(ctx, tctx.TenantID, id)
		if err == nil {
			existing.RefreshExpiry(now)
			if updateErr := s.credentials.Update(ctx, *existing); updateErr != nil {
				s.logger.Warn("discovery: refresh credential %s: %v", id, updateErr)
				continue
			}
			summary.Refreshed++
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := s.guard.RequireCredentialCapacity(ctx, tctx); err != nil {
			summary.Rejected++
			s.logger.Warn("discovery: credential %s rejected: %v", id, err)
			continue
		}

		created := time.Now().UTC()
		if key.CreateDate != nil {
			created = *key.CreateDate
		}
		cred := credential.Credential{
			ID:            id,
			TenantID:      tctx.TenantID,
			Name:          fmt.Sprintf("%s access key", userName),
			Type:          credential.TypeIAMKey,
			Source:        "aws_iam",
			LastRotatedAt: created,
			Metadata: map[string]string{
				"iamUser":     userName,
				"accessKeyId": *key.AccessKeyId,
			},
		}
		cred.RefreshExpiry(now)

		if err := s.credentials.Create(ctx, cred); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				continue
			}
			return fmt.Errorf("create credential %s: %w", id, err)
		}
		summary.Discovered++
		s.sink.Append(ctx, audit.NewEntry(tctx.TenantID, audit.ActionCredentialFound, cred.ID, tctx.UserID, map[string]string{
			"iamUser": userName,
		}))
	}
	return nil
}

// discoveredID derives a stable credential id from the access key so
// repeated scans upsert instead of duplicating.
func discoveredID(tenantID, accessKeyID string) string {
	return fmt.Sprintf("iam-%s-%s", tenantID, accessKeyID)
}
