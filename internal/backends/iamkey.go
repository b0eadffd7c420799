package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/logging"
)

// Metadata keys the IAM backend maintains on a credential.
const (
	metaIAMUser       = "iamUser"
	metaAccessKeyID   = "accessKeyId"
	metaPreviousKeyID = "previousAccessKeyId"
)

// IAMClientAPI is the subset of the IAM client used by the backend.
type IAMClientAPI interface {
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	UpdateAccessKey(ctx context.Context, params *iam.UpdateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
}

// iamKeyPair is the JSON shape stored in Secrets Manager for an IAM
// key credential, and the shape CurrentValue hands to the backup.
type iamKeyPair struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
}

// IAMKeyBackend rotates IAM user access keys.
//
// AWS cannot resurrect a deleted access key, so the old key is only
// deactivated during rotation. Deletion happens in FinalizeRotation,
// after the engine has verified the replacement works. Until then a
// rollback can reactivate the old key.
type IAMKeyBackend struct {
	iamClient     IAMClientAPI
	secretsClient SecretsManagerClientAPI
	logger        *logging.Logger
}

// NewIAMKeyBackend creates the backend.
func NewIAMKeyBackend(iamClient IAMClientAPI, secretsClient SecretsManagerClientAPI, logger *logging.Logger) *IAMKeyBackend {
	return &IAMKeyBackend{iamClient: iamClient, secretsClient: secretsClient, logger: logger}
}

func iamUserFor(cred credential.Credential) (string, error) {
	user := cred.Metadata[metaIAMUser]
	if user == "" {
		return "", vperrors.Permanent("resolve iam user", fmt.Sprintf("credential %s has no iamUser metadata", cred.ID), nil)
	}
	return user, nil
}

// CurrentValue reads the stored keypair JSON from Secrets Manager.
func (b *IAMKeyBackend) CurrentValue(ctx context.Context, cred credential.Credential) (string, error) {
	return getSecretString(ctx, b.secretsClient, secretNameFor(cred))
}

// Rotate creates a new access key, persists the keypair, then
// deactivates the old key. Persist-before-deactivate: if the write
// fails the old key is still the only live key and nothing is lost.
func (b *IAMKeyBackend) Rotate(ctx context.Context, cred credential.Credential) (*RotationOutcome, error) {
	user, err := iamUserFor(cred)
	if err != nil {
		return nil, err
	}
	oldKeyID := cred.Metadata[metaAccessKeyID]

	created, err := b.iamClient.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
		UserName: aws.String(user),
	})
	if err != nil {
		return nil, classifyIAMError("create access key", err)
	}
	newKey := created.AccessKey
	b.logger.Info("created access key %s for user %s", *newKey.AccessKeyId, user)

	pair := iamKeyPair{
		AccessKeyID:     *newKey.AccessKeyId,
		SecretAccessKey: *newKey.SecretAccessKey,
	}
	payload, err := json.Marshal(pair)
	if err != nil {
		return nil, vperrors.Permanent("marshal keypair", "", err)
	}

	version, err := putSecretString(ctx, b.secretsClient, secretNameFor(cred), string(payload))
	if err != nil {
		// The new key was never persisted anywhere; remove it so it
		// cannot linger as an orphan.
		b.deleteKeyBestEffort(ctx, user, *newKey.AccessKeyId)
		return nil, vperrors.Transient("persist keypair", err)
	}

	if oldKeyID != "" {
		_, err = b.iamClient.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
			UserName:    aws.String(user),
			AccessKeyId: aws.String(oldKeyID),
			Status:      iamtypes.StatusTypeInactive,
		})
		if err != nil {
			return nil, classifyIAMError("deactivate old access key", err)
		}
		b.logger.Info("deactivated access key %s for user %s", oldKeyID, user)
	}

	return &RotationOutcome{
		NewValue: string(payload),
		Version:  version,
		Metadata: map[string]string{
			metaAccessKeyID:   *newKey.AccessKeyId,
			metaPreviousKeyID: oldKeyID,
		},
	}, nil
}

// Restore reactivates the previous key, writes its pair back to
// Secrets Manager, and deletes the replacement key minted by the
// failed rotation.
func (b *IAMKeyBackend) Restore(ctx context.Context, cred credential.Credential, oldValue string) error {
	user, err := iamUserFor(cred)
	if err != nil {
		return err
	}

	var pair iamKeyPair
	if err := json.Unmarshal([]byte(oldValue), &pair); err != nil {
		return fmt.Errorf("decode backup keypair: %w", err)
	}

	if pair.AccessKeyID != "" {
		_, err = b.iamClient.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
			UserName:    aws.String(user),
			AccessKeyId: aws.String(pair.AccessKeyID),
			Status:      iamtypes.StatusTypeActive,
		})
		if err != nil {
			return fmt.Errorf("reactivate access key %s: %w", pair.AccessKeyID, err)
		}
		b.logger.Info("reactivated access key %s for user %s", pair.AccessKeyID, user)
	}

	if _, err := putSecretString(ctx, b.secretsClient, secretNameFor(cred), oldValue); err != nil {
		return fmt.Errorf("restore keypair secret: %w", err)
	}

	// The key minted by the failed rotation is now unreferenced.
	if newKeyID := cred.Metadata[metaAccessKeyID]; newKeyID != "" && newKeyID != pair.AccessKeyID {
		b.deleteKeyBestEffort(ctx, user, newKeyID)
	}

	return nil
}

// FinalizeRotation deletes the deactivated previous key. Only the
// engine calls this, and only after the new key has been verified.
func (b *IAMKeyBackend) FinalizeRotation(ctx context.Context, cred credential.Credential) error {
	user, err := iamUserFor(cred)
	if err != nil {
		return err
	}
	previousKeyID := cred.Metadata[metaPreviousKeyID]
	if previousKeyID == "" {
		return nil
	}

	_, err = b.iamClient.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		UserName:    aws.String(user),
		AccessKeyId: aws.String(previousKeyID),
	})
	if err != nil {
		var noSuchEntity *iamtypes.NoSuchEntityException
		if errors.As(err, &noSuchEntity) {
			return nil
		}
		return fmt.Errorf("delete previous access key %s: %w", previousKeyID, err)
	}
	b.logger.Info("deleted previous access key %s for user %s", previousKeyID, user)
	return nil
}

func (b *IAMKeyBackend) deleteKeyBestEffort(ctx context.Context, user, keyID string) {
	_, err := b.iamClient.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		UserName:    aws.String(user),
		AccessKeyId: aws.String(keyID),
	})
	if err != nil {
		b.logger.Warn("orphaned access key %s for user %s could not be deleted: %v", keyID, user, err)
	}
}

func classifyIAMError(op string, err error) error {
	var noSuchEntity *iamtypes.NoSuchEntityException
	if errors.As(err, &noSuchEntity) {
		return vperrors.Permanent(op, "iam entity does not exist", err)
	}
	var limitExceeded *iamtypes.LimitExceededException
	if errors.As(err, &limitExceeded) {
		// Two access keys per user is a hard AWS cap; a stuck second
		// key needs an operator, not a retry.
		return vperrors.Permanent(op, "access key limit exceeded", err)
	}
	return vperrors.Transient(op, err)
}
