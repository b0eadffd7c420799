package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/logging"
)

// SecretsManagerClientAPI is the subset of the Secrets Manager client
// the backends use. It allows mock injection in tests.
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	UpdateSecret(ctx context.Context, params *secretsmanager.UpdateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// SecretsManagerBackend rotates value-store credentials: generic API
// tokens, GitHub tokens, and SMTP passwords whose secret material
// lives in Secrets Manager.
type SecretsManagerBackend struct {
	client SecretsManagerClientAPI
	logger *logging.Logger
}

// NewSecretsManagerBackend creates the backend.
func NewSecretsManagerBackend(client SecretsManagerClientAPI, logger *logging.Logger) *SecretsManagerBackend {
	return &SecretsManagerBackend{client: client, logger: logger}
}

// secretNameFor resolves where a credential's material is stored. An
// explicit secretName in metadata wins; otherwise the name is derived
// from tenant and credential name.
func secretNameFor(cred credential.Credential) string {
	if name, ok := cred.Metadata["secretName"]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("vaultpilot/%s/%s", cred.TenantID, cred.Name)
}

// CurrentValue reads the stored secret string.
func (b *SecretsManagerBackend) CurrentValue(ctx context.Context, cred credential.Credential) (string, error) {
	return getSecretString(ctx, b.client, secretNameFor(cred))
}

// Rotate generates a replacement value for the credential type and
// writes it as a new secret version.
func (b *SecretsManagerBackend) Rotate(ctx context.Context, cred credential.Credential) (*RotationOutcome, error) {
	newValue, err := generateFor(cred.Type)
	if err != nil {
		return nil, vperrors.Permanent("generate secret", "", err)
	}

	version, err := putSecretString(ctx, b.client, secretNameFor(cred), newValue)
	if err != nil {
		return nil, vperrors.Transient("update secret", err)
	}

	b.logger.Debug("updated secret %s to version %s", secretNameFor(cred), version)
	return &RotationOutcome{NewValue: newValue, Version: version}, nil
}

// Restore writes the previous value back verbatim. UpdateSecret with
// the same value twice is harmless, which keeps retried rollbacks
// idempotent.
func (b *SecretsManagerBackend) Restore(ctx context.Context, cred credential.Credential, oldValue string) error {
	if _, err := putSecretString(ctx, b.client, secretNameFor(cred), oldValue); err != nil {
		return fmt.Errorf("restore secret %s: %w", secretNameFor(cred), err)
	}
	return nil
}

// generateFor picks the replacement material shape by credential type.
func generateFor(t credential.Type) (string, error) {
	switch t {
	case credential.TypeAPIToken, credential.TypeGitHubToken:
		return NewToken()
	default:
		return NewPassword()
	}
}

func getSecretString(ctx context.Context, client SecretsManagerClientAPI, name string) (string, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", vperrors.Permanent("read secret", fmt.Sprintf("secret %s does not exist", name), err)
		}
		return "", vperrors.Transient("read secret", err)
	}
	if out.SecretString == nil {
		return "", vperrors.Permanent("read secret", fmt.Sprintf("secret %s has no string value", name), nil)
	}
	return *out.SecretString, nil
}

// putSecretString writes a secret value, creating the secret if it
// does not exist yet.
func putSecretString(ctx context.Context, client SecretsManagerClientAPI, name, value string) (string, error) {
	out, err := client.UpdateSecret(ctx, &secretsmanager.UpdateSecretInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(value),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return "", err
		}
		created, createErr := client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(name),
			SecretString: aws.String(value),
		})
		if createErr != nil {
			return "", createErr
		}
		if created.VersionId != nil {
			return *created.VersionId, nil
		}
		return "", nil
	}
	if out.VersionId != nil {
		return *out.VersionId, nil
	}
	return "", nil
}
