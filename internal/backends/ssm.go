package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/logging"
)

// SSMClientAPI is the subset of the SSM client used by the backend.
type SSMClientAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMBackend rotates tokens stored as SecureString parameters in SSM
// Parameter Store.
type SSMBackend struct {
	client SSMClientAPI
	logger *logging.Logger
}

// NewSSMBackend creates the backend.
func NewSSMBackend(client SSMClientAPI, logger *logging.Logger) *SSMBackend {
	return &SSMBackend{client: client, logger: logger}
}

func parameterNameFor(cred credential.Credential) string {
	if name, ok := cred.Metadata["parameterName"]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("/vaultpilot/%s/%s", cred.TenantID, cred.Name)
}

// CurrentValue reads the parameter with decryption.
func (b *SSMBackend) CurrentValue(ctx context.Context, cred credential.Credential) (string, error) {
	name := parameterNameFor(cred)
	out, err := b.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", vperrors.Permanent("read parameter", fmt.Sprintf("parameter %s does not exist", name), err)
		}
		return "", vperrors.Transient("read parameter", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", vperrors.Permanent("read parameter", fmt.Sprintf("parameter %s has no value", name), nil)
	}
	return *out.Parameter.Value, nil
}

// Rotate generates a replacement token and overwrites the parameter.
func (b *SSMBackend) Rotate(ctx context.Context, cred credential.Credential) (*RotationOutcome, error) {
	newValue, err := generateFor(cred.Type)
	if err != nil {
		return nil, vperrors.Permanent("generate token", "", err)
	}

	version, err := b.put(ctx, parameterNameFor(cred), newValue)
	if err != nil {
		return nil, vperrors.Transient("put parameter", err)
	}

	b.logger.Debug("updated parameter %s to version %d", parameterNameFor(cred), version)
	return &RotationOutcome{NewValue: newValue, Version: fmt.Sprintf("%d", version)}, nil
}

// Restore overwrites the parameter with the previous value.
func (b *SSMBackend) Restore(ctx context.Context, cred credential.Credential, oldValue string) error {
	if _, err := b.put(ctx, parameterNameFor(cred), oldValue); err != nil {
		return fmt.Errorf("restore parameter %s: %w", parameterNameFor(cred), err)
	}
	return nil
}

func (b *SSMBackend) put(ctx context.Context, name, value string) (int64, error) {
	out, err := b.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return 0, err
	}
	return out.Version, nil
}
