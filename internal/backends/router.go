package backends

import (
	"context"

	"github.com/vaultpilot/vaultpilot/internal/credential"
)

// metaStore selects which value store holds the secret material.
const metaStore = "store"

// StoreRouter dispatches a credential type that can live in more than
// one value store. Credentials with metadata store=ssm go to the SSM
// backend; everything else goes to the default.
type StoreRouter struct {
	Default SecretBackend
	SSM     SecretBackend
}

func (r *StoreRouter) pick(cred credential.Credential) SecretBackend {
	if cred.Metadata[metaStore] == "ssm" {
		return r.SSM
	}
	return r.Default
}

func (r *StoreRouter) CurrentValue(ctx context.Context, cred credential.Credential) (string, error) {
	return r.pick(cred).CurrentValue(ctx, cred)
}

func (r *StoreRouter) Rotate(ctx context.Context, cred credential.Credential) (*RotationOutcome, error) {
	return r.pick(cred).Rotate(ctx, cred)
}

func (r *StoreRouter) Restore(ctx context.Context, cred credential.Credential, oldValue string) error {
	return r.pick(cred).Restore(ctx, cred, oldValue)
}
