// Package backends implements the per-type rotation mechanics. A
// backend knows how to read a credential's current secret material,
// mint and install a replacement, and restore a previous value during
// rollback. The engine dispatches to backends through a Registry keyed
// on credential type.
package backends

import (
	"context"

	"github.com/vaultpilot/vaultpilot/internal/credential"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
)

// RotationOutcome describes a completed backend rotation.
type RotationOutcome struct {
	// NewValue is the installed secret material. Never log it raw.
	NewValue string

	// Version identifies the new secret version where the store has
	// one (Secrets Manager version id, SSM parameter version).
	Version string

	// Metadata is merged into the credential's metadata on success.
	// Backends use it to carry identifiers the engine needs later
	// (e.g. the new and previous IAM access key ids).
	Metadata map[string]string
}

// SecretBackend rotates one kind of credential.
type SecretBackend interface {
	// CurrentValue reads the secret material as it exists now, for
	// the pre-rotation backup.
	CurrentValue(ctx context.Context, cred credential.Credential) (string, error)

	// Rotate mints a replacement secret and installs it.
	Rotate(ctx context.Context, cred credential.Credential) (*RotationOutcome, error)

	// Restore reinstates a previous value captured by CurrentValue.
	// It must be idempotent: restoring an already-restored value is
	// a no-op, not an error.
	Restore(ctx context.Context, cred credential.Credential, oldValue string) error
}

// Finalizer is implemented by backends with deferred cleanup that must
// only run after the new secret is verified working. The engine calls
// it exactly once per successful rotation.
type Finalizer interface {
	FinalizeRotation(ctx context.Context, cred credential.Credential) error
}

// Registry maps credential types to their backends.
type Registry struct {
	backends map[credential.Type]SecretBackend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[credential.Type]SecretBackend)}
}

// Register binds a backend to a credential type, replacing any
// previous binding.
func (r *Registry) Register(t credential.Type, backend SecretBackend) {
	r.backends[t] = backend
}

// For returns the backend for a credential type, or
// UnsupportedTypeError when none is registered.
func (r *Registry) For(t credential.Type) (SecretBackend, error) {
	backend, ok := r.backends[t]
	if !ok {
		return nil, &vperrors.UnsupportedTypeError{CredentialType: string(t)}
	}
	return backend, nil
}

// Types returns the registered credential types.
func (r *Registry) Types() []credential.Type {
	types := make([]credential.Type, 0, len(r.backends))
	for t := range r.backends {
		types = append(types, t)
	}
	return types
}
