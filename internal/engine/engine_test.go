package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultpilot/vaultpilot/internal/audit"
	"github.com/vaultpilot/vaultpilot/internal/backends"
	"github.com/vaultpilot/vaultpilot/internal/backup"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	"github.com/vaultpilot/vaultpilot/internal/engine"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/health"
	"github.com/vaultpilot/vaultpilot/internal/logging"
	"github.com/vaultpilot/vaultpilot/internal/notifications"
	"github.com/vaultpilot/vaultpilot/internal/store"
	"github.com/vaultpilot/vaultpilot/internal/tenant"
)

// scriptedBackend fails a configured number of rotations before
// succeeding, and records every call.
type scriptedBackend struct {
	mu           sync.Mutex
	failuresLeft int
	rotateErr    error // overrides the transient default
	restoreErr   error
	currentErr   error

	rotateCalls   int
	restoreCalls  int
	finalizeCalls int
	current       string
}

func (b *scriptedBackend) CurrentValue(ctx context.Context, cred credential.Credential) (string, error) {
	if b.currentErr != nil {
		return "", b.currentErr
	}
	if b.current == "" {
		return "current-value", nil
	}
	return b.current, nil
}

func (b *scriptedBackend) Rotate(ctx context.Context, cred credential.Credential) (*backends.RotationOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotateCalls++
	if b.failuresLeft > 0 {
		b.failuresLeft--
		if b.rotateErr != nil {
			return nil, b.rotateErr
		}
		return nil, vperrors.Transient("rotate", errors.New("backend unavailable"))
	}
	return &backends.RotationOutcome{
		NewValue: "new-value",
		Version:  "v2",
		Metadata: map[string]string{"rotatedBy": "test"},
	}, nil
}

func (b *scriptedBackend) Restore(ctx context.Context, cred credential.Credential, oldValue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restoreCalls++
	return b.restoreErr
}

func (b *scriptedBackend) FinalizeRotation(ctx context.Context, cred credential.Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalizeCalls++
	return nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *captureNotifier) Publish(event notifications.Event) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *captureNotifier) byType(t notifications.EventType) []notifications.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notifications.Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingReloader struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingReloader) Reload(ctx context.Context, cred credential.Credential) error {
	r.mu.Lock()
	r.calls = append(r.calls, cred.ID)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	engine      *engine.Engine
	credentials *store.MemoryCredentialStore
	attempts    *store.MemoryAttemptStore
	backups     *store.MemoryBackupStore
	backend     *scriptedBackend
	sink        *audit.MemorySink
	notifier    *captureNotifier
	reloader    *recordingReloader
}

func newFixture(t *testing.T, backend *scriptedBackend) *fixture {
	t.Helper()

	credentials := store.NewMemoryCredentialStore()
	attempts := store.NewMemoryAttemptStore()
	backupStore := store.NewMemoryBackupStore()
	logger := logging.New(false, true)

	registry := backends.NewRegistry()
	registry.Register(credential.TypeDatabasePassword, backend)
	registry.Register(credential.TypeAPIToken, backend)

	sink := audit.NewMemorySink()
	notifier := &captureNotifier{}
	backupManager := backup.NewManager(backupStore, registry, sink, notifier, logger)
	guard := tenant.NewGuard(credentials, attempts, logger)
	reloader := &recordingReloader{}

	eng := engine.New(credentials, attempts, registry, guard, backupManager, sink, notifier, health.NewRotationMetrics(), logger, engine.Options{
		Policy: engine.Policy{
			MaxAttempts:    3,
			Backoff:        func(int) time.Duration { return 0 },
			AttemptTimeout: time.Second,
		},
		Reloader: reloader,
		Sleep:    func(time.Duration) {},
	})

	return &fixture{
		engine:      eng,
		credentials: credentials,
		attempts:    attempts,
		backups:     backupStore,
		backend:     backend,
		sink:        sink,
		notifier:    notifier,
		reloader:    reloader,
	}
}

func proContext() *tenant.Context {
	return &tenant.Context{TenantID: "t1", UserID: "user-1", Plan: tenant.PlanPro}
}

func seedCredential(t *testing.T, f *fixture, cred credential.Credential) {
	t.Helper()
	require.NoError(t, f.credentials.Create(context.Background(), cred))
}

func dueCredential(id string, credType credential.Type) credential.Credential {
	return credential.Credential{
		ID:            id,
		TenantID:      "t1",
		Name:          "db-" + id,
		Type:          credType,
		Status:        credential.StatusExpiring,
		LastRotatedAt: time.Now().UTC().AddDate(0, 0, -80),
	}
}

func TestRotateOneSuccess(t *testing.T) {
	backend := &scriptedBackend{}
	f := newFixture(t, backend)
	ctx := context.Background()
	seedCredential(t, f, dueCredential("cred-1", credential.TypeDatabasePassword))

	result := f.engine.RotateOne(ctx, proContext(), "cred-1")
	require.NoError(t, result.Err)
	assert.Equal(t, engine.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 1, result.Attempts)

	// Credential bookkeeping refreshed.
	updated, err := f.credentials.Get(ctx, "t1", "cred-1")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusActive, updated.Status)
	assert.Equal(t, credential.MaxAgeDays, updated.ExpiresInDays)
	assert.WithinDuration(t, time.Now().UTC(), updated.LastRotatedAt, time.Minute)
	assert.Equal(t, "test", updated.Metadata["rotatedBy"])
	assert.Equal(t, "v2", updated.Metadata["secretVersion"])

	// Attempt log: one InProgress, one Success, same attempt id.
	records, err := f.attempts.ListByCredential(ctx, "t1", "cred-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, credential.AttemptSuccess, records[0].Status)
	assert.Equal(t, credential.AttemptInProgress, records[1].Status)
	assert.Equal(t, records[0].AttemptID, records[1].AttemptID)

	// Side effects: finalize, reload, notification.
	assert.Equal(t, 1, backend.finalizeCalls)
	assert.Equal(t, []string{"cred-1"}, f.reloader.calls)
	assert.Len(t, f.notifier.byType(notifications.EventRotationSucceeded), 1)
}

func TestRotateOneRetriesTransientThenSucceeds(t *testing.T) {
	backend := &scriptedBackend{failuresLeft: 2}
	f := newFixture(t, backend)
	ctx := context.Background()
	seedCredential(t, f, dueCredential("cred-1", credential.TypeAPIToken))

	result := f.engine.RotateOne(ctx, proContext(), "cred-1")
	require.NoError(t, result.Err, "errors from failed earlier tries must not survive a successful retry")
	assert.Equal(t, engine.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, backend.rotateCalls)

	// The installed secret stays: no restore, no rollback record.
	assert.Zero(t, backend.restoreCalls)

	// 3 InProgress + 2 Failed + 1 Success, newest first.
	records, err := f.attempts.ListByCredential(ctx, "t1", "cred-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, credential.AttemptSuccess, records[0].Status)
	for _, record := range records {
		assert.NotEqual(t, credential.AttemptRolledBack, record.Status)
	}

	updated, err := f.credentials.Get(ctx, "t1", "cred-1")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusActive, updated.Status)
}

func TestNewFillsPartialPolicy(t *testing.T) {
	backend := &scriptedBackend{failuresLeft: 1}
	credentials := store.NewMemoryCredentialStore()
	attempts := store.NewMemoryAttemptStore()
	backupStore := store.NewMemoryBackupStore()
	logger := logging.New(false, true)

	registry := backends.NewRegistry()
	registry.Register(credential.TypeAPIToken, backend)

	sink := audit.NewMemorySink()
	notifier := &captureNotifier{}
	backupManager := backup.NewManager(backupStore, registry, sink, notifier, logger)
	guard := tenant.NewGuard(credentials, attempts, logger)

	// Only MaxAttempts is set; Backoff and AttemptTimeout must get
	// their defaults rather than stay nil/zero.
	eng := engine.New(credentials, attempts, registry, guard, backupManager, sink, notifier, health.NewRotationMetrics(), logger, engine.Options{
		Policy: engine.Policy{MaxAttempts: 3},
		Sleep:  func(time.Duration) {},
	})

	ctx := context.Background()
	require.NoError(t, credentials.Create(ctx, dueCredential("cred-partial", credential.TypeAPIToken)))

	result := eng.RotateOne(ctx, proContext(), "cred-partial")
	require.NoError(t, result.Err)
	assert.Equal(t, engine.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 2, result.Attempts)
}

func TestRotateOneExhaustedRollsBack(t *testing.T) {
	backend := &scriptedBackend{failuresLeft: 99}
	f := newFixture(t, backend)
	ctx := context.Background()
	seedCredential(t, f, dueCredential("cred-2", credential.TypeAPIToken))

	result := f.engine.RotateOne(ctx, proContext(), "cred-2")
	assert.Equal(t, engine.OutcomeRolledBack, result.Outcome)
	require.Error(t, result.Err)
	assert.Equal(t, 3, backend.rotateCalls)
	assert.Equal(t, 1, backend.restoreCalls)

	// Status restored to its pre-rotation value.
	updated, err := f.credentials.Get(ctx, "t1", "cred-2")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusExpiring, updated.Status)

	// 3 InProgress + 3 Failed + 1 RolledBack, newest first.
	records, err := f.attempts.ListByCredential(ctx, "t1", "cred-2", 10)
	require.NoError(t, err)
	require.Len(t, records, 7)
	assert.Equal(t, credential.AttemptRolledBack, records[0].Status)

	// Both the rollback notice and the rotation failure go out.
	assert.Len(t, f.notifier.byType(notifications.EventRolledBack), 1)
	assert.Len(t, f.notifier.byType(notifications.EventRotationFailed), 1)
}

func TestRotateOnePermanentErrorSkipsRetries(t *testing.T) {
	backend := &scriptedBackend{
		failuresLeft: 99,
		rotateErr:    vperrors.Permanent("rotate", "credential revoked upstream", nil),
	}
	f := newFixture(t, backend)
	ctx := context.Background()
	seedCredential(t, f, dueCredential("cred-3", credential.TypeAPIToken))

	result := f.engine.RotateOne(ctx, proContext(), "cred-3")
	assert.Equal(t, engine.OutcomeRolledBack, result.Outcome)
	assert.Equal(t, 1, backend.rotateCalls, "permanent failures must not retry")
	assert.Equal(t, 1, backend.restoreCalls)
}

func TestRotateOneRollbackFailureRequiresManualIntervention(t *testing.T) {
	backend := &scriptedBackend{failuresLeft: 99, restoreErr: errors.New("restore rejected")}
	f := newFixture(t, backend)
	ctx := context.Background()
	seedCredential(t, f, dueCredential("cred-4", credential.TypeAPIToken))

	result := f.engine.RotateOne(ctx, proContext(), "cred-4")
	assert.Equal(t, engine.OutcomeManualInterventionRequired, result.Outcome)

	var rollbackErr *vperrors.RollbackError
	require.ErrorAs(t, result.Err, &rollbackErr)

	// The critical alert is the one notification that must always go
	// out.
	critical := f.notifier.byType(notifications.EventRollbackFailed)
	require.Len(t, critical, 1)
	assert.Equal(t, notifications.SeverityCritical, critical[0].Severity)

	entries, err := f.sink.List(ctx, "t1")
	require.NoError(t, err)
	var sawRollbackFailed bool
	for _, entry := range entries {
		if entry.Action == audit.ActionRollbackFailed {
			sawRollbackFailed = true
		}
	}
	assert.True(t, sawRollbackFailed)
}

func TestRotateOneInProgressIsRejected(t *testing.T) {
	backend := &scriptedBackend{}
	f := newFixture(t, backend)
	ctx := context.Background()
	seedCredential(t, f, dueCredential("cred-5", credential.TypeAPIToken))

	require.NoError(t, f.attempts.Append(ctx, credential.Attempt{
		ID:           credential.NewID(),
		AttemptID:    credential.NewID(),
		CredentialID: "cred-5",
		TenantID:     "t1",
		StartTime:    time.Now().UTC(),
		Status:       credential.AttemptInProgress,
	}))

	result := f.engine.RotateOne(ctx, proContext(), "cred-5")
	assert.Equal(t, engine.OutcomeRejected, result.Outcome)
	var inProgress *vperrors.RotationInProgressError
	require.ErrorAs(t, result.Err, &inProgress)
	assert.Zero(t, backend.rotateCalls)
}

func TestRotateOneQuotaExhaustedIsRejected(t *testing.T) {
	backend := &scriptedBackend{}
	f := newFixture(t, backend)
	ctx := context.Background()
	seedCredential(t, f, dueCredential("cred-6", credential.TypeAPIToken))

	// Free plan allows 10 rotations per month.
	for i := 0; i < 10; i++ {
		require.NoError(t, f.attempts.Append(ctx, credential.Attempt{
			ID:           credential.NewID(),
			AttemptID:    credential.NewID(),
			CredentialID: "other-cred",
			TenantID:     "t1",
			StartTime:    time.Now().UTC(),
			Status:       credential.AttemptSuccess,
		}))
	}

	freeCtx := &tenant.Context{TenantID: "t1", UserID: "user-1", Plan: tenant.PlanFree}
	result := f.engine.RotateOne(ctx, freeCtx, "cred-6")
	assert.Equal(t, engine.OutcomeRejected, result.Outcome)
	var limitErr *vperrors.PlanLimitError
	require.ErrorAs(t, result.Err, &limitErr)
	assert.Zero(t, backend.rotateCalls)
}

func TestRotateOneCrossTenantIsRejected(t *testing.T) {
	backend := &scriptedBackend{}
	f := newFixture(t, backend)
	seedCredential(t, f, dueCredential("cred-7", credential.TypeAPIToken))

	other := &tenant.Context{TenantID: "t2", UserID: "intruder", Plan: tenant.PlanPro}
	result := f.engine.RotateOne(context.Background(), other, "cred-7")
	assert.Equal(t, engine.OutcomeRejected, result.Outcome)
	var isoErr *vperrors.TenantIsolationError
	require.ErrorAs(t, result.Err, &isoErr)
	assert.Zero(t, backend.rotateCalls)
}

func TestRotateOneBackupFailureAbortsBeforeMutation(t *testing.T) {
	backend := &scriptedBackend{currentErr: vperrors.Transient("read", errors.New("store down"))}
	f := newFixture(t, backend)
	ctx := context.Background()
	seedCredential(t, f, dueCredential("cred-8", credential.TypeAPIToken))

	result := f.engine.RotateOne(ctx, proContext(), "cred-8")
	assert.Equal(t, engine.OutcomeAborted, result.Outcome)
	assert.Zero(t, backend.rotateCalls, "no external mutation before the snapshot exists")

	updated, err := f.credentials.Get(ctx, "t1", "cred-8")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusExpiring, updated.Status)
}

func TestRunCycleRotatesOnlyDueCredentials(t *testing.T) {
	backend := &scriptedBackend{}
	f := newFixture(t, backend)
	ctx := context.Background()

	seedCredential(t, f, dueCredential("due-1", credential.TypeAPIToken))
	seedCredential(t, f, dueCredential("due-2", credential.TypeDatabasePassword))

	fresh := dueCredential("fresh-1", credential.TypeAPIToken)
	fresh.Status = credential.StatusActive
	fresh.LastRotatedAt = time.Now().UTC().AddDate(0, 0, -5)
	seedCredential(t, f, fresh)

	summary := f.engine.RunCycle(ctx, proContext())
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, backend.rotateCalls)
}

func TestRunCycleCancelledContextSkipsRemaining(t *testing.T) {
	backend := &scriptedBackend{}
	f := newFixture(t, backend)

	seedCredential(t, f, dueCredential("due-1", credential.TypeAPIToken))
	seedCredential(t, f, dueCredential("due-2", credential.TypeAPIToken))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := f.engine.RunCycle(ctx, proContext())
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Skipped)
	assert.Zero(t, backend.rotateCalls)
}

func TestRunCycleUnsupportedTypeIsAborted(t *testing.T) {
	backend := &scriptedBackend{}
	f := newFixture(t, backend)

	cred := dueCredential("cred-smtp", credential.TypeSMTPPassword) // no backend registered
	seedCredential(t, f, cred)

	summary := f.engine.RunCycle(context.Background(), proContext())
	require.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Aborted)
	var unsupported *vperrors.UnsupportedTypeError
	require.ErrorAs(t, summary.Results[0].Err, &unsupported)
}
