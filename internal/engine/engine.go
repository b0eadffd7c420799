// Package engine orchestrates credential rotation: discovery of due
// credentials, per-credential retry with backup and rollback, and the
// bookkeeping (attempt log, audit, notifications, metrics) around it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vaultpilot/vaultpilot/internal/audit"
	"github.com/vaultpilot/vaultpilot/internal/backends"
	"github.com/vaultpilot/vaultpilot/internal/backup"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/health"
	"github.com/vaultpilot/vaultpilot/internal/logging"
	"github.com/vaultpilot/vaultpilot/internal/notifications"
	"github.com/vaultpilot/vaultpilot/internal/store"
	"github.com/vaultpilot/vaultpilot/internal/tenant"
)

// Outcome classifies the result of one credential rotation.
type Outcome string

const (
	// OutcomeSuccess: new secret installed and verified.
	OutcomeSuccess Outcome = "success"

	// OutcomeRolledBack: rotation failed, previous value restored.
	OutcomeRolledBack Outcome = "rolled_back"

	// OutcomeManualInterventionRequired: rotation failed AND rollback
	// failed. The credential is in an indeterminate state.
	OutcomeManualInterventionRequired Outcome = "manual_intervention_required"

	// OutcomeRejected: refused before any mutation (quota, isolation,
	// already in progress).
	OutcomeRejected Outcome = "rejected"

	// OutcomeAborted: stopped before any external mutation (backup
	// or current-value read failed, or no backend for the type).
	OutcomeAborted Outcome = "aborted"

	// OutcomeSkipped: cycle was cancelled before this credential.
	OutcomeSkipped Outcome = "skipped"
)

// Result is the outcome of one credential rotation.
type Result struct {
	CredentialID string
	Outcome      Outcome
	Err          error
	Attempts     int
	Duration     time.Duration
}

// CycleSummary aggregates a rotation cycle. RunCycle never returns an
// error; per-credential failures land here.
type CycleSummary struct {
	Total              int
	Succeeded          int
	RolledBack         int
	ManualIntervention int
	Rejected           int
	Aborted            int
	Skipped            int
	Results            []Result
}

func (s *CycleSummary) add(result Result) {
	s.Total++
	s.Results = append(s.Results, result)
	switch result.Outcome {
	case OutcomeSuccess:
		s.Succeeded++
	case OutcomeRolledBack:
		s.RolledBack++
	case OutcomeManualInterventionRequired:
		s.ManualIntervention++
	case OutcomeRejected:
		s.Rejected++
	case OutcomeAborted:
		s.Aborted++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// Notifier is the slice of the notification manager the engine uses.
type Notifier interface {
	Publish(event notifications.Event)
}

// Reloader restarts services that consume a rotated credential. The
// reload is best effort; failures never fail a rotation.
type Reloader interface {
	Reload(ctx context.Context, cred credential.Credential) error
}

// Options configures an Engine.
type Options struct {
	// Policy is the retry policy; zero value means DefaultPolicy.
	Policy Policy

	// Concurrency bounds parallel rotations in a cycle (default 10).
	Concurrency int

	// DueThresholdDays selects which credentials a cycle picks up
	// (default credential.DueThresholdDays).
	DueThresholdDays int

	// Reloader, when set, is invoked after each successful rotation.
	Reloader Reloader

	// Sleep is the inter-retry wait; tests replace it.
	Sleep func(time.Duration)
}

// Engine runs rotation cycles.
type Engine struct {
	credentials store.CredentialStore
	attempts    store.AttemptStore
	registry    *backends.Registry
	guard       *tenant.Guard
	backups     *backup.Manager
	sink        audit.Sink
	notifier    Notifier
	metrics     *health.RotationMetrics
	logger      *logging.Logger

	policy       Policy
	concurrency  int
	dueThreshold int
	reloader     Reloader
	sleep        func(time.Duration)
}

// New creates an engine with constructor-injected dependencies.
func New(
	credentials store.CredentialStore,
	attempts store.AttemptStore,
	registry *backends.Registry,
	guard *tenant.Guard,
	backups *backup.Manager,
	sink audit.Sink,
	notifier Notifier,
	metrics *health.RotationMetrics,
	logger *logging.Logger,
	opts Options,
) *Engine {
	// Normalize each policy field independently so a caller setting
	// only MaxAttempts still gets a usable backoff and timeout.
	policy := opts.Policy
	defaults := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.Backoff == nil {
		policy.Backoff = defaults.Backoff
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = defaults.AttemptTimeout
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	dueThreshold := opts.DueThresholdDays
	if dueThreshold <= 0 {
		dueThreshold = credential.DueThresholdDays
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	return &Engine{
		credentials:  credentials,
		attempts:     attempts,
		registry:     registry,
		guard:        guard,
		backups:      backups,
		sink:         sink,
		notifier:     notifier,
		metrics:      metrics,
		logger:       logger,
		policy:       policy,
		concurrency:  concurrency,
		dueThreshold: dueThreshold,
		reloader:     opts.Reloader,
		sleep:        sleep,
	}
}

// RunCycle rotates every due credential for the tenant. Cancellation
// is cooperative: credentials not yet started are marked skipped, but
// an in-flight rotation always runs to completion so no credential is
// left half-rotated.
func (e *Engine) RunCycle(ctx context.Context, tctx *tenant.Context) CycleSummary {
	summary := CycleSummary{}

	due, err := e.dueCredentials(ctx, tctx)
	if err != nil {
		e.logger.Error("rotation cycle: query credentials for tenant %s: %v", tctx.TenantID, err)
		return summary
	}
	e.metrics.SetCredentialsDue(tctx.TenantID, len(due))
	if len(due) == 0 {
		e.logger.Info("rotation cycle: no credentials due for tenant %s", tctx.TenantID)
		return summary
	}
	e.logger.Info("rotation cycle: %d credentials due for tenant %s", len(due), tctx.TenantID)

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, e.concurrency)
	)

	for _, cred := range due {
		if ctx.Err() != nil {
			mu.Lock()
			summary.add(Result{CredentialID: cred.ID, Outcome: OutcomeSkipped, Err: ctx.Err()})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			result := e.RotateOne(ctx, tctx, id)
			mu.Lock()
			summary.add(result)
			mu.Unlock()
		}(cred.ID)
	}

	wg.Wait()
	e.logger.Info("rotation cycle for tenant %s: %d succeeded, %d rolled back, %d manual, %d rejected, %d aborted, %d skipped",
		tctx.TenantID, summary.Succeeded, summary.RolledBack, summary.ManualIntervention, summary.Rejected, summary.Aborted, summary.Skipped)
	return summary
}

// dueCredentials refreshes expiry bookkeeping and selects the due set.
func (e *Engine) dueCredentials(ctx context.Context, tctx *tenant.Context) ([]credential.Credential, error) {
	all, err := e.credentials.Query(ctx, tctx.TenantID, store.CredentialFilter{})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var due []credential.Credential
	for i := range all {
		all[i].RefreshExpiry(now)
		if all[i].Status == credential.StatusRotating {
			continue
		}
		if all[i].Due(e.dueThreshold) {
			due = append(due, all[i])
		}
	}
	return due, nil
}

// RotateOne runs the full rotation pipeline for a single credential.
func (e *Engine) RotateOne(ctx context.Context, tctx *tenant.Context, credentialID string) Result {
	start := time.Now()
	result := e.rotateOne(ctx, tctx, credentialID)
	result.Duration = time.Since(start)
	return result
}

func (e *Engine) rotateOne(ctx context.Context, tctx *tenant.Context, credentialID string) Result {
	began := time.Now()

	// Pre-flight checks reject without touching anything.
	if err := e.guard.ValidateAccess(ctx, tctx, credentialID); err != nil {
		e.sink.Append(ctx, audit.NewEntry(tctx.TenantID, audit.ActionAccessDenied, credentialID, tctx.UserID, nil))
		return Result{CredentialID: credentialID, Outcome: OutcomeRejected, Err: err}
	}

	if latest, err := e.attempts.Latest(ctx, tctx.TenantID, credentialID); err == nil {
		if latest.Status == credential.AttemptInProgress {
			return Result{CredentialID: credentialID, Outcome: OutcomeRejected,
				Err: &vperrors.RotationInProgressError{CredentialID: credentialID}}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{CredentialID: credentialID, Outcome: OutcomeRejected, Err: err}
	}

	if err := e.guard.RequireRotationCapacity(ctx, tctx); err != nil {
		var limitErr *vperrors.PlanLimitError
		if errors.As(err, &limitErr) {
			e.metrics.RecordQuotaDenied(tctx.TenantID, limitErr.Resource)
			e.sink.Append(ctx, audit.NewEntry(tctx.TenantID, audit.ActionQuotaDenied, credentialID, tctx.UserID, map[string]string{
				"resource": limitErr.Resource,
				"current":  fmt.Sprintf("%d", limitErr.Current),
				"limit":    fmt.Sprintf("%d", limitErr.Limit),
			}))
		}
		return Result{CredentialID: credentialID, Outcome: OutcomeRejected, Err: err}
	}

	cred, err := e.credentials.Get(ctx, tctx.TenantID, credentialID)
	if err != nil {
		return Result{CredentialID: credentialID, Outcome: OutcomeRejected, Err: err}
	}
	priorStatus := cred.Status

	backend, err := e.registry.For(cred.Type)
	if err != nil {
		return Result{CredentialID: credentialID, Outcome: OutcomeAborted, Err: err}
	}

	cred.Status = credential.StatusRotating
	if err := e.credentials.Update(ctx, *cred); err != nil {
		return Result{CredentialID: credentialID, Outcome: OutcomeRejected, Err: err}
	}

	e.metrics.RecordRotationStarted(tctx.TenantID, string(cred.Type))
	e.sink.Append(ctx, audit.NewEntry(tctx.TenantID, audit.ActionRotationStarted, cred.ID, tctx.UserID, nil))
	e.notifier.Publish(notifications.NewEvent(notifications.EventRotationStarted, *cred))

	// Snapshot before any external mutation.
	currentValue, err := backend.CurrentValue(ctx, *cred)
	if err != nil {
		e.restoreStatus(ctx, cred, priorStatus)
		return e.finishAborted(ctx, tctx, *cred, fmt.Errorf("read current value: %w", err))
	}

	snapshot, err := e.backups.Create(ctx, *cred, currentValue)
	if err != nil {
		e.restoreStatus(ctx, cred, priorStatus)
		return e.finishAborted(ctx, tctx, *cred, err)
	}

	run := e.executeWithRetry(ctx, *cred, snapshot.ID, backend)
	if run.err == nil {
		return e.finishSuccess(ctx, tctx, cred, backend, run.outcome, run.attempts, began)
	}

	// Rotation exhausted its attempts (or failed permanently): restore
	// the previous value.
	if rbErr := e.backups.Rollback(ctx, *cred, snapshot.ID); rbErr != nil {
		return e.finishManual(ctx, tctx, cred, priorStatus, run.err, rbErr, run.attempts)
	}

	end := time.Now().UTC()
	e.appendAttempt(ctx, credential.Attempt{
		ID:           credential.NewID(),
		AttemptID:    run.attemptID,
		CredentialID: cred.ID,
		TenantID:     cred.TenantID,
		StartTime:    end,
		EndTime:      &end,
		Status:       credential.AttemptRolledBack,
		Error:        run.err.Error(),
		RetryCount:   run.attempts - 1,
		BackupID:     snapshot.ID,
	})
	e.metrics.RecordRollback(string(cred.Type), "restored")
	e.restoreStatus(ctx, cred, priorStatus)

	event := notifications.NewEvent(notifications.EventRotationFailed, *cred)
	event.Error = run.err
	e.notifier.Publish(event)
	e.metrics.RecordRotationCompleted(tctx.TenantID, string(cred.Type), string(OutcomeRolledBack), time.Since(snapshot.BackupTimestamp).Seconds())

	return Result{CredentialID: cred.ID, Outcome: OutcomeRolledBack, Err: run.err, Attempts: run.attempts}
}

// retryRun is the outcome of the attempt state machine.
type retryRun struct {
	outcome   *backends.RotationOutcome
	err       error
	attemptID string
	attempts  int
}

// executeWithRetry drives the attempt state machine. Every state
// transition appends one immutable attempt record: an InProgress
// record opens each try and a Success or Failed record closes it, all
// sharing one attempt id.
func (e *Engine) executeWithRetry(ctx context.Context, cred credential.Credential, backupID string, backend backends.SecretBackend) retryRun {
	attemptID := credential.NewID()
	run := retryRun{attemptID: attemptID}

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		run.attempts = attempt
		retryCount := attempt - 1
		now := time.Now().UTC()
		e.appendAttempt(ctx, credential.Attempt{
			ID:           credential.NewID(),
			AttemptID:    attemptID,
			CredentialID: cred.ID,
			TenantID:     cred.TenantID,
			StartTime:    now,
			Status:       credential.AttemptInProgress,
			RetryCount:   retryCount,
			BackupID:     backupID,
		})

		attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
		outcome, err := backend.Rotate(attemptCtx, cred)
		cancel()

		end := time.Now().UTC()
		if err == nil {
			e.appendAttempt(ctx, credential.Attempt{
				ID:           credential.NewID(),
				AttemptID:    attemptID,
				CredentialID: cred.ID,
				TenantID:     cred.TenantID,
				StartTime:    now,
				EndTime:      &end,
				Status:       credential.AttemptSuccess,
				RetryCount:   retryCount,
				BackupID:     backupID,
			})
			// A failed earlier try left run.err set; the rotation as a
			// whole succeeded, so clear it.
			run.err = nil
			run.outcome = outcome
			return run
		}

		run.err = err
		e.appendAttempt(ctx, credential.Attempt{
			ID:           credential.NewID(),
			AttemptID:    attemptID,
			CredentialID: cred.ID,
			TenantID:     cred.TenantID,
			StartTime:    now,
			EndTime:      &end,
			Status:       credential.AttemptFailed,
			Error:        err.Error(),
			RetryCount:   retryCount,
			BackupID:     backupID,
		})
		e.logger.Warn("rotation attempt %d/%d for credential %s failed: %v", attempt, e.policy.MaxAttempts, cred.ID, err)

		if !vperrors.IsRetryable(err) {
			e.logger.Warn("credential %s: permanent failure, skipping remaining attempts", cred.ID)
			break
		}
		if attempt < e.policy.MaxAttempts {
			e.metrics.RecordRetry(string(cred.Type))
			e.sleep(e.policy.Backoff(attempt))
		}
	}

	// The rolled_back terminal record is appended by the caller once
	// the restore has actually happened.
	return run
}

func (e *Engine) appendAttempt(ctx context.Context, attempt credential.Attempt) {
	if err := e.attempts.Append(ctx, attempt); err != nil {
		e.logger.Warn("append attempt record for credential %s: %v", attempt.CredentialID, err)
	}
}

func (e *Engine) restoreStatus(ctx context.Context, cred *credential.Credential, status credential.Status) {
	cred.Status = status
	if err := e.credentials.Update(ctx, *cred); err != nil {
		e.logger.Warn("restore status of credential %s: %v", cred.ID, err)
	}
}

func (e *Engine) finishAborted(ctx context.Context, tctx *tenant.Context, cred credential.Credential, err error) Result {
	e.sink.Append(ctx, audit.NewEntry(tctx.TenantID, audit.ActionRotationFailed, cred.ID, tctx.UserID, map[string]string{
		"error": err.Error(),
	}))
	e.metrics.RecordRotationCompleted(tctx.TenantID, string(cred.Type), string(OutcomeAborted), 0)
	return Result{CredentialID: cred.ID, Outcome: OutcomeAborted, Err: err}
}

func (e *Engine) finishSuccess(ctx context.Context, tctx *tenant.Context, cred *credential.Credential, backend backends.SecretBackend, outcome *backends.RotationOutcome, attempts int, began time.Time) Result {
	now := time.Now().UTC()

	if cred.Metadata == nil {
		cred.Metadata = make(map[string]string)
	}
	for k, v := range outcome.Metadata {
		cred.Metadata[k] = v
	}
	if outcome.Version != "" {
		cred.Metadata["secretVersion"] = outcome.Version
	}
	cred.LastRotatedAt = now
	cred.Status = credential.StatusActive
	cred.RefreshExpiry(now)

	if err := e.credentials.Update(ctx, *cred); err != nil {
		// The secret is rotated; losing the bookkeeping write must not
		// report failure and trigger a rollback of a working secret.
		e.logger.Error("credential %s rotated but record update failed: %v", cred.ID, err)
	}

	// Deferred cleanup (e.g. deleting the deactivated IAM key) only
	// runs after the new secret is installed and recorded.
	if finalizer, ok := backend.(backends.Finalizer); ok {
		if err := finalizer.FinalizeRotation(ctx, *cred); err != nil {
			e.logger.Warn("finalize rotation of credential %s: %v", cred.ID, err)
		}
	}

	if e.reloader != nil {
		if err := e.reloader.Reload(ctx, *cred); err != nil {
			e.logger.Warn("reload dependents of credential %s: %v", cred.ID, err)
		}
	}

	e.sink.Append(ctx, audit.NewEntry(tctx.TenantID, audit.ActionRotationSucceeded, cred.ID, tctx.UserID, map[string]string{
		"attempts": fmt.Sprintf("%d", attempts),
	}))
	event := notifications.NewEvent(notifications.EventRotationSucceeded, *cred)
	e.notifier.Publish(event)
	e.metrics.RecordRotationCompleted(tctx.TenantID, string(cred.Type), string(OutcomeSuccess), time.Since(began).Seconds())

	e.logger.Info("rotated credential %s (%s) in %d attempt(s)", cred.ID, cred.Type, attempts)
	return Result{CredentialID: cred.ID, Outcome: OutcomeSuccess, Attempts: attempts}
}

func (e *Engine) finishManual(ctx context.Context, tctx *tenant.Context, cred *credential.Credential, priorStatus credential.Status, rotationErr, rollbackErr error, attempts int) Result {
	e.metrics.RecordRollback(string(cred.Type), "failed")
	e.restoreStatus(ctx, cred, priorStatus)

	e.logger.Critical("credential %s: rotation failed AND rollback failed, manual intervention required (rotation: %v; rollback: %v)",
		cred.ID, rotationErr, rollbackErr)
	e.sink.Append(ctx, audit.NewEntry(tctx.TenantID, audit.ActionRollbackFailed, cred.ID, tctx.UserID, map[string]string{
		"rotationError": rotationErr.Error(),
		"rollbackError": rollbackErr.Error(),
	}))

	event := notifications.NewEvent(notifications.EventRollbackFailed, *cred)
	event.Error = rollbackErr
	e.notifier.Publish(event)
	e.metrics.RecordRotationCompleted(tctx.TenantID, string(cred.Type), string(OutcomeManualInterventionRequired), 0)

	return Result{
		CredentialID: cred.ID,
		Outcome:      OutcomeManualInterventionRequired,
		Err:          rollbackErr,
		Attempts:     attempts,
	}
}
