package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	"github.com/vaultpilot/vaultpilot/internal/logging"
)

// fakeProvider is a test double for Provider.
type fakeProvider struct {
	name     string
	only     []EventType
	sendFunc func(ctx context.Context, event Event) error

	mu   sync.Mutex
	sent []Event
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) SupportsEvent(event Event) bool {
	if len(p.only) == 0 {
		return true
	}
	for _, t := range p.only {
		if t == event.Type {
			return true
		}
	}
	return false
}

func (p *fakeProvider) Send(ctx context.Context, event Event) error {
	if p.sendFunc != nil {
		return p.sendFunc(ctx, event)
	}
	p.mu.Lock()
	p.sent = append(p.sent, event)
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) sentEvents() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]Event, len(p.sent))
	copy(events, p.sent)
	return events
}

func testEvent(t EventType) Event {
	return NewEvent(t, credential.Credential{ID: "cred-1", TenantID: "t1", Name: "db-password"})
}

func TestManagerDeliversToSupportedProviders(t *testing.T) {
	t.Parallel()

	m := NewManager(10, logging.New(false, true))
	all := &fakeProvider{name: "all"}
	failuresOnly := &fakeProvider{name: "failures", only: []EventType{EventRotationFailed, EventRollbackFailed}}
	m.RegisterProvider(all)
	m.RegisterProvider(failuresOnly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.Publish(testEvent(EventRotationSucceeded))
	m.Publish(testEvent(EventRotationFailed))
	m.Stop()

	assert.Len(t, all.sentEvents(), 2)
	sent := failuresOnly.sentEvents()
	require.Len(t, sent, 1)
	assert.Equal(t, EventRotationFailed, sent[0].Type)
}

func TestManagerPublishNeverBlocksWhenFull(t *testing.T) {
	t.Parallel()

	m := NewManager(2, logging.New(false, true))
	// Never started: the worker is not draining, so the queue fills.
	m.running = true

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish(testEvent(EventRotationStarted))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	assert.Equal(t, int64(8), m.DroppedCount())
}

func TestManagerPublishAfterStopIsNoop(t *testing.T) {
	t.Parallel()

	m := NewManager(10, logging.New(false, true))
	m.Start(context.Background())
	m.Stop()

	m.Publish(testEvent(EventRotationStarted))
	assert.Equal(t, int64(0), m.DroppedCount())
}

func TestManagerStartStopIdempotent(t *testing.T) {
	t.Parallel()

	m := NewManager(10, logging.New(false, true))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	m.Start(ctx)
	m.Stop()
	m.Stop()
}

func TestManagerProviderErrorDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	m := NewManager(10, logging.New(false, true))
	failing := &fakeProvider{name: "failing", sendFunc: func(context.Context, Event) error {
		return errors.New("destination down")
	}}
	healthy := &fakeProvider{name: "healthy"}
	m.RegisterProvider(failing)
	m.RegisterProvider(healthy)

	m.Start(context.Background())
	m.Publish(testEvent(EventRollbackFailed))
	m.Stop()

	assert.Len(t, healthy.sentEvents(), 1)
}

func TestSeverityDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SeverityCritical, testEvent(EventRollbackFailed).Severity)
	assert.Equal(t, SeverityWarning, testEvent(EventRotationFailed).Severity)
	assert.Equal(t, SeverityInfo, testEvent(EventRotationSucceeded).Severity)
}
