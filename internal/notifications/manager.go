package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/vaultpilot/vaultpilot/internal/logging"
)

// DefaultQueueSize is the event queue capacity.
const DefaultQueueSize = 100

// drainTimeout bounds per-event delivery while shutting down.
const drainTimeout = 5 * time.Second

// Manager fans events out to registered providers from a background
// worker. Publish never blocks: when the queue is full the event is
// dropped and counted.
type Manager struct {
	providers []Provider
	queue     chan Event
	logger    *logging.Logger

	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	done    chan struct{}

	droppedMu    sync.Mutex
	droppedCount int64
}

// NewManager creates a manager with the given queue size. A size of 0
// uses DefaultQueueSize.
func NewManager(queueSize int, logger *logging.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		queue:  make(chan Event, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// RegisterProvider adds a delivery destination.
func (m *Manager) RegisterProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Start launches the background delivery worker.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop drains the queue and waits for the worker to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Publish queues an event for delivery. If the manager is stopped or
// the queue is full the event is dropped; rotations never wait on
// notification delivery.
func (m *Manager) Publish(event Event) {
	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		return
	}
	m.mu.RUnlock()

	select {
	case m.queue <- event:
	default:
		m.droppedMu.Lock()
		m.droppedCount++
		m.droppedMu.Unlock()
		incrementDroppedCounter()
		m.logger.Warn("notifications: queue full, dropped %s for %s", event.Type, event.CredentialID)
	}
}

// DroppedCount returns how many events were dropped to queue overflow.
func (m *Manager) DroppedCount() int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.droppedCount
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case <-m.done:
			m.drain()
			return
		case event := <-m.queue:
			m.dispatch(ctx, event)
		}
	}
}

// drain delivers what is already queued, each under a short timeout.
func (m *Manager) drain() {
	for {
		select {
		case event := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			m.dispatch(ctx, event)
			cancel()
		default:
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, event Event) {
	m.mu.RLock()
	providers := m.providers
	m.mu.RUnlock()

	for _, provider := range providers {
		if !provider.SupportsEvent(event) {
			continue
		}
		if err := provider.Send(ctx, event); err != nil {
			m.logger.Warn("notifications: %s delivery of %s failed: %v", provider.Name(), event.Type, err)
		}
	}
}
