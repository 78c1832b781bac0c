// Package expiry runs the timer-driven side of the transfer lifecycle: a
// single worker that sleeps until the earliest deadline and cancels transfers
// whose expires_at has passed.
package expiry

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ayo6706/ledger-service/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Expirer is the engine surface the monitor drives. Expire must be a no-op
// when the transfer reached a terminal state before the deadline fired.
type Expirer interface {
	Expire(ctx context.Context, id uuid.UUID) (bool, error)
	PendingExpiries(ctx context.Context) (map[uuid.UUID]time.Time, error)
}

type entry struct {
	id        uuid.UUID
	expiresAt time.Time
}

type deadlineHeap []entry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)         { *h = append(*h, x.(entry)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Monitor owns the deadline heap. Writers push updates through a bounded
// channel rather than mutating the heap directly.
type Monitor struct {
	engine   Expirer
	updates  chan entry
	stopCh   chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

// NewMonitor constructs a monitor over the given engine.
func NewMonitor(engine Expirer, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		engine:  engine,
		updates: make(chan entry, 1024),
		stopCh:  make(chan struct{}),
		log:     logger,
	}
}

// Notify records that a non-terminal transfer with a deadline was written.
// Non-blocking; a full queue is logged and the entry dropped (the transfer
// is still picked up by the boot-time reload of any restart).
func (m *Monitor) Notify(id uuid.UUID, expiresAt time.Time) {
	select {
	case m.updates <- entry{id: id, expiresAt: expiresAt}:
	default:
		m.log.Warn("expiry update queue full, dropping entry", zap.String("transfer_id", id.String()))
	}
}

// Start reloads the heap from the store and blocks processing deadlines
// until the context is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	h := &deadlineHeap{}
	pending, err := m.engine.PendingExpiries(ctx)
	if err != nil {
		m.log.Error("expiry heap reload failed", zap.Error(err))
	}
	for id, at := range pending {
		heap.Push(h, entry{id: id, expiresAt: at})
	}
	m.log.Info("expiry monitor started", zap.Int("pending", h.Len()))

	for {
		var fire <-chan time.Time
		var timer *time.Timer
		if h.Len() > 0 {
			timer = time.NewTimer(time.Until((*h)[0].expiresAt))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-m.stopCh:
			stopTimer(timer)
			return
		case update := <-m.updates:
			stopTimer(timer)
			heap.Push(h, update)
		case <-fire:
			next := heap.Pop(h).(entry)
			expired, err := m.engine.Expire(ctx, next.id)
			if err != nil {
				m.log.Error("expiry transition failed",
					zap.Error(err),
					zap.String("transfer_id", next.id.String()),
				)
				// Push back with a short delay so a transient store error
				// does not drop the deadline.
				heap.Push(h, entry{id: next.id, expiresAt: time.Now().Add(time.Second)})
				continue
			}
			if expired {
				observability.IncrementTransferExpiry()
				m.log.Info("transfer expired", zap.String("transfer_id", next.id.String()))
			}
		}
	}
}

// Stop stops the monitor loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Run starts the monitor in a goroutine and returns a stop function.
func (m *Monitor) Run(ctx context.Context) func() {
	go m.Start(ctx)
	return m.Stop
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
