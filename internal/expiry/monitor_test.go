package expiry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine records expiry calls and answers from a canned schedule.
type fakeEngine struct {
	mu      sync.Mutex
	pending map[uuid.UUID]time.Time
	expired []uuid.UUID
}

func (f *fakeEngine) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.pending[id]
	if !ok || time.Now().Before(at) {
		return false, nil
	}
	delete(f.pending, id)
	f.expired = append(f.expired, id)
	return true, nil
}

func (f *fakeEngine) PendingExpiries(ctx context.Context) (map[uuid.UUID]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]time.Time, len(f.pending))
	for id, at := range f.pending {
		out[id] = at
	}
	return out, nil
}

func (f *fakeEngine) expiredIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.expired...)
}

func TestMonitorExpiresAtDeadline(t *testing.T) {
	id := uuid.New()
	engine := &fakeEngine{pending: map[uuid.UUID]time.Time{}}

	m := NewMonitor(engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := m.Run(ctx)
	defer stop()

	at := time.Now().Add(50 * time.Millisecond)
	engine.mu.Lock()
	engine.pending[id] = at
	engine.mu.Unlock()
	m.Notify(id, at)

	require.Eventually(t, func() bool {
		return len(engine.expiredIDs()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, id, engine.expiredIDs()[0])
}

func TestMonitorReloadsHeapAtBoot(t *testing.T) {
	id := uuid.New()
	engine := &fakeEngine{pending: map[uuid.UUID]time.Time{
		id: time.Now().Add(30 * time.Millisecond),
	}}

	m := NewMonitor(engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := m.Run(ctx)
	defer stop()

	require.Eventually(t, func() bool {
		return len(engine.expiredIDs()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMonitorOrdersByEarliestDeadline(t *testing.T) {
	early := uuid.New()
	late := uuid.New()
	engine := &fakeEngine{pending: map[uuid.UUID]time.Time{}}

	m := NewMonitor(engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := m.Run(ctx)
	defer stop()

	now := time.Now()
	engine.mu.Lock()
	engine.pending[late] = now.Add(120 * time.Millisecond)
	engine.pending[early] = now.Add(40 * time.Millisecond)
	engine.mu.Unlock()
	m.Notify(late, now.Add(120*time.Millisecond))
	m.Notify(early, now.Add(40*time.Millisecond))

	require.Eventually(t, func() bool {
		return len(engine.expiredIDs()) == 2
	}, time.Second, 10*time.Millisecond)
	expired := engine.expiredIDs()
	assert.Equal(t, early, expired[0])
	assert.Equal(t, late, expired[1])
}

func TestMonitorIgnoresPreemptedTransfers(t *testing.T) {
	engine := &fakeEngine{pending: map[uuid.UUID]time.Time{}}

	m := NewMonitor(engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := m.Run(ctx)
	defer stop()

	// Deadline notified but the transfer settled first: Expire reports false.
	m.Notify(uuid.New(), time.Now().Add(20*time.Millisecond))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, engine.expiredIDs())
}
