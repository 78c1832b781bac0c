// Package notify delivers transfer notifications to subscription targets.
// Pending notifications are claimed through store transactions, so two
// workers never hold the same claim at once. At startup every notification
// still marked delivering is returned to pending, including a claim held by
// another live process over a shared store, which can then be delivered twice.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ayo6706/ledger-service/internal/domain"
	"github.com/ayo6706/ledger-service/internal/ledger"
	"github.com/ayo6706/ledger-service/internal/models"
	"github.com/ayo6706/ledger-service/internal/observability"
	"github.com/ayo6706/ledger-service/internal/store"
	"go.uber.org/zap"
)

// Worker claims and delivers pending notifications.
type Worker struct {
	store        store.Store
	client       *http.Client
	workers      int
	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	pollInterval time.Duration
	hmacKey      []byte
	wakeCh       chan struct{}
	stopCh       chan struct{}
	stopOnce     sync.Once
	log          *zap.Logger
}

// NewWorker constructs a worker pool over the given store.
func NewWorker(s store.Store, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:        s,
		client:       &http.Client{Timeout: 10 * time.Second},
		workers:      2,
		maxAttempts:  10,
		baseBackoff:  time.Second,
		maxBackoff:   60 * time.Second,
		pollInterval: 500 * time.Millisecond,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		log:          logger,
	}
}

// WithWorkers sets the delivery pool size.
func (w *Worker) WithWorkers(n int) *Worker {
	if n > 0 {
		w.workers = n
	}
	return w
}

// WithMaxAttempts sets the attempt ceiling before a notification is abandoned.
func (w *Worker) WithMaxAttempts(n int) *Worker {
	if n > 0 {
		w.maxAttempts = n
	}
	return w
}

// WithBackoff sets the base and ceiling of the retry backoff.
func (w *Worker) WithBackoff(base, ceiling time.Duration) *Worker {
	if base > 0 {
		w.baseBackoff = base
	}
	if ceiling > 0 {
		w.maxBackoff = ceiling
	}
	return w
}

// WithHTTPTimeout sets the per-attempt delivery timeout.
func (w *Worker) WithHTTPTimeout(d time.Duration) *Worker {
	if d > 0 {
		w.client.Timeout = d
	}
	return w
}

// WithPollInterval sets the fallback poll cadence.
func (w *Worker) WithPollInterval(d time.Duration) *Worker {
	if d > 0 {
		w.pollInterval = d
	}
	return w
}

// WithHMACKey enables signing of outbound bodies via X-Ledger-Signature.
func (w *Worker) WithHMACKey(key string) *Worker {
	if key != "" {
		w.hmacKey = []byte(key)
	}
	return w
}

// Wake nudges the pool after new notifications commit.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Start requeues claims orphaned by a previous crash and blocks running the
// delivery pool until the context is canceled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	if err := w.requeueOrphans(ctx); err != nil {
		w.log.Error("requeue of in-flight notifications failed", zap.Error(err))
	}
	w.log.Info("notification worker started",
		zap.Int("workers", w.workers),
		zap.Int("max_attempts", w.maxAttempts),
	)

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

// Stop stops the pool.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the pool in a goroutine and returns a stop function.
func (w *Worker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		for {
			n, err := w.claimNext(ctx)
			if err != nil {
				w.log.Error("notification claim failed", zap.Error(err))
				break
			}
			if n == nil {
				break
			}
			w.deliver(ctx, n)
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-w.wakeCh:
		case <-ticker.C:
		}
	}
}

// claimNext atomically flips the oldest due pending notification to
// delivering and returns it. Returns nil when nothing is due.
func (w *Worker) claimNext(ctx context.Context) (*models.Notification, error) {
	var claimed *models.Notification
	err := store.WithRetry(ctx, w.store, 3, func(tx store.Tx) error {
		claimed = nil
		now := time.Now()

		entries, err := tx.List(ledger.NotificationsPath())
		if err != nil {
			return err
		}
		var due []models.Notification
		for _, entry := range entries {
			var n models.Notification
			if err := json.Unmarshal(entry.Value, &n); err != nil {
				return fmt.Errorf("decode %s: %w", entry.Path, err)
			}
			if n.State == domain.NotificationPending && !n.NextAttemptAt.After(now) {
				due = append(due, n)
			}
		}
		if len(due) == 0 {
			return nil
		}
		sort.Slice(due, func(i, j int) bool {
			if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
				return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
			}
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		})

		n := due[0]
		n.State = domain.NotificationDelivering
		if err := tx.Put(ledger.NotificationPath(n.ID), n); err != nil {
			return err
		}
		claimed = &n
		return nil
	})
	return claimed, err
}

// deliver posts the transfer snapshot and finalizes the claim.
func (w *Worker) deliver(ctx context.Context, n *models.Notification) {
	err := w.post(ctx, n)
	if err == nil {
		w.finalize(ctx, n, domain.NotificationDelivered, time.Time{})
		observability.IncrementNotificationDelivery("delivered")
		return
	}

	n.Attempts++
	if n.Attempts >= w.maxAttempts {
		w.log.Warn("notification abandoned",
			zap.String("notification_id", n.ID.String()),
			zap.Int("attempts", n.Attempts),
			zap.Error(err),
		)
		w.finalize(ctx, n, domain.NotificationAbandoned, time.Time{})
		observability.IncrementNotificationDelivery("abandoned")
		return
	}

	next := time.Now().Add(w.backoff(n.Attempts))
	w.log.Info("notification delivery failed, will retry",
		zap.String("notification_id", n.ID.String()),
		zap.Int("attempts", n.Attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(err),
	)
	w.finalize(ctx, n, domain.NotificationPending, next)
	observability.IncrementNotificationDelivery("retried")
}

func (w *Worker) post(ctx context.Context, n *models.Notification) error {
	body, err := json.Marshal(map[string]any{
		"id":           n.ID,
		"subscription": n.SubscriptionID,
		"event":        domain.EventTransferUpdate,
		"resource":     n.TransferSnapshot,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.TargetURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.hmacKey) > 0 {
		mac := hmac.New(sha256.New, w.hmacKey)
		mac.Write(body)
		req.Header.Set("X-Ledger-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", n.TargetURI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("target responded %d", resp.StatusCode)
	}
	return nil
}

func (w *Worker) finalize(ctx context.Context, n *models.Notification, state string, nextAttempt time.Time) {
	err := store.WithRetry(ctx, w.store, 3, func(tx store.Tx) error {
		var current models.Notification
		if err := tx.Get(ledger.NotificationPath(n.ID), &current); err != nil {
			return err
		}
		current.State = state
		current.Attempts = n.Attempts
		if !nextAttempt.IsZero() {
			current.NextAttemptAt = nextAttempt
		}
		return tx.Put(ledger.NotificationPath(n.ID), current)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error("notification finalize failed",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
	}
}

// requeueOrphans returns notifications stuck in delivering (a previous
// process died mid-claim) to pending.
func (w *Worker) requeueOrphans(ctx context.Context) error {
	return store.WithRetry(ctx, w.store, 3, func(tx store.Tx) error {
		entries, err := tx.List(ledger.NotificationsPath())
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var n models.Notification
			if err := json.Unmarshal(entry.Value, &n); err != nil {
				return fmt.Errorf("decode %s: %w", entry.Path, err)
			}
			if n.State != domain.NotificationDelivering {
				continue
			}
			n.State = domain.NotificationPending
			if err := tx.Put(ledger.NotificationPath(n.ID), n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Worker) backoff(attempts int) time.Duration {
	d := w.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.maxBackoff {
			return w.maxBackoff
		}
	}
	if d > w.maxBackoff {
		return w.maxBackoff
	}
	return d
}
