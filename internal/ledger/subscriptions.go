package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/ayo6706/ledger-service/internal/domain"
	"github.com/ayo6706/ledger-service/internal/models"
	"github.com/ayo6706/ledger-service/internal/store"
	"github.com/google/uuid"
)

// SubscriptionInput is the inbound PUT /subscriptions/:id payload.
type SubscriptionInput struct {
	Owner     string `json:"owner,omitempty"`
	Event     string `json:"event"`
	TargetURI string `json:"target_uri"`
}

// UpsertSubscription creates or updates a subscription. Non-admin principals
// may only manage subscriptions they own.
func (e *Engine) UpsertSubscription(ctx context.Context, p Principal, id uuid.UUID, in SubscriptionInput) (*models.Subscription, bool, error) {
	owner := in.Owner
	if owner == "" {
		owner = p.Name
	}
	if owner == "" {
		return nil, false, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if !p.May(owner) {
		return nil, false, fmt.Errorf("%w: cannot manage subscriptions for account %q", ErrForbidden, owner)
	}
	if in.Event != domain.EventTransferUpdate {
		return nil, false, fmt.Errorf("%w: unknown event %q", ErrInvalidRequest, in.Event)
	}
	target, err := url.Parse(in.TargetURI)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, false, fmt.Errorf("%w: target_uri must be an absolute http(s) URI", ErrInvalidRequest)
	}

	var sub models.Subscription
	created := false
	err = store.WithRetry(ctx, e.store, conflictRetries, func(tx store.Tx) error {
		created = false

		var acct models.Account
		if err := tx.Get(AccountPath(owner), &acct); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: account %q does not exist", ErrUnprocessable, owner)
			}
			return err
		}

		path := SubscriptionPath(owner, id)
		var existing models.Subscription
		err := tx.Get(path, &existing)
		switch {
		case errors.Is(err, store.ErrNotFound):
			sub = models.Subscription{
				ID:        id,
				Owner:     owner,
				Event:     in.Event,
				TargetURI: in.TargetURI,
				CreatedAt: e.now(),
			}
			created = true
		case err != nil:
			return err
		default:
			existing.Event = in.Event
			existing.TargetURI = in.TargetURI
			sub = existing
		}
		return tx.Put(path, sub)
	})
	if err != nil {
		return nil, false, err
	}
	return &sub, created, nil
}

// GetSubscription looks up a subscription by id. Non-admin principals only
// see their own; an admin search spans every owner.
func (e *Engine) GetSubscription(ctx context.Context, p Principal, id uuid.UUID) (*models.Subscription, error) {
	var sub *models.Subscription
	err := e.store.WithTransaction(ctx, func(tx store.Tx) error {
		found, err := e.findSubscription(tx, p, id)
		if err != nil {
			return err
		}
		sub = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// DeleteSubscription removes a subscription by id, returning the record it
// removed.
func (e *Engine) DeleteSubscription(ctx context.Context, p Principal, id uuid.UUID) (*models.Subscription, error) {
	var sub *models.Subscription
	err := store.WithRetry(ctx, e.store, conflictRetries, func(tx store.Tx) error {
		found, err := e.findSubscription(tx, p, id)
		if err != nil {
			return err
		}
		sub = found
		return tx.Delete(SubscriptionPath(found.Owner, id))
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetNotification returns one notification under a subscription, for the
// subscription owner or an admin.
func (e *Engine) GetNotification(ctx context.Context, p Principal, subscriptionID, notificationID uuid.UUID) (*models.Notification, error) {
	var n models.Notification
	err := e.store.WithTransaction(ctx, func(tx store.Tx) error {
		return tx.Get(NotificationPath(notificationID), &n)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: notification %s", ErrNotFound, notificationID)
	}
	if err != nil {
		return nil, err
	}
	if n.SubscriptionID != subscriptionID {
		return nil, fmt.Errorf("%w: notification %s", ErrNotFound, notificationID)
	}
	if !p.May(n.Owner) {
		return nil, fmt.Errorf("%w: notification belongs to another account", ErrForbidden)
	}
	return &n, nil
}

// PendingNotifications returns undelivered notifications in FIFO order.
func (e *Engine) PendingNotifications(ctx context.Context) ([]models.Notification, error) {
	var pending []models.Notification
	err := e.store.WithTransaction(ctx, func(tx store.Tx) error {
		entries, err := tx.List(NotificationsPath())
		if err != nil {
			return err
		}
		pending = pending[:0]
		for _, entry := range entries {
			var n models.Notification
			if err := unmarshalEntry(entry, &n); err != nil {
				return err
			}
			if n.State == domain.NotificationPending {
				pending = append(pending, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (e *Engine) findSubscription(tx store.Tx, p Principal, id uuid.UUID) (*models.Subscription, error) {
	if !p.Admin {
		var sub models.Subscription
		if err := tx.Get(SubscriptionPath(p.Name, id), &sub); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
			}
			return nil, err
		}
		return &sub, nil
	}

	entries, err := tx.List(PeoplePath())
	if err != nil {
		return nil, err
	}
	idStr := id.String()
	for _, entry := range entries {
		if len(entry.Path) != 4 || entry.Path[2] != "subscriptions" || entry.Path[3] != idStr {
			continue
		}
		var sub models.Subscription
		if err := unmarshalEntry(entry, &sub); err != nil {
			return nil, err
		}
		return &sub, nil
	}
	return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
}

func unmarshalEntry(entry store.Entry, dest any) error {
	if err := json.Unmarshal(entry.Value, dest); err != nil {
		return fmt.Errorf("decode %s: %w", entry.Path, err)
	}
	return nil
}
