// Package ledger implements the transfer engine: the state machine that moves
// a transfer from proposal to completion, rejection, or expiry, together with
// the balance mutations and notification fan-out each transition implies.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/ledger-service/internal/domain"
	"github.com/ayo6706/ledger-service/internal/models"
	"github.com/ayo6706/ledger-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// conflictRetries bounds internal retries of store serialization conflicts
// before a 409 surfaces to the caller.
const conflictRetries = 5

// TransferEvent is published through OnTransfer after a committed state
// change, for the websocket stream.
type TransferEvent struct {
	Accounts []string
	Transfer models.Transfer
}

// Hooks are fired after a transaction commits. All fields are optional.
type Hooks struct {
	// OnExpiry tells the expiry monitor a non-terminal transfer with a
	// deadline was written.
	OnExpiry func(id uuid.UUID, at time.Time)
	// OnEnqueue wakes the notification worker after new notifications commit.
	OnEnqueue func()
	// OnTransfer publishes a committed transfer state change.
	OnTransfer func(ev TransferEvent)
}

// Engine coordinates all durable mutations through the store.
type Engine struct {
	store   store.Store
	baseURI string
	now     func() time.Time
	hooks   Hooks
	log     *zap.Logger
}

// NewEngine constructs an engine over the given store. baseURI roots the
// absolute ids handed out in API responses.
func NewEngine(s store.Store, baseURI string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   s,
		baseURI: strings.TrimSuffix(baseURI, "/"),
		now:     time.Now,
		log:     logger,
	}
}

// SetHooks installs the post-commit hooks. Must be called before serving.
func (e *Engine) SetHooks(h Hooks) {
	e.hooks = h
}

// SetClock overrides the engine clock, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// BaseURI returns the configured base URI without a trailing slash.
func (e *Engine) BaseURI() string {
	return e.baseURI
}

// TransferURI returns the absolute id URI for a transfer.
func (e *Engine) TransferURI(id uuid.UUID) string {
	return e.baseURI + "/transfers/" + id.String()
}

// TransferInput is the inbound PUT /transfers/:id payload.
type TransferInput struct {
	ID                            string          `json:"id,omitempty"`
	SourceFunds                   []models.Fund   `json:"source_funds"`
	DestinationFunds              []models.Fund   `json:"destination_funds"`
	ExecutionCondition            json.RawMessage `json:"execution_condition,omitempty"`
	ExecutionConditionFulfillment json.RawMessage `json:"execution_condition_fulfillment,omitempty"`
	ExpiresAt                     *time.Time      `json:"expires_at,omitempty"`
	State                         string          `json:"state,omitempty"`
	RejectionReason               string          `json:"rejection_reason,omitempty"`
}

// upsertOutcome carries the transaction results out to the post-commit hooks.
type upsertOutcome struct {
	transfer     models.Transfer
	created      bool
	stateChanged bool
	enqueued     int
}

// UpsertTransfer creates a transfer or advances an existing one per the
// state machine. The returned bool reports creation (HTTP 201 vs 200).
func (e *Engine) UpsertTransfer(ctx context.Context, p Principal, id uuid.UUID, in TransferInput) (*models.Transfer, bool, error) {
	if err := validateTransferInput(in); err != nil {
		return nil, false, err
	}

	var out upsertOutcome
	err := store.WithRetry(ctx, e.store, conflictRetries, func(tx store.Tx) error {
		out = upsertOutcome{}
		now := e.now()
		if err := e.requireAccounts(tx, in); err != nil {
			return err
		}

		var stored models.Transfer
		err := tx.Get(TransferPath(id), &stored)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return e.createTransfer(tx, p, id, in, now, &out)
		case err != nil:
			return err
		default:
			return e.advanceTransfer(tx, p, &stored, in, now, &out)
		}
	})
	if err != nil {
		return nil, false, err
	}

	e.fireHooks(out)
	return &out.transfer, out.created, nil
}

// GetTransfer returns the stored transfer.
func (e *Engine) GetTransfer(ctx context.Context, id uuid.UUID) (*models.Transfer, error) {
	var t models.Transfer
	err := e.store.WithTransaction(ctx, func(tx store.Tx) error {
		return tx.Get(TransferPath(id), &t)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: transfer %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetFulfillment discharges the execution condition of a prepared transfer.
func (e *Engine) SetFulfillment(ctx context.Context, p Principal, id uuid.UUID, fulfillment json.RawMessage) (*models.Transfer, error) {
	if !models.RawPresent(fulfillment) {
		return nil, fmt.Errorf("%w: a fulfillment document is required", ErrInvalidRequest)
	}
	if err := validateRawObject(fulfillment, "execution_condition_fulfillment"); err != nil {
		return nil, err
	}

	var out upsertOutcome
	err := store.WithRetry(ctx, e.store, conflictRetries, func(tx store.Tx) error {
		out = upsertOutcome{}
		now := e.now()

		var t models.Transfer
		if err := tx.Get(TransferPath(id), &t); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: transfer %s", ErrNotFound, id)
			}
			return err
		}
		if !models.RawPresent(t.ExecutionCondition) {
			return fmt.Errorf("%w: transfer has no execution condition", ErrUnprocessable)
		}

		switch t.State {
		case domain.TransferPrepared:
			if err := e.releaseHold(tx, &t); err != nil {
				return err
			}
			t.ExecutionConditionFulfillment = compactRaw(fulfillment)
			t.State = domain.TransferCompleted
			t.UpdatedAt = now
			if err := tx.Put(TransferPath(t.ID), t); err != nil {
				return err
			}
			enqueued, err := e.enqueueNotifications(tx, &t, now)
			if err != nil {
				return err
			}
			out = upsertOutcome{transfer: t, stateChanged: true, enqueued: enqueued}
			return nil
		case domain.TransferCompleted:
			if models.RawEqual(t.ExecutionConditionFulfillment, fulfillment) {
				out.transfer = t
				return nil
			}
			return fmt.Errorf("%w: transfer already completed with a different fulfillment", ErrInvalidTransition)
		case domain.TransferProposed:
			return fmt.Errorf("%w: transfer is not yet prepared", ErrInvalidTransition)
		default:
			return fmt.Errorf("%w: transfer is %s", ErrInvalidTransition, t.State)
		}
	})
	if err != nil {
		return nil, err
	}

	e.fireHooks(out)
	return &out.transfer, nil
}

// GetFulfillment returns the stored fulfillment, or ErrNotFound when none
// has been supplied.
func (e *Engine) GetFulfillment(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	t, err := e.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.RawPresent(t.ExecutionConditionFulfillment) {
		return nil, fmt.Errorf("%w: transfer %s has no fulfillment", ErrNotFound, id)
	}
	return t.ExecutionConditionFulfillment, nil
}

// Expire transitions a transfer to expired if it is still non-terminal and
// its deadline has passed, releasing held funds. Returns whether it expired.
func (e *Engine) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	var out upsertOutcome
	expired := false
	err := store.WithRetry(ctx, e.store, conflictRetries, func(tx store.Tx) error {
		out = upsertOutcome{}
		expired = false
		now := e.now()

		var t models.Transfer
		if err := tx.Get(TransferPath(id), &t); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if domain.IsTerminalState(t.State) || t.ExpiresAt == nil || now.Before(*t.ExpiresAt) {
			return nil
		}

		if t.State == domain.TransferPrepared {
			if err := e.returnHold(tx, &t); err != nil {
				return err
			}
		}
		t.State = domain.TransferExpired
		t.UpdatedAt = now
		if err := tx.Put(TransferPath(t.ID), t); err != nil {
			return err
		}
		enqueued, err := e.enqueueNotifications(tx, &t, now)
		if err != nil {
			return err
		}
		out = upsertOutcome{transfer: t, stateChanged: true, enqueued: enqueued}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		e.fireHooks(out)
	}
	return expired, nil
}

// PendingExpiries returns the id and deadline of every non-terminal transfer
// that carries one. The expiry monitor reloads its heap from this at boot.
func (e *Engine) PendingExpiries(ctx context.Context) (map[uuid.UUID]time.Time, error) {
	pending := make(map[uuid.UUID]time.Time)
	err := e.store.WithTransaction(ctx, func(tx store.Tx) error {
		entries, err := tx.List(TransfersPath())
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var t models.Transfer
			if err := json.Unmarshal(entry.Value, &t); err != nil {
				return fmt.Errorf("decode %s: %w", entry.Path, err)
			}
			if !domain.IsTerminalState(t.State) && t.ExpiresAt != nil {
				pending[t.ID] = *t.ExpiresAt
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// createTransfer handles the first PUT for an id.
func (e *Engine) createTransfer(tx store.Tx, p Principal, id uuid.UUID, in TransferInput, now time.Time, out *upsertOutcome) error {
	t := models.Transfer{
		ID:                 id,
		SourceFunds:        screenedSources(in.SourceFunds),
		DestinationFunds:   strippedDestinations(in.DestinationFunds),
		ExecutionCondition: compactRaw(in.ExecutionCondition),
		ExpiresAt:          in.ExpiresAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, f := range t.SourceFunds {
		if f.Authorized() && !p.May(f.Account) {
			return fmt.Errorf("%w: authorization asserted for account %q", ErrForbidden, f.Account)
		}
	}

	fulfillment := compactRaw(in.ExecutionConditionFulfillment)
	hasCondition := models.RawPresent(t.ExecutionCondition)

	switch {
	case !allAuthorized(t.SourceFunds):
		t.State = domain.TransferProposed
		// Retained until the transfer prepares; condition is evaluated first
		// once every source authorizes.
		t.ExecutionConditionFulfillment = fulfillment
	case !hasCondition:
		if err := e.settleDirect(tx, &t); err != nil {
			return err
		}
		t.State = domain.TransferCompleted
	default:
		if err := e.holdFunds(tx, &t); err != nil {
			return err
		}
		t.State = domain.TransferPrepared
		if models.RawPresent(fulfillment) {
			if err := e.releaseHold(tx, &t); err != nil {
				return err
			}
			t.ExecutionConditionFulfillment = fulfillment
			t.State = domain.TransferCompleted
		}
	}

	// A body may assert the state it expects (a replayed response does); it
	// must match what the machine computed.
	if in.State != "" && in.State != t.State {
		return fmt.Errorf("%w: a new transfer cannot start in state %q", ErrInvalidTransition, in.State)
	}

	if err := tx.Create(TransferPath(id), t); err != nil {
		if errors.Is(err, store.ErrExists) {
			// Lost a create race; retry takes the advance path.
			return store.ErrConflict
		}
		return err
	}
	enqueued, err := e.enqueueNotifications(tx, &t, now)
	if err != nil {
		return err
	}
	*out = upsertOutcome{transfer: t, created: true, stateChanged: true, enqueued: enqueued}
	return nil
}

// advanceTransfer computes the next state for an existing transfer given the
// delta carried by the new body.
func (e *Engine) advanceTransfer(tx store.Tx, p Principal, stored *models.Transfer, in TransferInput, now time.Time, out *upsertOutcome) error {
	if !sameFunds(stored.SourceFunds, in.SourceFunds) ||
		!sameFunds(stored.DestinationFunds, in.DestinationFunds) ||
		!models.RawEqual(stored.ExecutionCondition, in.ExecutionCondition) ||
		!sameDeadline(stored.ExpiresAt, in.ExpiresAt) {
		return fmt.Errorf("%w: transfer funds, condition and expiry are immutable", ErrInvalidTransition)
	}

	if in.State == domain.TransferRejected {
		return e.rejectTransfer(tx, p, stored, in.RejectionReason, now, out)
	}

	authAdded, err := mergeAuthorizations(p, stored, in.SourceFunds)
	if err != nil {
		return err
	}

	fulfillmentAdded := false
	inFul := compactRaw(in.ExecutionConditionFulfillment)
	if models.RawPresent(inFul) {
		switch {
		case !models.RawPresent(stored.ExecutionConditionFulfillment):
			stored.ExecutionConditionFulfillment = inFul
			fulfillmentAdded = true
		case !models.RawEqual(stored.ExecutionConditionFulfillment, inFul):
			return fmt.Errorf("%w: a different fulfillment is already recorded", ErrInvalidTransition)
		}
	}

	if !authAdded && !fulfillmentAdded {
		// Byte-equal replay (modulo normalization): answer with the stored
		// record and no balance effect.
		if in.State != "" && in.State != stored.State {
			return fmt.Errorf("%w: cannot move transfer from %s to %s", ErrInvalidTransition, stored.State, in.State)
		}
		out.transfer = *stored
		return nil
	}

	stateChanged := false
	switch stored.State {
	case domain.TransferProposed:
		if allAuthorized(stored.SourceFunds) {
			if models.RawPresent(stored.ExecutionCondition) {
				if err := e.holdFunds(tx, stored); err != nil {
					return err
				}
				stored.State = domain.TransferPrepared
				if models.RawPresent(stored.ExecutionConditionFulfillment) {
					if err := e.releaseHold(tx, stored); err != nil {
						return err
					}
					stored.State = domain.TransferCompleted
				}
			} else {
				if err := e.settleDirect(tx, stored); err != nil {
					return err
				}
				stored.State = domain.TransferCompleted
			}
			stateChanged = true
		}
	case domain.TransferPrepared:
		if fulfillmentAdded {
			if err := e.releaseHold(tx, stored); err != nil {
				return err
			}
			stored.State = domain.TransferCompleted
			stateChanged = true
		}
	default:
		return fmt.Errorf("%w: transfer is %s", ErrInvalidTransition, stored.State)
	}
	if in.State != "" && in.State != stored.State {
		return fmt.Errorf("%w: body asserts state %s but the transfer is %s", ErrInvalidTransition, in.State, stored.State)
	}

	stored.UpdatedAt = now
	if err := tx.Put(TransferPath(stored.ID), *stored); err != nil {
		return err
	}
	enqueued := 0
	if stateChanged {
		if enqueued, err = e.enqueueNotifications(tx, stored, now); err != nil {
			return err
		}
	}
	*out = upsertOutcome{transfer: *stored, stateChanged: stateChanged, enqueued: enqueued}
	return nil
}

// rejectTransfer handles an explicit reject by an authorized party.
func (e *Engine) rejectTransfer(tx store.Tx, p Principal, stored *models.Transfer, reason string, now time.Time, out *upsertOutcome) error {
	if !p.Admin && !ownsAny(p, stored.Parties()) {
		return fmt.Errorf("%w: only a transfer party may reject it", ErrForbidden)
	}
	if stored.State == domain.TransferRejected {
		out.transfer = *stored
		return nil
	}
	if domain.IsTerminalState(stored.State) {
		return fmt.Errorf("%w: cannot reject a %s transfer", ErrInvalidTransition, stored.State)
	}

	if stored.State == domain.TransferPrepared {
		if err := e.returnHold(tx, stored); err != nil {
			return err
		}
	}
	stored.State = domain.TransferRejected
	stored.RejectionReason = reason
	stored.UpdatedAt = now
	if err := tx.Put(TransferPath(stored.ID), *stored); err != nil {
		return err
	}
	enqueued, err := e.enqueueNotifications(tx, stored, now)
	if err != nil {
		return err
	}
	*out = upsertOutcome{transfer: *stored, stateChanged: true, enqueued: enqueued}
	return nil
}

// requireAccounts checks that every referenced account exists.
func (e *Engine) requireAccounts(tx store.Tx, in TransferInput) error {
	seen := make(map[string]struct{})
	check := func(funds []models.Fund) error {
		for _, f := range funds {
			if _, ok := seen[f.Account]; ok {
				continue
			}
			seen[f.Account] = struct{}{}
			var acct models.Account
			if err := tx.Get(AccountPath(f.Account), &acct); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: account %q does not exist", ErrUnprocessable, f.Account)
				}
				return err
			}
		}
		return nil
	}
	if err := check(in.SourceFunds); err != nil {
		return err
	}
	return check(in.DestinationFunds)
}

// Balance application. All four movements run inside the caller's
// transaction; a failure aborts every buffered mutation.

// settleDirect applies proposed -> completed: balance to balance.
func (e *Engine) settleDirect(tx store.Tx, t *models.Transfer) error {
	for _, f := range t.SourceFunds {
		if err := e.adjust(tx, BalancePath(f.Account), f.Amount.Neg(), true); err != nil {
			return err
		}
	}
	for _, f := range t.DestinationFunds {
		if err := e.adjust(tx, BalancePath(f.Account), f.Amount, false); err != nil {
			return err
		}
	}
	return nil
}

// holdFunds applies -> prepared: balance to held.
func (e *Engine) holdFunds(tx store.Tx, t *models.Transfer) error {
	for _, f := range t.SourceFunds {
		if err := e.adjust(tx, BalancePath(f.Account), f.Amount.Neg(), true); err != nil {
			return err
		}
		if err := e.adjust(tx, HeldPath(f.Account), f.Amount, false); err != nil {
			return err
		}
	}
	return nil
}

// releaseHold applies prepared -> completed: held to destination balance.
func (e *Engine) releaseHold(tx store.Tx, t *models.Transfer) error {
	for _, f := range t.SourceFunds {
		if err := e.adjust(tx, HeldPath(f.Account), f.Amount.Neg(), true); err != nil {
			return err
		}
	}
	for _, f := range t.DestinationFunds {
		if err := e.adjust(tx, BalancePath(f.Account), f.Amount, false); err != nil {
			return err
		}
	}
	return nil
}

// returnHold applies prepared -> expired|rejected: held back to balance.
func (e *Engine) returnHold(tx store.Tx, t *models.Transfer) error {
	for _, f := range t.SourceFunds {
		if err := e.adjust(tx, HeldPath(f.Account), f.Amount.Neg(), true); err != nil {
			return err
		}
		if err := e.adjust(tx, BalancePath(f.Account), f.Amount, false); err != nil {
			return err
		}
	}
	return nil
}

// adjust reads, modifies and writes one decimal key. checkFunds guards the
// non-negative balance invariant at the debiting transitions.
func (e *Engine) adjust(tx store.Tx, path store.Path, delta decimal.Decimal, checkFunds bool) error {
	current, err := readDecimal(tx, path)
	if err != nil {
		return err
	}
	next := current.Add(delta)
	if checkFunds && next.Sign() < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, path)
	}
	return tx.Put(path, next)
}

// enqueueNotifications inserts one pending notification per subscription
// owned by a transfer party, inside the caller's transaction.
func (e *Engine) enqueueNotifications(tx store.Tx, t *models.Transfer, now time.Time) (int, error) {
	count := 0
	for _, name := range t.Parties() {
		entries, err := tx.List(SubscriptionsPath(name))
		if err != nil {
			return count, err
		}
		for _, entry := range entries {
			var sub models.Subscription
			if err := json.Unmarshal(entry.Value, &sub); err != nil {
				return count, fmt.Errorf("decode %s: %w", entry.Path, err)
			}
			if sub.Event != domain.EventTransferUpdate {
				continue
			}
			n := models.Notification{
				ID:               uuid.New(),
				SubscriptionID:   sub.ID,
				Owner:            sub.Owner,
				TargetURI:        sub.TargetURI,
				TransferSnapshot: *t,
				NextAttemptAt:    now,
				State:            domain.NotificationPending,
				CreatedAt:        now,
			}
			if err := tx.Create(NotificationPath(n.ID), n); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (e *Engine) fireHooks(out upsertOutcome) {
	if !out.stateChanged {
		return
	}
	t := out.transfer
	if e.hooks.OnExpiry != nil && t.ExpiresAt != nil && !domain.IsTerminalState(t.State) {
		e.hooks.OnExpiry(t.ID, *t.ExpiresAt)
	}
	if e.hooks.OnEnqueue != nil && out.enqueued > 0 {
		e.hooks.OnEnqueue()
	}
	if e.hooks.OnTransfer != nil {
		e.hooks.OnTransfer(TransferEvent{Accounts: t.Parties(), Transfer: t})
	}
}

// Helpers.

func fundTotal(funds []models.Fund) decimal.Decimal {
	total := decimal.Zero
	for _, f := range funds {
		total = total.Add(f.Amount)
	}
	return total
}

func allAuthorized(funds []models.Fund) bool {
	for _, f := range funds {
		if !f.Authorized() {
			return false
		}
	}
	return true
}

func ownsAny(p Principal, accounts []string) bool {
	for _, name := range accounts {
		if p.May(name) {
			return true
		}
	}
	return false
}

// screenedSources deep-copies source funds, compacting authorizations.
func screenedSources(funds []models.Fund) []models.Fund {
	out := make([]models.Fund, len(funds))
	for i, f := range funds {
		out[i] = models.Fund{Account: f.Account, Amount: f.Amount, Authorization: compactRaw(f.Authorization)}
	}
	return out
}

// strippedDestinations drops inapplicable authorizations from destinations.
func strippedDestinations(funds []models.Fund) []models.Fund {
	out := make([]models.Fund, len(funds))
	for i, f := range funds {
		out[i] = models.Fund{Account: f.Account, Amount: f.Amount}
	}
	return out
}

// mergeAuthorizations folds newly accepted authorizations into the stored
// funds. Authorizations are sticky; a body missing one already accepted does
// not revoke it.
func mergeAuthorizations(p Principal, stored *models.Transfer, in []models.Fund) (bool, error) {
	added := false
	for i := range stored.SourceFunds {
		if stored.SourceFunds[i].Authorized() || !in[i].Authorized() {
			continue
		}
		if !p.May(stored.SourceFunds[i].Account) {
			return false, fmt.Errorf("%w: authorization asserted for account %q", ErrForbidden, stored.SourceFunds[i].Account)
		}
		stored.SourceFunds[i].Authorization = compactRaw(in[i].Authorization)
		added = true
	}
	return added, nil
}

// sameFunds compares accounts and amounts, ignoring authorizations.
func sameFunds(a, b []models.Fund) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Account != b[i].Account || !a[i].Amount.Equal(b[i].Amount) {
			return false
		}
	}
	return true
}

func sameDeadline(a, b *time.Time) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || a.Equal(*b)
}

func compactRaw(raw json.RawMessage) json.RawMessage {
	if !models.RawPresent(raw) {
		return nil
	}
	return raw
}

func readDecimal(tx store.Tx, path store.Path) (decimal.Decimal, error) {
	var d decimal.Decimal
	err := tx.Get(path, &d)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return d, nil
}
