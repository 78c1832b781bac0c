package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ayo6706/ledger-service/internal/domain"
	"github.com/ayo6706/ledger-service/internal/models"
	"github.com/ayo6706/ledger-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var adminPrincipal = Principal{Name: "admin", Admin: true}

func setupEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	e := NewEngine(s, "http://localhost", nil)

	ctx := context.Background()
	for name, balance := range map[string]string{"alice": "100", "bob": "0"} {
		b := dec(balance)
		_, _, err := e.UpsertAccount(ctx, adminPrincipal, name, AccountInput{Balance: &b, Password: name + "-secret"})
		require.NoError(t, err)
	}
	return e, s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fund(account, amount string, authorized bool) models.Fund {
	f := models.Fund{Account: account, Amount: dec(amount)}
	if authorized {
		f.Authorization = json.RawMessage(`{"authorized":true}`)
	}
	return f
}

func requireBalances(t *testing.T, e *Engine, name, balance, held string) {
	t.Helper()
	view, err := e.GetAccount(context.Background(), adminPrincipal, name)
	require.NoError(t, err)
	require.NotNil(t, view.Balance)
	assert.True(t, view.Balance.Equal(dec(balance)), "balance of %s: want %s got %s", name, balance, view.Balance)
	assert.True(t, view.Held.Equal(dec(held)), "held of %s: want %s got %s", name, held, view.Held)
}

func simpleTransfer(amount string, authorized bool) TransferInput {
	return TransferInput{
		SourceFunds:      []models.Fund{fund("alice", amount, authorized)},
		DestinationFunds: []models.Fund{fund("bob", amount, false)},
	}
}

func TestTransferCompletesImmediately(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	tf, created, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, uuid.New(), simpleTransfer("10", true))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.TransferCompleted, tf.State)

	requireBalances(t, e, "alice", "90", "0")
	requireBalances(t, e, "bob", "10", "0")
}

func TestProposedThenCompleted(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()

	tf, created, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, simpleTransfer("10", false))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.TransferProposed, tf.State)
	requireBalances(t, e, "alice", "100", "0")
	requireBalances(t, e, "bob", "0", "0")

	tf, created, err = e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, simpleTransfer("10", true))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.TransferCompleted, tf.State)
	requireBalances(t, e, "alice", "90", "0")
	requireBalances(t, e, "bob", "10", "0")
}

func TestConditionalTransferLifecycle(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()
	condition := json.RawMessage(`{"message":"x","signer":"s"}`)

	in := simpleTransfer("10", false)
	in.ExecutionCondition = condition
	tf, _, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferProposed, tf.State)

	in = simpleTransfer("10", true)
	in.ExecutionCondition = condition
	tf, _, err = e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferPrepared, tf.State)
	requireBalances(t, e, "alice", "90", "10")
	requireBalances(t, e, "bob", "0", "0")

	tf, err = e.SetFulfillment(ctx, Principal{Name: "bob"}, id, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, tf.State)
	requireBalances(t, e, "alice", "90", "0")
	requireBalances(t, e, "bob", "10", "0")
}

func TestInsufficientFunds(t *testing.T) {
	e, _ := setupEngine(t)

	_, _, err := e.UpsertTransfer(context.Background(), Principal{Name: "alice"}, uuid.New(), simpleTransfer("101", true))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	requireBalances(t, e, "alice", "100", "0")
	requireBalances(t, e, "bob", "0", "0")
}

func TestZeroAmountRejected(t *testing.T) {
	e, _ := setupEngine(t)

	_, _, err := e.UpsertTransfer(context.Background(), Principal{Name: "alice"}, uuid.New(), simpleTransfer("0", true))
	require.ErrorIs(t, err, ErrUnprocessable)
}

func TestNegativeAmountRejected(t *testing.T) {
	e, _ := setupEngine(t)

	_, _, err := e.UpsertTransfer(context.Background(), Principal{Name: "alice"}, uuid.New(), simpleTransfer("-5", true))
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUnknownAccountRejected(t *testing.T) {
	e, _ := setupEngine(t)

	in := TransferInput{
		SourceFunds:      []models.Fund{fund("alois", "10", true)},
		DestinationFunds: []models.Fund{fund("bob", "10", false)},
	}
	_, _, err := e.UpsertTransfer(context.Background(), adminPrincipal, uuid.New(), in)
	require.ErrorIs(t, err, ErrUnprocessable)

	in = TransferInput{
		SourceFunds:      []models.Fund{fund("alice", "10", true)},
		DestinationFunds: []models.Fund{fund("nobody", "10", false)},
	}
	_, _, err = e.UpsertTransfer(context.Background(), adminPrincipal, uuid.New(), in)
	require.ErrorIs(t, err, ErrUnprocessable)
}

func TestAmountMismatchRejected(t *testing.T) {
	e, _ := setupEngine(t)

	in := TransferInput{
		SourceFunds:      []models.Fund{fund("alice", "10", true)},
		DestinationFunds: []models.Fund{fund("bob", "9", false)},
	}
	_, _, err := e.UpsertTransfer(context.Background(), adminPrincipal, uuid.New(), in)
	require.ErrorIs(t, err, ErrUnprocessable)
}

func TestIdempotentReplay(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()

	in := simpleTransfer("10", true)
	in.State = domain.TransferCompleted

	first, created, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.State, second.State)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))

	// No second balance effect.
	requireBalances(t, e, "alice", "90", "0")
	requireBalances(t, e, "bob", "10", "0")
}

func TestForeignAuthorizationForbidden(t *testing.T) {
	e, _ := setupEngine(t)

	_, _, err := e.UpsertTransfer(context.Background(), Principal{Name: "bob"}, uuid.New(), simpleTransfer("10", true))
	require.ErrorIs(t, err, ErrForbidden)
	requireBalances(t, e, "alice", "100", "0")
}

func TestTransferImmutableAfterCreation(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()

	_, _, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, simpleTransfer("10", false))
	require.NoError(t, err)

	_, _, err = e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, simpleTransfer("20", true))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRejectReleasesHold(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()

	in := simpleTransfer("10", true)
	in.ExecutionCondition = json.RawMessage(`{"message":"x"}`)
	tf, _, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
	require.NoError(t, err)
	require.Equal(t, domain.TransferPrepared, tf.State)
	requireBalances(t, e, "alice", "90", "10")

	in.State = domain.TransferRejected
	in.RejectionReason = "changed my mind"
	tf, _, err = e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferRejected, tf.State)
	assert.Equal(t, "changed my mind", tf.RejectionReason)
	requireBalances(t, e, "alice", "100", "0")
	requireBalances(t, e, "bob", "0", "0")

	// Rejecting again is a no-op.
	tf, _, err = e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferRejected, tf.State)
	requireBalances(t, e, "alice", "100", "0")
}

func TestRejectByStrangerForbidden(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()

	b := dec("0")
	_, _, err := e.UpsertAccount(ctx, adminPrincipal, "mallory", AccountInput{Balance: &b})
	require.NoError(t, err)

	_, _, err = e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, simpleTransfer("10", false))
	require.NoError(t, err)

	in := simpleTransfer("10", false)
	in.State = domain.TransferRejected
	_, _, err = e.UpsertTransfer(ctx, Principal{Name: "mallory"}, id, in)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestConditionAndFulfillmentInOneBody(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	in := simpleTransfer("10", true)
	in.ExecutionCondition = json.RawMessage(`{"message":"x"}`)
	in.ExecutionConditionFulfillment = json.RawMessage(`{"signed":"yes"}`)

	tf, created, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, uuid.New(), in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.TransferCompleted, tf.State)

	// Balances applied exactly once.
	requireBalances(t, e, "alice", "90", "0")
	requireBalances(t, e, "bob", "10", "0")
}

func TestFulfillmentWithoutCondition(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()

	_, _, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, simpleTransfer("10", true))
	require.NoError(t, err)

	_, err = e.SetFulfillment(ctx, Principal{Name: "alice"}, id, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrUnprocessable)
}

func TestFulfillmentReplayIsNoop(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()

	in := simpleTransfer("10", true)
	in.ExecutionCondition = json.RawMessage(`{"message":"x"}`)
	_, _, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
	require.NoError(t, err)

	ful := json.RawMessage(`{"proof":"p"}`)
	_, err = e.SetFulfillment(ctx, Principal{Name: "bob"}, id, ful)
	require.NoError(t, err)

	tf, err := e.SetFulfillment(ctx, Principal{Name: "bob"}, id, ful)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, tf.State)
	requireBalances(t, e, "bob", "10", "0")

	_, err = e.SetFulfillment(ctx, Principal{Name: "bob"}, id, json.RawMessage(`{"proof":"other"}`))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExpireReleasesHold(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()

	past := time.Now().Add(-time.Second)
	in := simpleTransfer("10", true)
	in.ExecutionCondition = json.RawMessage(`{"message":"x"}`)
	in.ExpiresAt = &past
	tf, _, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
	require.NoError(t, err)
	require.Equal(t, domain.TransferPrepared, tf.State)

	expired, err := e.Expire(ctx, id)
	require.NoError(t, err)
	assert.True(t, expired)

	stored, err := e.GetTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferExpired, stored.State)
	requireBalances(t, e, "alice", "100", "0")
	requireBalances(t, e, "bob", "0", "0")

	// A second pass is a no-op.
	expired, err = e.Expire(ctx, id)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestExpireSkipsFutureDeadlines(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()

	future := time.Now().Add(time.Hour)
	in := simpleTransfer("10", false)
	in.ExpiresAt = &future
	_, _, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
	require.NoError(t, err)

	expired, err := e.Expire(ctx, id)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestPendingExpiriesReloadsNonTerminal(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	proposedID := uuid.New()
	in := simpleTransfer("10", false)
	in.ExpiresAt = &future
	_, _, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, proposedID, in)
	require.NoError(t, err)

	completedID := uuid.New()
	_, _, err = e.UpsertTransfer(ctx, Principal{Name: "alice"}, completedID, simpleTransfer("5", true))
	require.NoError(t, err)

	pending, err := e.PendingExpiries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[proposedID].Equal(future))
}

func TestConservationAcrossLifecycles(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	total := func() decimal.Decimal {
		sum := decimal.Zero
		for _, name := range []string{"alice", "bob"} {
			view, err := e.GetAccount(ctx, adminPrincipal, name)
			require.NoError(t, err)
			sum = sum.Add(*view.Balance).Add(*view.Held)
		}
		return sum
	}
	start := total()

	for i := 0; i < 10; i++ {
		in := simpleTransfer("3", true)
		if i%2 == 0 {
			in.ExecutionCondition = json.RawMessage(`{"round":true}`)
		}
		id := uuid.New()
		tf, _, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
		require.NoError(t, err)
		assert.True(t, start.Equal(total()), "conservation violated mid-lifecycle at round %d", i)

		if tf.State == domain.TransferPrepared {
			switch i % 4 {
			case 0:
				_, err = e.SetFulfillment(ctx, Principal{Name: "bob"}, id, json.RawMessage(`{}`))
			default:
				in.State = domain.TransferRejected
				_, _, err = e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
			}
			require.NoError(t, err)
		}
		assert.True(t, start.Equal(total()), "conservation violated after settle at round %d", i)
	}
}

func TestHeldZeroInTerminalStates(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	for _, settle := range []string{"fulfill", "reject", "expire"} {
		id := uuid.New()
		past := time.Now().Add(-time.Millisecond)
		in := simpleTransfer("7", true)
		in.ExecutionCondition = json.RawMessage(`{"message":"x"}`)
		if settle == "expire" {
			in.ExpiresAt = &past
		}
		_, _, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
		require.NoError(t, err)

		switch settle {
		case "fulfill":
			_, err = e.SetFulfillment(ctx, Principal{Name: "bob"}, id, json.RawMessage(`{}`))
			require.NoError(t, err)
		case "reject":
			in.State = domain.TransferRejected
			_, _, err = e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
			require.NoError(t, err)
		case "expire":
			expired, err := e.Expire(ctx, id)
			require.NoError(t, err)
			require.True(t, expired)
		}

		view, err := e.GetAccount(ctx, adminPrincipal, "alice")
		require.NoError(t, err)
		assert.True(t, view.Held.IsZero(), "%s left held funds: %s", settle, view.Held)
	}
}

func TestNotificationEnqueuedOnTransition(t *testing.T) {
	e, s := setupEngine(t)
	ctx := context.Background()

	_, _, err := e.UpsertSubscription(ctx, Principal{Name: "alice"}, uuid.New(), SubscriptionInput{
		Event:     domain.EventTransferUpdate,
		TargetURI: "http://127.0.0.1:9/hook",
	})
	require.NoError(t, err)

	enqueues := 0
	e.SetHooks(Hooks{OnEnqueue: func() { enqueues++ }})

	_, _, err = e.UpsertTransfer(ctx, Principal{Name: "alice"}, uuid.New(), simpleTransfer("10", true))
	require.NoError(t, err)
	assert.Equal(t, 1, enqueues)

	var notifications []models.Notification
	err = s.WithTransaction(ctx, func(tx store.Tx) error {
		entries, err := tx.List(NotificationsPath())
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var n models.Notification
			if err := json.Unmarshal(entry.Value, &n); err != nil {
				return err
			}
			notifications = append(notifications, n)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, domain.NotificationPending, notifications[0].State)
	assert.Equal(t, "alice", notifications[0].Owner)
	assert.Equal(t, domain.TransferCompleted, notifications[0].TransferSnapshot.State)
}

func TestConcurrentIdenticalPutsCreateOnce(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	id := uuid.New()
	in := simpleTransfer("10", true)

	const n = 8
	type result struct {
		created bool
		err     error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func() {
			_, created, err := e.UpsertTransfer(ctx, Principal{Name: "alice"}, id, in)
			results <- result{created: created, err: err}
		}()
	}

	createdCount := 0
	for i := 0; i < n; i++ {
		r := <-results
		require.NoError(t, r.err)
		if r.created {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)

	// At most one balance application.
	requireBalances(t, e, "alice", "90", "0")
	requireBalances(t, e, "bob", "10", "0")
}

func TestValidateTransferID(t *testing.T) {
	id := uuid.New()
	base := "http://localhost"

	require.NoError(t, ValidateTransferID("", id, base))
	require.NoError(t, ValidateTransferID(id.String(), id, base))
	require.NoError(t, ValidateTransferID(fmt.Sprintf("%s/transfers/%s", base, id), id, base))
	require.ErrorIs(t, ValidateTransferID(uuid.NewString(), id, base), ErrInvalidRequest)
}
