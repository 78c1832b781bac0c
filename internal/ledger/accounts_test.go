package ledger

import (
	"context"
	"testing"

	"github.com/ayo6706/ledger-service/internal/domain"
	"github.com/ayo6706/ledger-service/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertAccountRequiresAdmin(t *testing.T) {
	e := NewEngine(store.NewMemory(), "http://localhost", nil)
	ctx := context.Background()

	b := dec("50")
	_, _, err := e.UpsertAccount(ctx, Principal{Name: "alice"}, "alice", AccountInput{Balance: &b})
	require.ErrorIs(t, err, ErrForbidden)

	view, created, err := e.UpsertAccount(ctx, adminPrincipal, "alice", AccountInput{Balance: &b, Password: "pw"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, view.Balance.Equal(dec("50")))
	assert.True(t, view.Held.IsZero())
}

func TestAccountNameValidation(t *testing.T) {
	e := NewEngine(store.NewMemory(), "http://localhost", nil)

	_, _, err := e.UpsertAccount(context.Background(), adminPrincipal, "Not/AName", AccountInput{})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = e.UpsertAccount(context.Background(), adminPrincipal, "ok-name", AccountInput{Name: "other"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOwnerMayRotateOnlyCredentials(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	alice := Principal{Name: "alice"}

	_, created, err := e.UpsertAccount(ctx, alice, "alice", AccountInput{Password: "new-secret"})
	require.NoError(t, err)
	assert.False(t, created)

	p, err := e.Authenticate(ctx, "alice", "new-secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)
	assert.False(t, p.Admin)

	_, err = e.Authenticate(ctx, "alice", "alice-secret")
	require.ErrorIs(t, err, ErrForbidden)

	b := dec("1000000")
	_, _, err = e.UpsertAccount(ctx, alice, "alice", AccountInput{Balance: &b})
	require.ErrorIs(t, err, ErrForbidden)

	_, _, err = e.UpsertAccount(ctx, alice, "bob", AccountInput{Password: "stolen"})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestNegativeBalanceRejected(t *testing.T) {
	e := NewEngine(store.NewMemory(), "http://localhost", nil)

	b := dec("-1")
	_, _, err := e.UpsertAccount(context.Background(), adminPrincipal, "alice", AccountInput{Balance: &b})
	require.ErrorIs(t, err, ErrUnprocessable)
}

func TestGetAccountDisclosure(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	view, err := e.GetAccount(ctx, Principal{Name: "alice"}, "alice")
	require.NoError(t, err)
	require.NotNil(t, view.Balance)

	view, err = e.GetAccount(ctx, Principal{Name: "bob"}, "alice")
	require.NoError(t, err)
	assert.Nil(t, view.Balance)
	assert.Nil(t, view.Held)

	_, err = e.GetAccount(ctx, adminPrincipal, "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListAccountsAdminOnly(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	_, err := e.ListAccounts(ctx, Principal{Name: "alice"})
	require.ErrorIs(t, err, ErrForbidden)

	accounts, err := e.ListAccounts(ctx, adminPrincipal)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	names := []string{accounts[0].Name, accounts[1].Name}
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestSubscriptionLifecycle(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	alice := Principal{Name: "alice"}
	id := uuid.New()

	sub, created, err := e.UpsertSubscription(ctx, alice, id, SubscriptionInput{
		Event:     domain.EventTransferUpdate,
		TargetURI: "http://hooks.example.com/alice",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", sub.Owner)

	sub, created, err = e.UpsertSubscription(ctx, alice, id, SubscriptionInput{
		Event:     domain.EventTransferUpdate,
		TargetURI: "http://hooks.example.com/alice2",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "http://hooks.example.com/alice2", sub.TargetURI)

	got, err := e.GetSubscription(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, sub.TargetURI, got.TargetURI)

	// Another principal cannot see it; an admin can.
	_, err = e.GetSubscription(ctx, Principal{Name: "bob"}, id)
	require.ErrorIs(t, err, ErrNotFound)
	got, err = e.GetSubscription(ctx, adminPrincipal, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)

	deleted, err := e.DeleteSubscription(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", deleted.Owner)
	_, err = e.GetSubscription(ctx, alice, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubscriptionValidation(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	alice := Principal{Name: "alice"}

	_, _, err := e.UpsertSubscription(ctx, alice, uuid.New(), SubscriptionInput{
		Event:     "transfer.nonsense",
		TargetURI: "http://hooks.example.com",
	})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = e.UpsertSubscription(ctx, alice, uuid.New(), SubscriptionInput{
		Event:     domain.EventTransferUpdate,
		TargetURI: "not-a-uri",
	})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = e.UpsertSubscription(ctx, alice, uuid.New(), SubscriptionInput{
		Owner:     "bob",
		Event:     domain.EventTransferUpdate,
		TargetURI: "http://hooks.example.com",
	})
	require.ErrorIs(t, err, ErrForbidden)

	_, _, err = e.UpsertSubscription(ctx, adminPrincipal, uuid.New(), SubscriptionInput{
		Owner:     "nobody",
		Event:     domain.EventTransferUpdate,
		TargetURI: "http://hooks.example.com",
	})
	require.ErrorIs(t, err, ErrUnprocessable)
}

func TestGetNotificationOwnership(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	alice := Principal{Name: "alice"}
	subID := uuid.New()

	_, _, err := e.UpsertSubscription(ctx, alice, subID, SubscriptionInput{
		Event:     domain.EventTransferUpdate,
		TargetURI: "http://hooks.example.com/alice",
	})
	require.NoError(t, err)

	_, _, err = e.UpsertTransfer(ctx, alice, uuid.New(), simpleTransfer("10", true))
	require.NoError(t, err)

	pending, err := e.PendingNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	nid := pending[0].ID

	n, err := e.GetNotification(ctx, alice, subID, nid)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, n.TransferSnapshot.State)

	_, err = e.GetNotification(ctx, alice, uuid.New(), nid)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = e.GetNotification(ctx, Principal{Name: "bob"}, subID, nid)
	require.ErrorIs(t, err, ErrForbidden)
}
