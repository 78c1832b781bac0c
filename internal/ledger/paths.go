package ledger

import (
	"github.com/ayo6706/ledger-service/internal/store"
	"github.com/google/uuid"
)

// Key layout:
//
//	people/<name>                    -> Account
//	people/<name>/balance            -> decimal
//	people/<name>/held               -> decimal
//	people/<name>/subscriptions/<id> -> Subscription
//	transfers/<id>                   -> Transfer
//	notifications/<id>               -> Notification

// PeoplePath is the root of all account records.
func PeoplePath() store.Path {
	return store.Path{"people"}
}

// AccountPath locates the account record for name.
func AccountPath(name string) store.Path {
	return store.Path{"people", name}
}

// BalancePath locates the spendable balance for name.
func BalancePath(name string) store.Path {
	return store.Path{"people", name, "balance"}
}

// HeldPath locates the held (prepared) funds for name.
func HeldPath(name string) store.Path {
	return store.Path{"people", name, "held"}
}

// SubscriptionsPath is the root of the subscriptions owned by name.
func SubscriptionsPath(name string) store.Path {
	return store.Path{"people", name, "subscriptions"}
}

// SubscriptionPath locates one subscription.
func SubscriptionPath(name string, id uuid.UUID) store.Path {
	return store.Path{"people", name, "subscriptions", id.String()}
}

// TransfersPath is the root of all transfer records.
func TransfersPath() store.Path {
	return store.Path{"transfers"}
}

// TransferPath locates one transfer.
func TransferPath(id uuid.UUID) store.Path {
	return store.Path{"transfers", id.String()}
}

// NotificationsPath is the root of all notification records.
func NotificationsPath() store.Path {
	return store.Path{"notifications"}
}

// NotificationPath locates one notification.
func NotificationPath(id uuid.UUID) store.Path {
	return store.Path{"notifications", id.String()}
}
