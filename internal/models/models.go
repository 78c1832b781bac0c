package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is the durable record stored at people/<name>. Balance and held
// funds live under their own key paths so the engine can mutate them without
// rewriting the account record.
type Account struct {
	Name         string    `json:"name"`
	IsAdmin      bool      `json:"is_admin,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	SigningKey   string    `json:"signing_key,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Public returns a copy safe to serialize to any authenticated caller.
func (a Account) Public() Account {
	a.PasswordHash = ""
	a.SigningKey = ""
	return a
}

// AccountView is the API representation of an account. Balance and held are
// only populated for the owner or an admin.
type AccountView struct {
	Name    string           `json:"name"`
	IsAdmin bool             `json:"is_admin,omitempty"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
	Held    *decimal.Decimal `json:"held,omitempty"`
}

// Fund is one leg of a transfer. Authorization is opaque to the engine; its
// accepted presence on a source fund is what drives the state machine.
type Fund struct {
	Account       string          `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	Authorization json.RawMessage `json:"authorization,omitempty"`
}

// Authorized reports whether the fund carries a non-empty authorization.
func (f Fund) Authorized() bool {
	return RawPresent(f.Authorization)
}

// Transfer is the durable record stored at transfers/<id>.
type Transfer struct {
	ID                            uuid.UUID       `json:"id"`
	SourceFunds                   []Fund          `json:"source_funds"`
	DestinationFunds              []Fund          `json:"destination_funds"`
	ExecutionCondition            json.RawMessage `json:"execution_condition,omitempty"`
	ExecutionConditionFulfillment json.RawMessage `json:"execution_condition_fulfillment,omitempty"`
	ExpiresAt                     *time.Time      `json:"expires_at,omitempty"`
	State                         string          `json:"state"`
	RejectionReason               string          `json:"rejection_reason,omitempty"`
	CreatedAt                     time.Time       `json:"created_at"`
	UpdatedAt                     time.Time       `json:"updated_at"`
}

// Parties returns the deduplicated account names appearing on either side.
func (t *Transfer) Parties() []string {
	seen := make(map[string]struct{}, len(t.SourceFunds)+len(t.DestinationFunds))
	var names []string
	for _, f := range t.SourceFunds {
		if _, ok := seen[f.Account]; !ok {
			seen[f.Account] = struct{}{}
			names = append(names, f.Account)
		}
	}
	for _, f := range t.DestinationFunds {
		if _, ok := seen[f.Account]; !ok {
			seen[f.Account] = struct{}{}
			names = append(names, f.Account)
		}
	}
	return names
}

// Subscription is a durable registration stored at
// people/<owner>/subscriptions/<id>.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	Owner     string    `json:"owner"`
	Event     string    `json:"event"`
	TargetURI string    `json:"target_uri"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is one delivery record stored at notifications/<id>. The
// snapshot is the transfer as of the transition that produced it.
type Notification struct {
	ID               uuid.UUID `json:"id"`
	SubscriptionID   uuid.UUID `json:"subscription_id"`
	Owner            string    `json:"owner"`
	TargetURI        string    `json:"target_uri"`
	TransferSnapshot Transfer  `json:"transfer_snapshot"`
	Attempts         int       `json:"attempts"`
	NextAttemptAt    time.Time `json:"next_attempt_at"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
}

// RawPresent reports whether an opaque JSON field was supplied with a value
// other than null.
func RawPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// RawEqual compares two opaque JSON fields after compaction, treating absent
// and null as the same.
func RawEqual(a, b json.RawMessage) bool {
	pa, pb := RawPresent(a), RawPresent(b)
	if pa != pb {
		return false
	}
	if !pa {
		return true
	}
	var bufA, bufB bytes.Buffer
	if err := json.Compact(&bufA, a); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Compact(&bufB, b); err != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(bufA.Bytes(), bufB.Bytes())
}
