package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/ledger-service/internal/models"
	"github.com/ayo6706/ledger-service/internal/store"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// AccountInput is the inbound PUT /accounts/:name payload.
type AccountInput struct {
	Name        string           `json:"name,omitempty"`
	Password    string           `json:"password,omitempty"`
	SigningKey  string           `json:"signing_key,omitempty"`
	Fingerprint string           `json:"fingerprint,omitempty"`
	Balance     *decimal.Decimal `json:"balance,omitempty"`
	IsAdmin     *bool            `json:"is_admin,omitempty"`
}

// UpsertAccount provisions or updates an account. Creation and direct
// balance writes are admin operations; an owner may rotate their own
// credentials.
func (e *Engine) UpsertAccount(ctx context.Context, p Principal, name string, in AccountInput) (*models.AccountView, bool, error) {
	if err := ValidateAccountName(name); err != nil {
		return nil, false, err
	}
	if in.Name != "" && in.Name != name {
		return nil, false, fmt.Errorf("%w: body name %q does not match the request path", ErrInvalidRequest, in.Name)
	}
	if in.Balance != nil && in.Balance.Sign() < 0 {
		return nil, false, fmt.Errorf("%w: balance cannot be negative", ErrUnprocessable)
	}

	var hash string
	if in.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, false, fmt.Errorf("hash password: %w", err)
		}
		hash = string(h)
	}

	var view *models.AccountView
	created := false
	err := store.WithRetry(ctx, e.store, conflictRetries, func(tx store.Tx) error {
		created = false
		now := e.now()

		var acct models.Account
		err := tx.Get(AccountPath(name), &acct)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if !p.Admin {
				return fmt.Errorf("%w: only an admin may provision accounts", ErrForbidden)
			}
			acct = models.Account{
				Name:         name,
				IsAdmin:      in.IsAdmin != nil && *in.IsAdmin,
				PasswordHash: hash,
				SigningKey:   in.SigningKey,
				Fingerprint:  in.Fingerprint,
				CreatedAt:    now,
			}
			if err := tx.Create(AccountPath(name), acct); err != nil {
				if errors.Is(err, store.ErrExists) {
					return store.ErrConflict
				}
				return err
			}
			balance := decimal.Zero
			if in.Balance != nil {
				balance = *in.Balance
			}
			if err := tx.Put(BalancePath(name), balance); err != nil {
				return err
			}
			if err := tx.Put(HeldPath(name), decimal.Zero); err != nil {
				return err
			}
			created = true
		case err != nil:
			return err
		default:
			if !p.May(name) {
				return fmt.Errorf("%w: cannot modify another principal's account", ErrForbidden)
			}
			if !p.Admin && (in.Balance != nil || in.IsAdmin != nil) {
				return fmt.Errorf("%w: balance and is_admin are admin-only fields", ErrForbidden)
			}
			if hash != "" {
				acct.PasswordHash = hash
			}
			if in.SigningKey != "" {
				acct.SigningKey = in.SigningKey
			}
			if in.Fingerprint != "" {
				acct.Fingerprint = in.Fingerprint
			}
			if in.IsAdmin != nil {
				acct.IsAdmin = *in.IsAdmin
			}
			if err := tx.Put(AccountPath(name), acct); err != nil {
				return err
			}
			if in.Balance != nil {
				if err := tx.Put(BalancePath(name), *in.Balance); err != nil {
					return err
				}
			}
		}

		v, err := e.accountView(tx, acct, true)
		if err != nil {
			return err
		}
		view = v
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return view, created, nil
}

// GetAccount returns the account detail. Balance and held funds are only
// disclosed to the owner or an admin.
func (e *Engine) GetAccount(ctx context.Context, p Principal, name string) (*models.AccountView, error) {
	var view *models.AccountView
	err := e.store.WithTransaction(ctx, func(tx store.Tx) error {
		var acct models.Account
		if err := tx.Get(AccountPath(name), &acct); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: account %q", ErrNotFound, name)
			}
			return err
		}
		v, err := e.accountView(tx, acct, p.May(name))
		if err != nil {
			return err
		}
		view = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ListAccounts returns every account with balances. Admin only.
func (e *Engine) ListAccounts(ctx context.Context, p Principal) ([]models.AccountView, error) {
	if !p.Admin {
		return nil, fmt.Errorf("%w: listing accounts requires admin authority", ErrForbidden)
	}

	var views []models.AccountView
	err := e.store.WithTransaction(ctx, func(tx store.Tx) error {
		entries, err := tx.List(PeoplePath())
		if err != nil {
			return err
		}
		views = views[:0]
		for _, entry := range entries {
			if len(entry.Path) != 2 {
				continue
			}
			var acct models.Account
			if err := unmarshalEntry(entry, &acct); err != nil {
				return err
			}
			v, err := e.accountView(tx, acct, true)
			if err != nil {
				return err
			}
			views = append(views, *v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}

// Authenticate verifies a name/password credential and yields the principal.
func (e *Engine) Authenticate(ctx context.Context, name, password string) (Principal, error) {
	acct, err := e.AccountRecord(ctx, name)
	if err != nil {
		return Principal{}, err
	}
	if acct.PasswordHash == "" {
		return Principal{}, fmt.Errorf("%w: account has no password credential", ErrForbidden)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return Principal{}, fmt.Errorf("%w: bad credentials", ErrForbidden)
	}
	return Principal{Name: acct.Name, Admin: acct.IsAdmin}, nil
}

// AccountRecord returns the stored account including credential material.
// For the auth gate only; API responses go through views.
func (e *Engine) AccountRecord(ctx context.Context, name string) (*models.Account, error) {
	var acct models.Account
	err := e.store.WithTransaction(ctx, func(tx store.Tx) error {
		return tx.Get(AccountPath(name), &acct)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (e *Engine) accountView(tx store.Tx, acct models.Account, disclose bool) (*models.AccountView, error) {
	view := models.AccountView{Name: acct.Name, IsAdmin: acct.IsAdmin}
	if !disclose {
		view.IsAdmin = false
		return &view, nil
	}
	balance, err := readDecimal(tx, BalancePath(acct.Name))
	if err != nil {
		return nil, err
	}
	held, err := readDecimal(tx, HeldPath(acct.Name))
	if err != nil {
		return nil, err
	}
	view.Balance = &balance
	view.Held = &held
	return &view, nil
}
