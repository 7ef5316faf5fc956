// ABOUTME: Account directory contract listing the chat accounts the gateway connects
// ABOUTME: Accounts carry sealed session tokens that directories unseal on read

package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/2389/relay-gateway/internal/registry"
)

// ErrNotFound is returned when an account id is unknown.
var ErrNotFound = errors.New("account not found")

// Account is one external chat identity.
type Account struct {
	ID         string `json:"id" toml:"id"`
	Label      string `json:"label" toml:"label"`
	Homeserver string `json:"homeserver" toml:"homeserver"`
	UserID     string `json:"user_id" toml:"user_id"`
	// SessionToken is the unsealed access token. It is never serialized to JSON.
	SessionToken string    `json:"-" toml:"session_token"`
	IsActive     bool      `json:"is_active" toml:"is_active"`
	CreatedAt    time.Time `json:"created_at" toml:"created_at"`
}

// Credentials returns what the registry needs to connect the account.
func (a *Account) Credentials() registry.Credentials {
	return registry.Credentials{
		AccountID:   a.ID,
		Homeserver:  a.Homeserver,
		UserID:      a.UserID,
		AccessToken: a.SessionToken,
	}
}

// Directory is where accounts are registered.
type Directory interface {
	ListAccounts(ctx context.Context) ([]*Account, error)
	ListActiveAccounts(ctx context.Context) ([]*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	SetActive(ctx context.Context, id string, active bool) (*Account, error)
	SetLabel(ctx context.Context, id, label string) (*Account, error)
	// DeleteAccount removes the account permanently. Returns ErrNotFound for unknown ids.
	DeleteAccount(ctx context.Context, id string) error
	Close() error
}

func filterActive(all []*Account) []*Account {
	active := make([]*Account, 0, len(all))
	for _, a := range all {
		if a.IsActive {
			active = append(active, a)
		}
	}
	return active
}
