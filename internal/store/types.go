// Package store persists identities and their session credentials. The
// credential store is a keyed interface so the backing medium can be swapped
// without touching the session manager.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null"
)

// PlaceholderPrefix marks identifiers that have not been resolved by the
// network yet. Placeholders are unique per identity so the identities table's
// uniqueness constraint holds while authentication is pending.
const PlaceholderPrefix = "pending-"

// NewPlaceholderDID returns a fresh placeholder identifier for a handle.
func NewPlaceholderDID(handle string) string {
	return PlaceholderPrefix + handle + "-" + uuid.NewString()
}

// Identity is one managed network account.
type Identity struct {
	ID           int64     `db:"id"`
	Handle       string    `db:"handle"`
	DID          string    `db:"did"`
	IsPrimary    bool      `db:"is_primary"`
	StreamCursor null.Int  `db:"stream_cursor"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Resolved reports whether the network has assigned this identity its real
// identifier. The bulk importer must not issue network calls for unresolved
// identities.
func (i *Identity) Resolved() bool {
	return i.DID != "" && !strings.HasPrefix(i.DID, PlaceholderPrefix)
}

// Credential is the access/refresh token pair owned by exactly one identity.
type Credential struct {
	IdentityID       int64     `db:"identity_id"`
	AccessToken      string    `db:"access_token"`
	AccessExpiresAt  time.Time `db:"access_expires_at"`
	RefreshToken     string    `db:"refresh_token"`
	RefreshExpiresAt time.Time `db:"refresh_expires_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// AccessValid reports whether the access token is usable at the given margin
// before expiry.
func (c *Credential) AccessValid(now time.Time, margin time.Duration) bool {
	return c.AccessToken != "" && now.Add(margin).Before(c.AccessExpiresAt)
}

// RefreshValid reports whether the refresh token can still be exchanged.
func (c *Credential) RefreshValid(now time.Time, margin time.Duration) bool {
	return c.RefreshToken != "" && now.Add(margin).Before(c.RefreshExpiresAt)
}

type IdentityStore interface {
	// Register inserts the identity with a placeholder identifier if it is not
	// known yet, and returns the stored row either way.
	Register(ctx context.Context, handle string, isPrimary bool) (*Identity, error)
	// ResolveDID replaces the identity's placeholder with the real identifier.
	ResolveDID(ctx context.Context, handle, did string) error
	GetByHandle(ctx context.Context, handle string) (*Identity, error)
	GetByDID(ctx context.Context, did string) (*Identity, error)
	GetPrimary(ctx context.Context) (*Identity, error)
	GetAll(ctx context.Context) ([]*Identity, error)
	GetCursor(ctx context.Context, identityID int64) (null.Int, error)
	SaveCursor(ctx context.Context, identityID int64, cursor int64) error
}

type CredentialStore interface {
	Get(ctx context.Context, identityID int64) (*Credential, error)
	Upsert(ctx context.Context, credential *Credential) error
	Delete(ctx context.Context, identityID int64) error
}
