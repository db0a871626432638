package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound covers missing, expired and revoked sessions alike.
var ErrNotFound = errors.New("session not found")

// Store persists refresh sessions keyed by token hash. Lookup returns the
// owning user id or ErrNotFound.
type Store interface {
	Save(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (string, error)
	Revoke(ctx context.Context, tokenHash string) error
}
