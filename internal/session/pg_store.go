package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"docket/api/internal/store"
)

// PGStore backs sessions with the relational store when Redis is not
// configured. Expired rows linger until overwritten; Lookup filters them out.
type PGStore struct {
	store *store.PostgresStore
}

func NewPGStore(s *store.PostgresStore) *PGStore {
	return &PGStore{store: s}
}

func (s *PGStore) Save(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	return s.store.SaveRefreshSession(ctx, tokenHash, userID, expiresAt)
}

func (s *PGStore) Lookup(ctx context.Context, tokenHash string) (string, error) {
	userID, err := s.store.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PGStore) Revoke(ctx context.Context, tokenHash string) error {
	return s.store.RevokeRefreshSession(ctx, tokenHash)
}
