// Package credstore wraps the durable credential/profile substrate.
//
// The store is the only component touching the database. Substrate failures
// are logged and degraded to "absent": a corrupt or unreadable record behaves
// exactly like a missing one, and the offending key is evicted.
package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/sessionkit/internal/credstore/migrations"
	"github.com/dmitrijs2005/sessionkit/internal/dbx"
	"github.com/dmitrijs2005/sessionkit/internal/logging"
	"github.com/dmitrijs2005/sessionkit/internal/profile"
)

// Well-known record names.
const (
	KeyAccessToken   = "access_token"
	KeyRefreshExpiry = "refresh_expiry"
	KeyProfile       = "profile"
)

type Store struct {
	db   *sql.DB
	repo *SQLiteRepository
	log  logging.Logger
}

// Open opens (or creates) the credential database at dsn and applies pending
// migrations.
func Open(ctx context.Context, dsn string, log logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening credential db: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return NewStore(db, log), nil
}

// NewStore wraps an already-migrated database handle.
func NewStore(db *sql.DB, log logging.Logger) *Store {
	return &Store{db: db, repo: NewSQLiteRepository(db), log: log}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the named record, or "" when absent or unreadable.
func (s *Store) Get(ctx context.Context, name string) string {
	v, err := s.repo.Get(ctx, name)
	if err != nil {
		s.log.Warn(ctx, "credential read failed", "name", name, "err", err)
		return ""
	}
	return v
}

// Set writes the named record. Failures are logged, never propagated.
func (s *Store) Set(ctx context.Context, name, value string) {
	if err := s.repo.Set(ctx, name, value); err != nil {
		s.log.Warn(ctx, "credential write failed", "name", name, "err", err)
	}
}

// Remove deletes the named record. Idempotent; failures are logged.
func (s *Store) Remove(ctx context.Context, name string) {
	if err := s.repo.Delete(ctx, name); err != nil {
		s.log.Warn(ctx, "credential delete failed", "name", name, "err", err)
	}
}

// ClearAll wipes every stored record.
func (s *Store) ClearAll(ctx context.Context) {
	if err := s.repo.Clear(ctx); err != nil {
		s.log.Warn(ctx, "credential clear failed", "err", err)
	}
}

// AccessToken returns the stored access credential, or "" when absent.
func (s *Store) AccessToken(ctx context.Context) string {
	return s.Get(ctx, KeyAccessToken)
}

// SaveCredentials persists the access token and refresh expiry together, in a
// single transaction so a reader never observes one without the other.
func (s *Store) SaveCredentials(ctx context.Context, token string, refreshExpiry time.Time) {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewSQLiteRepository(tx)
		if err := repo.Set(ctx, KeyAccessToken, token); err != nil {
			return err
		}
		return repo.Set(ctx, KeyRefreshExpiry, refreshExpiry.UTC().Format(time.RFC3339))
	})
	if err != nil {
		s.log.Warn(ctx, "credential save failed", "err", err)
	}
}

// RefreshExpiry returns the stored refresh-expiry timestamp. A corrupt value
// is evicted and reported as absent.
func (s *Store) RefreshExpiry(ctx context.Context) (time.Time, bool) {
	v := s.Get(ctx, KeyRefreshExpiry)
	if v == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		s.log.Warn(ctx, "corrupt refresh expiry evicted", "value", v, "err", err)
		s.Remove(ctx, KeyRefreshExpiry)
		return time.Time{}, false
	}
	return ts, true
}

// Profile returns the cached profile snapshot. A corrupt snapshot is evicted
// and reported as absent.
func (s *Store) Profile(ctx context.Context) (*profile.User, bool) {
	v := s.Get(ctx, KeyProfile)
	if v == "" {
		return nil, false
	}
	var u profile.User
	if err := json.Unmarshal([]byte(v), &u); err != nil {
		s.log.Warn(ctx, "corrupt profile snapshot evicted", "err", err)
		s.Remove(ctx, KeyProfile)
		return nil, false
	}
	return &u, true
}

// SaveProfile persists the profile snapshot; a nil profile removes it.
func (s *Store) SaveProfile(ctx context.Context, u *profile.User) {
	if u == nil {
		s.Remove(ctx, KeyProfile)
		return
	}
	data, err := json.Marshal(u)
	if err != nil {
		s.log.Warn(ctx, "profile snapshot marshal failed", "err", err)
		return
	}
	s.Set(ctx, KeyProfile, string(data))
}
