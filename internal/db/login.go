package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Login is the remembered login snapshot.
type Login struct {
	ServerURL string
	Username  string
	Token     string
	SavedAt   time.Time
}

// SaveLogin remembers login, replacing any previous one. A zero SavedAt is
// stamped with the current time.
func (db *DB) SaveLogin(login Login) error {
	return db.SaveLoginContext(context.Background(), login)
}

// SaveLoginContext remembers a login with context support.
func (db *DB) SaveLoginContext(ctx context.Context, login Login) error {
	if login.Token == "" {
		return fmt.Errorf("token is required")
	}
	if login.SavedAt.IsZero() {
		login.SavedAt = time.Now()
	}

	query := `
	INSERT INTO remembered_login (id, server_url, username, token, saved_at)
	VALUES (1, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		server_url = excluded.server_url,
		username = excluded.username,
		token = excluded.token,
		saved_at = excluded.saved_at
	`
	if _, err := db.conn.ExecContext(ctx, query,
		login.ServerURL, login.Username, login.Token, login.SavedAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to save login: %w", err)
	}
	return nil
}

// LoadLogin returns the remembered login if it was saved within maxAge.
// It returns ErrNoLogin when nothing is remembered and ErrLoginExpired when
// the snapshot is stale. A non-positive maxAge disables the freshness check.
func (db *DB) LoadLogin(maxAge time.Duration) (*Login, error) {
	return db.LoadLoginContext(context.Background(), time.Now(), maxAge)
}

// LoadLoginContext loads the remembered login as of now.
func (db *DB) LoadLoginContext(ctx context.Context, now time.Time, maxAge time.Duration) (*Login, error) {
	var login Login
	var saved int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT server_url, username, token, saved_at FROM remembered_login WHERE id = 1`).
		Scan(&login.ServerURL, &login.Username, &login.Token, &saved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoLogin
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load login: %w", err)
	}
	login.SavedAt = time.UnixMilli(saved)

	if maxAge > 0 && now.Sub(login.SavedAt) > maxAge {
		return nil, fmt.Errorf("saved %s ago: %w", now.Sub(login.SavedAt).Round(time.Second), ErrLoginExpired)
	}
	return &login, nil
}

// ForgetLogin clears the remembered login.
func (db *DB) ForgetLogin() error {
	if _, err := db.conn.Exec(`DELETE FROM remembered_login`); err != nil {
		return fmt.Errorf("failed to forget login: %w", err)
	}
	return nil
}
