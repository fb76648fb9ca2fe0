package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLease claims the named lease for holder until now+ttl. It succeeds
// when the lease is free, expired, or already held by holder, which renews it.
// Otherwise it returns false and the current holder.
func (s *Storage) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, held, err := leaseHolder(ctx, tx, name, now)
	if err != nil {
		return false, "", err
	}
	if held && current != holder {
		return false, current, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?,?,?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at`,
		name, holder, now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return false, "", fmt.Errorf("failed to write lease %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("failed to commit lease %s: %w", name, err)
	}
	return true, holder, nil
}

// ReleaseLease drops the named lease if holder still owns it.
func (s *Storage) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// LeaseHolder returns who holds the named lease at now. The boolean is false
// when the lease is free or expired.
func (s *Storage) LeaseHolder(ctx context.Context, name string, now time.Time) (string, bool, error) {
	return leaseHolder(ctx, s.db, name, now)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func leaseHolder(ctx context.Context, db queryer, name string, now time.Time) (string, bool, error) {
	var holder string
	var expiresAt int64
	err := db.QueryRowContext(ctx, `SELECT holder, expires_at FROM leases WHERE name = ?`, name).Scan(&holder, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read lease %s: %w", name, err)
	}
	if now.UnixNano() >= expiresAt {
		return "", false, nil
	}
	return holder, true, nil
}
