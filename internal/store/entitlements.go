package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Subscription is an individual per-assistant subscription.
type Subscription struct {
	ID          string
	UserID      string
	AssistantID string
	Status      string
	ExpiresAt   time.Time
}

// Package grants access to a set of assistants.
type Package struct {
	ID           string
	UserID       string
	AssistantIDs []string
	Status       string
	ExpiresAt    time.Time
}

// Membership links a user to an institution.
type Membership struct {
	InstitutionID string
	UserID        string
	Role          string
	IsActive      bool
}

// Membership roles. Admins and subadmins bypass the institution subscription.
const (
	RoleUser     = "user"
	RoleSubadmin = "subadmin"
	RoleAdmin    = "admin"
)

// Privileged reports whether the member manages the institution.
func (m Membership) Privileged() bool {
	return m.Role == RoleAdmin || m.Role == RoleSubadmin
}

// InstitutionSubscription is the institution-level billing record.
type InstitutionSubscription struct {
	InstitutionID string
	Status        string
	ExpiresAt     time.Time
}

// ActiveSubscription returns the newest individual subscription for the
// pair. Rows the sweeper already flipped to expired still count so callers
// can report how long ago access lapsed. Bool indicates presence.
func (s *Store) ActiveSubscription(ctx context.Context, userID, assistantID string) (Subscription, bool, error) {
	var sub Subscription
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, assistant_id, status, expires_at
FROM user_subscriptions
WHERE user_id=$1 AND assistant_id=$2 AND status IN ('active','expired')
ORDER BY expires_at DESC
LIMIT 1`, userID, assistantID).Scan(&sub.ID, &sub.UserID, &sub.AssistantID, &sub.Status, &sub.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, false, nil
		}
		return Subscription{}, false, err
	}
	return sub, true, nil
}

// ActivePackagesForAssistant returns the user's active or lapsed packages
// that include assistantID, newest expiry first.
func (s *Store) ActivePackagesForAssistant(ctx context.Context, userID, assistantID string) ([]Package, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, assistant_ids, status, expires_at
FROM user_packages
WHERE user_id=$1 AND status IN ('active','expired') AND $2 = ANY(assistant_ids)
ORDER BY expires_at DESC`, userID, assistantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID, &p.UserID, pq.Array(&p.AssistantIDs), &p.Status, &p.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetMembership fetches the user's membership in an institution.
func (s *Store) GetMembership(ctx context.Context, institutionID, userID string) (Membership, bool, error) {
	var m Membership
	err := s.DB.QueryRowContext(ctx, `
SELECT institution_id, user_id, role, is_active
FROM institution_users
WHERE institution_id=$1 AND user_id=$2`, institutionID, userID).Scan(&m.InstitutionID, &m.UserID, &m.Role, &m.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Membership{}, false, nil
		}
		return Membership{}, false, err
	}
	return m, true, nil
}

// ActiveInstitutionSubscription fetches the institution's subscription while
// it is active or lapsed.
func (s *Store) ActiveInstitutionSubscription(ctx context.Context, institutionID string) (InstitutionSubscription, bool, error) {
	var sub InstitutionSubscription
	err := s.DB.QueryRowContext(ctx, `
SELECT institution_id, status, expires_at
FROM institution_subscriptions
WHERE institution_id=$1 AND status IN ('active','expired')`, institutionID).Scan(&sub.InstitutionID, &sub.Status, &sub.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InstitutionSubscription{}, false, nil
		}
		return InstitutionSubscription{}, false, err
	}
	return sub, true, nil
}

// SweepResult counts rows flipped to expired.
type SweepResult struct {
	Subscriptions int64
	Packages      int64
	Institutions  int64
}

// Total is the number of rows touched.
func (r SweepResult) Total() int64 { return r.Subscriptions + r.Packages + r.Institutions }

// ExpireLapsed marks active rows whose expires_at is before now as expired.
func (s *Store) ExpireLapsed(ctx context.Context, now time.Time) (SweepResult, error) {
	var out SweepResult
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer func() { _ = tx.Rollback() }()

	targets := []struct {
		query string
		dst   *int64
	}{
		{`UPDATE user_subscriptions SET status='expired' WHERE status='active' AND expires_at < $1`, &out.Subscriptions},
		{`UPDATE user_packages SET status='expired' WHERE status='active' AND expires_at < $1`, &out.Packages},
		{`UPDATE institution_subscriptions SET status='expired', updated_at=NOW() WHERE status='active' AND expires_at < $1`, &out.Institutions},
	}
	for _, t := range targets {
		res, err := tx.ExecContext(ctx, t.query, now)
		if err != nil {
			return SweepResult{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return SweepResult{}, err
		}
		*t.dst = n
	}
	if err := tx.Commit(); err != nil {
		return SweepResult{}, err
	}
	return out, nil
}
