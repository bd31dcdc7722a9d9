package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Institution is a tenant organisation.
type Institution struct {
	ID        string
	Slug      string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// GetInstitutionBySlug fetches an active institution.
func (s *Store) GetInstitutionBySlug(ctx context.Context, slug string) (Institution, bool, error) {
	var inst Institution
	err := s.DB.QueryRowContext(ctx, `SELECT id, slug, name, is_active, created_at FROM institutions WHERE slug=$1 AND is_active=TRUE`, slug).
		Scan(&inst.ID, &inst.Slug, &inst.Name, &inst.IsActive, &inst.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Institution{}, false, nil
		}
		return Institution{}, false, err
	}
	return inst, true, nil
}

// ListInstitutions returns every institution, active or not.
func (s *Store) ListInstitutions(ctx context.Context) ([]Institution, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, slug, name, is_active, created_at FROM institutions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Institution
	for rows.Next() {
		var inst Institution
		if err := rows.Scan(&inst.ID, &inst.Slug, &inst.Name, &inst.IsActive, &inst.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// CreateInstitution inserts a new institution and returns its id.
func (s *Store) CreateInstitution(ctx context.Context, slug, name string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO institutions (slug, name) VALUES ($1,$2) RETURNING id`, slug, name).Scan(&id)
	return id, err
}

// UpsertMembership creates or updates a user's membership.
func (s *Store) UpsertMembership(ctx context.Context, m Membership) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO institution_users (institution_id, user_id, role, is_active)
VALUES ($1,$2,$3,$4)
ON CONFLICT (institution_id, user_id) DO UPDATE SET
  role = EXCLUDED.role,
  is_active = EXCLUDED.is_active`, m.InstitutionID, m.UserID, m.Role, m.IsActive)
	return err
}

// UpsertInstitutionSubscription sets the institution's billing window.
func (s *Store) UpsertInstitutionSubscription(ctx context.Context, sub InstitutionSubscription) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO institution_subscriptions (institution_id, status, expires_at, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (institution_id) DO UPDATE SET
  status = EXCLUDED.status,
  expires_at = EXCLUDED.expires_at,
  updated_at = NOW()`, sub.InstitutionID, sub.Status, sub.ExpiresAt)
	return err
}
