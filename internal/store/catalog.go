package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Assistant is a catalog entry backed by an OpenAI assistant.
type Assistant struct {
	ID                string
	OpenAIAssistantID string
	Name              string
	Description       string
	IsSimulator       bool
	IsActive          bool
	CreatedAt         time.Time
}

const assistantColumns = `id, openai_assistant_id, name, description, is_simulator, is_active, created_at`

func scanAssistant(row interface{ Scan(...any) error }) (Assistant, error) {
	var a Assistant
	err := row.Scan(&a.ID, &a.OpenAIAssistantID, &a.Name, &a.Description, &a.IsSimulator, &a.IsActive, &a.CreatedAt)
	return a, err
}

// GetAssistant fetches an active assistant by id. Bool indicates presence.
func (s *Store) GetAssistant(ctx context.Context, id string) (Assistant, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+assistantColumns+` FROM assistants WHERE id=$1 AND is_active=TRUE`, id)
	a, err := scanAssistant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Assistant{}, false, nil
		}
		return Assistant{}, false, err
	}
	return a, true, nil
}

// ListActiveAssistants returns the public catalog ordered by name.
func (s *Store) ListActiveAssistants(ctx context.Context) ([]Assistant, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+assistantColumns+` FROM assistants WHERE is_active=TRUE ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assistant
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListInstitutionAssistants returns the assistants enabled for an institution.
func (s *Store) ListInstitutionAssistants(ctx context.Context, institutionID string) ([]Assistant, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT a.id, a.openai_assistant_id, a.name, a.description, a.is_simulator, a.is_active, a.created_at
FROM assistants a
JOIN institution_assistants ia ON ia.assistant_id = a.id
WHERE ia.institution_id=$1 AND ia.is_enabled=TRUE AND a.is_active=TRUE
ORDER BY a.name`, institutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assistant
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InstitutionAssistantEnabled reports whether assistantID is offered by the institution.
func (s *Store) InstitutionAssistantEnabled(ctx context.Context, institutionID, assistantID string) (bool, error) {
	var enabled bool
	err := s.DB.QueryRowContext(ctx, `SELECT is_enabled FROM institution_assistants WHERE institution_id=$1 AND assistant_id=$2`, institutionID, assistantID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return enabled, err
}
