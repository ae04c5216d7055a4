// Package users persists identity-provider subjects as local users.
// A user row is created the first time an unseen subject makes an
// authenticated call and is never destroyed by core logic.
package users

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Repository handles user rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new user repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "users").Logger(),
	}
}

// GetOrCreateByExternalID returns the user for the given identity-provider
// subject, creating the row on first sight. The upsert is keyed on the
// unique external_id so concurrent first calls converge on one row.
func (r *Repository) GetOrCreateByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	if externalID == "" {
		return nil, domain.Validationf("external_id", "external id is required")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING
	`, uuid.NewString(), externalID, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	return r.GetByExternalID(ctx, externalID)
}

// GetByExternalID returns the user for a subject, or NotFound.
func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	var u domain.User
	var createdAt int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, external_id, created_at FROM users WHERE external_id = ?
	`, externalID).Scan(&u.ID, &u.ExternalID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("user %s not found", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// GetByID returns the user by primary key, or NotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	var createdAt int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, external_id, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.ExternalID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// ListIDs returns all user ids. Used by the EOD snapshot job to walk every
// user's portfolios.
func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return ids, nil
}
