package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/praxisline/agentd/common/db"
	"github.com/praxisline/agentd/common/models"
)

// UserRepository handles database operations for users
type UserRepository struct {
	db *db.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *db.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `
	id, email, role, display_name, avatar_url, prefs,
	gmail_refresh_token, context, created_at, updated_at
`

// Create inserts a new user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	prefs, err := json.Marshal(orEmptyMap(user.Prefs))
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}
	userCtx, err := json.Marshal(orEmptyMap(user.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	query := `
		INSERT INTO users (id, email, role, display_name, avatar_url, prefs,
			gmail_refresh_token, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.Exec(ctx, query,
		user.ID, user.Email, user.Role, user.DisplayName, user.AvatarURL,
		prefs, user.GmailRefreshToken, userCtx, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by id
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// GetByEmail retrieves a user by email, case-insensitively
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return r.scanOne(r.db.QueryRow(ctx, query, email))
}

// UpdateContext persists the merged user context
func (r *UserRepository) UpdateContext(ctx context.Context, id uuid.UUID, userCtx map[string]interface{}) error {
	data, err := json.Marshal(orEmptyMap(userCtx))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET context = $2, updated_at = now() WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("failed to update user context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetGmailRefreshToken stores the encrypted refresh token
func (r *UserRepository) SetGmailRefreshToken(ctx context.Context, id uuid.UUID, encrypted []byte) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET gmail_refresh_token = $2, updated_at = now() WHERE id = $1`, id, encrypted)
	if err != nil {
		return fmt.Errorf("failed to set refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of users; used to enforce MAX_USERS
func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

func (r *UserRepository) scanOne(row pgx.Row) (*models.User, error) {
	user := &models.User{}
	var prefs, userCtx []byte

	err := row.Scan(
		&user.ID, &user.Email, &user.Role, &user.DisplayName, &user.AvatarURL,
		&prefs, &user.GmailRefreshToken, &userCtx, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if err := json.Unmarshal(prefs, &user.Prefs); err != nil {
		return nil, fmt.Errorf("unmarshal prefs: %w", err)
	}
	if err := json.Unmarshal(userCtx, &user.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return user, nil
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
