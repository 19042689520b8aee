package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
)

type userRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *userRow) toDomain() *types.User {
	return &types.User{
		ID:           r.ID,
		Name:         r.Name,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

const userColumns = `id, name, email, password_hash, created_at, updated_at`

// CreateUser inserts a user. Emails are unique; a second registration with
// the same email fails with CONFLICT.
func (s *Store) CreateUser(ctx context.Context, u *types.User) (*types.User, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if err := u.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}
	if u.PasswordHash == "" {
		return nil, fault.Validation("password hash is required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	var row userRow
	err := sqlx.GetContext(ctx, s.db, &row, `
		INSERT INTO users (id, name, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		u.ID, u.Name, u.Email, u.PasswordHash)
	if err != nil {
		return nil, translateError(err, "creating user")
	}
	return row.toDomain(), nil
}

// GetUser returns one user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	var row userRow
	err := sqlx.GetContext(ctx, s.db, &row,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, translateError(err, "loading user "+id)
	}
	return row.toDomain(), nil
}

// GetUserByEmail returns one user by email, case-insensitive.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	var row userRow
	err := sqlx.GetContext(ctx, s.db, &row,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, translateError(err, "loading user by email")
	}
	return row.toDomain(), nil
}

// ListUsers returns all users ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]*types.User, error) {
	var rows []userRow
	err := sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT `+userColumns+` FROM users ORDER BY name, id`)
	if err != nil {
		return nil, translateError(err, "listing users")
	}
	users := make([]*types.User, 0, len(rows))
	for i := range rows {
		users = append(users, rows[i].toDomain())
	}
	return users, nil
}

type apiKeyRow struct {
	ID         string     `db:"id"`
	UserID     string     `db:"user_id"`
	Name       string     `db:"name"`
	KeyHash    string     `db:"key_hash"`
	LastUsedAt *time.Time `db:"last_used_at"`
	RevokedAt  *time.Time `db:"revoked_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

func (r *apiKeyRow) toDomain() *types.APIKey {
	return &types.APIKey{
		ID:         r.ID,
		UserID:     r.UserID,
		Name:       r.Name,
		KeyHash:    r.KeyHash,
		LastUsedAt: r.LastUsedAt,
		RevokedAt:  r.RevokedAt,
		CreatedAt:  r.CreatedAt,
	}
}

const apiKeyColumns = `id, user_id, name, key_hash, last_used_at, revoked_at, created_at`

// CreateAPIKey stores a key record. The caller generates the plaintext and
// hashes it; only the hash reaches the database.
func (s *Store) CreateAPIKey(ctx context.Context, key *types.APIKey) (*types.APIKey, error) {
	if key.UserID == "" || key.KeyHash == "" {
		return nil, fault.Validation("userId and keyHash are required")
	}
	if key.Name == "" {
		return nil, fault.Validation("name is required",
			fault.Issue{Path: "name", Message: "required"})
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}

	var row apiKeyRow
	err := sqlx.GetContext(ctx, s.db, &row, `
		INSERT INTO api_keys (id, user_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+apiKeyColumns,
		key.ID, key.UserID, key.Name, key.KeyHash)
	if err != nil {
		return nil, translateError(err, "creating api key")
	}
	return row.toDomain(), nil
}

// GetAPIKeyByHash looks a key up by its hash. Revoked keys are returned;
// rejecting them is the auth layer's call so it can distinguish revoked from
// unknown.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error) {
	var row apiKeyRow
	err := sqlx.GetContext(ctx, s.db, &row,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	if err != nil {
		return nil, translateError(err, "loading api key")
	}
	return row.toDomain(), nil
}

// TouchAPIKey stamps last_used_at. Called on successful auth; failures are
// logged by the caller and do not fail the request.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return translateError(err, "touching api key")
	}
	return nil
}

// RevokeAPIKey marks a key revoked. Revoking twice is a no-op.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = COALESCE(revoked_at, now()) WHERE id = $1`, id)
	if err != nil {
		return translateError(err, "revoking api key")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Internal(err)
	}
	if n == 0 {
		return fault.NotFound("api key", id)
	}
	return nil
}
