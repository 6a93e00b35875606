package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opendesk-io/opendesk-ce/internal/database"
	"github.com/opendesk-io/opendesk-ce/internal/models"
)

// UserRepository handles database operations for contacts and agents.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *UserRepository) WithTx(tx *sql.Tx) *UserRepository {
	return &UserRepository{db: tx}
}

// GetByEmail returns the workspace user with the given address, or (nil, nil).
func (r *UserRepository) GetByEmail(ctx context.Context, workspaceID int64, email string) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT id, workspace_id, name, email, is_agent, active, created_at
		FROM app_user
		WHERE workspace_id = $1 AND LOWER(email) = LOWER($2)`),
		workspaceID, strings.TrimSpace(email))
	return scanUser(row)
}

// Create inserts the user and fills in its id.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	user.CreatedAt = time.Now().UTC()
	query := `
		INSERT INTO app_user (workspace_id, name, email, is_agent, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`
	converted, useLastInsert := database.ConvertReturning(database.ConvertPlaceholders(query))
	args := []any{user.WorkspaceID, user.Name, user.Email, user.IsAgent, user.Active, user.CreatedAt}
	if useLastInsert {
		res, err := r.db.ExecContext(ctx, converted, args...)
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		user.ID = id
		return nil
	}
	if err := r.db.QueryRowContext(ctx, converted, args...).Scan(&user.ID); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetOrCreateContact resolves the contact record for an external address,
// creating a non-agent user on first sight.
func (r *UserRepository) GetOrCreateContact(ctx context.Context, workspaceID int64, name, email string) (*models.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, errors.New("contact email required")
	}
	if user, err := r.GetByEmail(ctx, workspaceID, email); err != nil || user != nil {
		return user, err
	}
	user := &models.User{
		WorkspaceID: workspaceID,
		Name:        strings.TrimSpace(name),
		Email:       email,
		IsAgent:     false,
		Active:      true,
	}
	if user.Name == "" {
		user.Name = email
	}
	if err := r.Create(ctx, user); err != nil {
		// A concurrent pass may have created the same contact; re-read.
		if existing, lookupErr := r.GetByEmail(ctx, workspaceID, email); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return user, nil
}

// ListActiveAgents returns the active agents of a workspace.
func (r *UserRepository) ListActiveAgents(ctx context.Context, workspaceID int64) ([]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, database.ConvertPlaceholders(`
		SELECT id, workspace_id, name, email, is_agent, active, created_at
		FROM app_user
		WHERE workspace_id = $1 AND is_agent AND active
		ORDER BY id`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var agents []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.WorkspaceID, &u.Name, &u.Email, &u.IsAgent, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		agents = append(agents, &u)
	}
	return agents, rows.Err()
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.WorkspaceID, &u.Name, &u.Email, &u.IsAgent, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
