package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.Name, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// EnsureUserByEmail returns the user for email, creating the record on first
// sign-in through the identity provider.
func (s *PostgresStore) EnsureUserByEmail(ctx context.Context, id, email, name string) (User, error) {
	user, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insert := `
		INSERT INTO users (id, email, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, email, name, password_hash, created_at
	`
	if err := s.db.QueryRowContext(ctx, insert, id, email, name).Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt,
	); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// --- projects ---

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, tech_stack, user_id)
		VALUES ($1, $2, $3, $4, $5)
	`, project.ID, project.Name, project.Description, project.TechStack, project.UserID)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProjectForUser is the ownership check: a project owned by another user
// scans the same as a missing row.
func (s *PostgresStore) GetProjectForUser(ctx context.Context, projectID, userID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, tech_stack, user_id, created_at
		FROM projects
		WHERE id=$1 AND user_id=$2
	`, projectID, userID).Scan(&item.ID, &item.Name, &item.Description, &item.TechStack, &item.UserID, &item.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, tech_stack, user_id, created_at
		FROM projects
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.TechStack, &item.UserID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// DeleteProjectCascade removes the project and all of its entries in one
// transaction, so a failure never leaves a half-deleted project behind.
// Returns the ids of the deleted entries so the caller can drop them from the
// search index.
func (s *PostgresStore) DeleteProjectCascade(ctx context.Context, projectID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cascade delete: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `DELETE FROM entries WHERE project_id=$1 RETURNING id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("delete project entries: %w", err)
	}
	var entryIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan deleted entry: %w", err)
		}
		entryIDs = append(entryIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate deleted entries: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID); err != nil {
		return nil, fmt.Errorf("delete project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cascade delete: %w", err)
	}
	return entryIDs, nil
}

// --- entries ---

func (s *PostgresStore) InsertEntry(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, project_id, entry_type, title, error_message, context, root_cause, solution, screenshot_url, ai_explanation, ai_interview_question)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.ProjectID, entry.EntryType, entry.Title, entry.ErrorMessage, entry.Context,
		entry.RootCause, entry.Solution, entry.ScreenshotURL, entry.AIExplanation, entry.AIInterviewQuestion)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// GetEntryForUser resolves ownership transitively through the project join.
// Entries never carry a user id of their own.
func (s *PostgresStore) GetEntryForUser(ctx context.Context, entryID, userID string) (Entry, error) {
	var item Entry
	err := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.project_id, e.entry_type, e.title, e.error_message, e.context, e.root_cause,
			e.solution, e.screenshot_url, e.ai_explanation, e.ai_interview_question, e.created_at
		FROM entries e
		JOIN projects p ON p.id = e.project_id
		WHERE e.id=$1 AND p.user_id=$2
	`, entryID, userID).Scan(
		&item.ID, &item.ProjectID, &item.EntryType, &item.Title, &item.ErrorMessage, &item.Context,
		&item.RootCause, &item.Solution, &item.ScreenshotURL, &item.AIExplanation, &item.AIInterviewQuestion,
		&item.CreatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, projectID, entryType string) ([]Entry, error) {
	query := `
		SELECT id, project_id, entry_type, title, error_message, context, root_cause,
			solution, screenshot_url, ai_explanation, ai_interview_question, created_at
		FROM entries
		WHERE project_id=$1
	`
	args := []any{projectID}
	if entryType != "" {
		query += ` AND entry_type=$2`
		args = append(args, entryType)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		var item Entry
		if err := rows.Scan(
			&item.ID, &item.ProjectID, &item.EntryType, &item.Title, &item.ErrorMessage, &item.Context,
			&item.RootCause, &item.Solution, &item.ScreenshotURL, &item.AIExplanation, &item.AIInterviewQuestion,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateEntry(ctx context.Context, entryID string, update EntryUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET title=$2, error_message=$3, context=$4, root_cause=$5, solution=$6
		WHERE id=$1
	`, entryID, update.Title, update.ErrorMessage, update.Context, update.RootCause, update.Solution)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateEntryEnrichment(ctx context.Context, entryID, explanation, question string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET ai_explanation=$2, ai_interview_question=$3
		WHERE id=$1
	`, entryID, explanation, question)
	if err != nil {
		return fmt.Errorf("update entry enrichment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id=$1`, entryID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// --- refresh sessions (postgres fallback when Redis is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.name, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
