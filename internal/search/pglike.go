package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgLike implements Searcher using case-insensitive substring matching in
// PostgreSQL as a fallback when Meilisearch is not available.
type PgLike struct {
	db *sql.DB
}

// NewPgLike creates a PostgreSQL substring searcher.
func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgLike) Healthy() bool {
	return true
}

// Search runs ILIKE queries scoped to the caller's user ID. A blank query
// returns every project the caller owns and no entries.
func (p *PgLike) Search(q Query) (Response, error) {
	resp := Response{
		Projects:  []ProjectRecord{},
		Bugs:      []BugRecord{},
		Decisions: []DecisionRecord{},
		Query:     q.Text,
	}
	ctx := context.Background()

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	if strings.TrimSpace(q.Text) == "" {
		projects, err := p.allProjects(ctx, q.UserID, limit)
		if err != nil {
			return resp, err
		}
		resp.Projects = projects
		return resp, nil
	}

	pattern := "%" + q.Text + "%"

	projectRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, coalesce(description, ''), coalesce(tech_stack, ''), user_id
		FROM projects
		WHERE user_id = $1 AND name ILIKE $2
		ORDER BY created_at DESC
		LIMIT $3
	`, q.UserID, pattern, limit)
	if err != nil {
		return resp, fmt.Errorf("search projects: %w", err)
	}
	defer projectRows.Close()
	for projectRows.Next() {
		var r ProjectRecord
		if err := projectRows.Scan(&r.ID, &r.Name, &r.Description, &r.TechStack, &r.UserID); err != nil {
			return resp, fmt.Errorf("scan project: %w", err)
		}
		resp.Projects = append(resp.Projects, r)
	}
	if err := projectRows.Err(); err != nil {
		return resp, fmt.Errorf("iterate projects: %w", err)
	}

	bugRows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.title, coalesce(e.error_message, ''), coalesce(e.context, ''), e.project_id, p.user_id
		FROM entries e
		JOIN projects p ON p.id = e.project_id
		WHERE p.user_id = $1 AND e.entry_type = 'BUG'
			AND (e.title ILIKE $2 OR e.error_message ILIKE $2 OR e.context ILIKE $2)
		ORDER BY e.created_at DESC
		LIMIT $3
	`, q.UserID, pattern, limit)
	if err != nil {
		return resp, fmt.Errorf("search bugs: %w", err)
	}
	defer bugRows.Close()
	for bugRows.Next() {
		var r BugRecord
		if err := bugRows.Scan(&r.ID, &r.Title, &r.ErrorMessage, &r.Context, &r.ProjectID, &r.UserID); err != nil {
			return resp, fmt.Errorf("scan bug: %w", err)
		}
		resp.Bugs = append(resp.Bugs, r)
	}
	if err := bugRows.Err(); err != nil {
		return resp, fmt.Errorf("iterate bugs: %w", err)
	}

	decisionRows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.title, coalesce(e.context, ''), e.project_id, p.user_id
		FROM entries e
		JOIN projects p ON p.id = e.project_id
		WHERE p.user_id = $1 AND e.entry_type = 'DECISION'
			AND (e.title ILIKE $2 OR e.context ILIKE $2)
		ORDER BY e.created_at DESC
		LIMIT $3
	`, q.UserID, pattern, limit)
	if err != nil {
		return resp, fmt.Errorf("search decisions: %w", err)
	}
	defer decisionRows.Close()
	for decisionRows.Next() {
		var r DecisionRecord
		if err := decisionRows.Scan(&r.ID, &r.Title, &r.Context, &r.ProjectID, &r.UserID); err != nil {
			return resp, fmt.Errorf("scan decision: %w", err)
		}
		resp.Decisions = append(resp.Decisions, r)
	}
	if err := decisionRows.Err(); err != nil {
		return resp, fmt.Errorf("iterate decisions: %w", err)
	}

	return resp, nil
}

func (p *PgLike) allProjects(ctx context.Context, userID string, limit int) ([]ProjectRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, coalesce(description, ''), coalesce(tech_stack, ''), user_id
		FROM projects
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}
	defer rows.Close()

	projects := make([]ProjectRecord, 0)
	for rows.Next() {
		var r ProjectRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.TechStack, &r.UserID); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, r)
	}
	return projects, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgLike) LoadAllRecords(ctx context.Context) ([]ProjectRecord, []BugRecord, []DecisionRecord, error) {
	projectRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, coalesce(description, ''), coalesce(tech_stack, ''), user_id
		FROM projects
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projectRows.Close()

	projects := make([]ProjectRecord, 0)
	for projectRows.Next() {
		var r ProjectRecord
		if err := projectRows.Scan(&r.ID, &r.Name, &r.Description, &r.TechStack, &r.UserID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, r)
	}
	if err := projectRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate projects: %w", err)
	}

	bugRows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.title, coalesce(e.error_message, ''), coalesce(e.context, ''), e.project_id, p.user_id
		FROM entries e
		JOIN projects p ON p.id = e.project_id
		WHERE e.entry_type = 'BUG'
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load bugs: %w", err)
	}
	defer bugRows.Close()

	bugs := make([]BugRecord, 0)
	for bugRows.Next() {
		var r BugRecord
		if err := bugRows.Scan(&r.ID, &r.Title, &r.ErrorMessage, &r.Context, &r.ProjectID, &r.UserID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan bug: %w", err)
		}
		bugs = append(bugs, r)
	}
	if err := bugRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate bugs: %w", err)
	}

	decisionRows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.title, coalesce(e.context, ''), e.project_id, p.user_id
		FROM entries e
		JOIN projects p ON p.id = e.project_id
		WHERE e.entry_type = 'DECISION'
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load decisions: %w", err)
	}
	defer decisionRows.Close()

	decisions := make([]DecisionRecord, 0)
	for decisionRows.Next() {
		var r DecisionRecord
		if err := decisionRows.Scan(&r.ID, &r.Title, &r.Context, &r.ProjectID, &r.UserID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, r)
	}
	if err := decisionRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate decisions: %w", err)
	}

	return projects, bugs, decisions, nil
}
