package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Project statuses.
const (
	ProjectActive    = "active"
	ProjectCompleted = "completed"
	ProjectArchived  = "archived"
)

// Project is a user-owned project row.
type Project struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProjectInput carries client-supplied fields. Nil fields are left
// untouched on update.
type ProjectInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

func (in ProjectInput) validate(creating bool) error {
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if creating && in.Name == nil {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if in.Status != nil {
		switch *in.Status {
		case ProjectActive, ProjectCompleted, ProjectArchived:
		default:
			return &ValidationError{Field: "status", Message: "must be active, completed or archived"}
		}
	}
	return nil
}

const projectColumns = `id, user_id, name, description, status, created_at, updated_at`

func scanProject(sc scanner) (*Project, error) {
	var (
		p                Project
		created, updated int64
	)
	if err := sc.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.Status, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

// ListProjects returns the projects owned by userID, newest first.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, dbErr("list projects", err)
	}
	defer rows.Close()

	out := []Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, dbErr("list projects", err)
		}
		out = append(out, *p)
	}
	return out, dbErr("list projects", rows.Err())
}

// GetProject returns one project owned by userID.
func (s *Store) GetProject(ctx context.Context, userID, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE user_id = ? AND id = ?`, userID, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("get project", err)
	}
	return p, nil
}

// CreateProject inserts a project for userID.
func (s *Store) CreateProject(ctx context.Context, userID string, in ProjectInput) (*Project, error) {
	if err := in.validate(true); err != nil {
		return nil, err
	}
	status := ProjectActive
	if in.Status != nil {
		status = *in.Status
	}
	var desc string
	if in.Description != nil {
		desc = *in.Description
	}

	id := uuid.NewString()
	now := s.nowMillis()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, userID, strings.TrimSpace(*in.Name), desc, status, now, now)
	if err != nil {
		return nil, dbErr("create project", err)
	}
	return s.GetProject(ctx, userID, id)
}

// UpdateProject applies the non-nil fields of in to a project of userID.
func (s *Store) UpdateProject(ctx context.Context, userID, id string, in ProjectInput) (*Project, error) {
	if err := in.validate(false); err != nil {
		return nil, err
	}
	var name string
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET
			name = CASE WHEN ?1 THEN ?2 ELSE name END,
			description = COALESCE(?3, description),
			status = COALESCE(?4, status),
			updated_at = ?5
		WHERE user_id = ?6 AND id = ?7`,
		in.Name != nil, name, in.Description, in.Status, s.nowMillis(), userID, id)
	if err := affectedOne("update project", res, err); err != nil {
		return nil, err
	}
	return s.GetProject(ctx, userID, id)
}

// DeleteProject removes a project of userID.
func (s *Store) DeleteProject(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE user_id = ? AND id = ?`, userID, id)
	return affectedOne("delete project", res, err)
}
