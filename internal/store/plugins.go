package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"time"
)

// Plugin is a plugin catalog listing.
type Plugin struct {
	PluginID    string    `json:"plugin_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	SourceURL   string    `json:"source_url"`
	Permissions []string  `json:"permissions"`
	AuthorID    string    `json:"author_id,omitempty"`
	Published   bool      `json:"is_published"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p *Plugin) validate() error {
	if p.PluginID == "" {
		return &ValidationError{Field: "plugin_id", Message: "is required"}
	}
	if p.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	u, err := url.Parse(p.SourceURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return &ValidationError{Field: "source_url", Message: "must be an absolute http(s) URL"}
	}
	return nil
}

// RegisterPlugin inserts or updates a catalog listing. Plugin ids are
// validated by the caller.
func (s *Store) RegisterPlugin(ctx context.Context, p Plugin) error {
	if err := p.validate(); err != nil {
		return err
	}
	perms := p.Permissions
	if perms == nil {
		perms = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return &ValidationError{Field: "permissions", Message: err.Error()}
	}

	now := s.nowMillis()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO store_plugins (plugin_id, name, description, source_url, permissions, author_id, is_published, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (plugin_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			source_url = excluded.source_url,
			permissions = excluded.permissions,
			author_id = excluded.author_id,
			is_published = excluded.is_published,
			updated_at = excluded.updated_at`,
		p.PluginID, p.Name, p.Description, p.SourceURL, string(permsJSON), p.AuthorID, boolInt(p.Published), now, now)
	return dbErr("register plugin", err)
}

// GetPlugin returns the catalog listing for pluginID.
func (s *Store) GetPlugin(ctx context.Context, pluginID string) (*Plugin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plugin_id, name, description, source_url, permissions, author_id, is_published, created_at, updated_at
		FROM store_plugins WHERE plugin_id = ?`, pluginID)
	p, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbErr("get plugin", err)
	}
	return p, nil
}

// ListPlugins returns catalog listings ordered by id.
func (s *Store) ListPlugins(ctx context.Context, publishedOnly bool) ([]Plugin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plugin_id, name, description, source_url, permissions, author_id, is_published, created_at, updated_at
		FROM store_plugins WHERE (?1 = 0 OR is_published = 1) ORDER BY plugin_id`, boolInt(publishedOnly))
	if err != nil {
		return nil, dbErr("list plugins", err)
	}
	defer rows.Close()

	out := []Plugin{}
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, dbErr("list plugins", err)
		}
		out = append(out, *p)
	}
	return out, dbErr("list plugins", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlugin(sc scanner) (*Plugin, error) {
	var (
		p                Plugin
		perms            string
		created, updated int64
	)
	if err := sc.Scan(&p.PluginID, &p.Name, &p.Description, &p.SourceURL, &perms, &p.AuthorID, &p.Published, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &p.Permissions); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}
