package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Grant is one permission decision for an installation.
type Grant struct {
	Name    string `json:"permission"`
	Granted bool   `json:"is_granted"`
}

// Installation records that a user has a plugin installed.
type Installation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	PluginID    string    `json:"plugin_id"`
	Active      bool      `json:"is_active"`
	InstalledAt time.Time `json:"installed_at"`
	Grants      []Grant   `json:"permissions"`
}

// Granted reports whether permission is present and granted.
func (i *Installation) Granted(permission string) bool {
	for _, g := range i.Grants {
		if g.Name == permission {
			return g.Granted
		}
	}
	return false
}

// FindInstallation loads the installation of pluginID for userID. When
// permission is non-empty only that grant is joined; otherwise all grants
// are. The installation and its grants come back from a single query.
func (s *Store) FindInstallation(ctx context.Context, userID, pluginID, permission string) (*Installation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.user_id, i.plugin_id, i.is_active, i.installed_at, p.permission, p.is_granted
		FROM plugin_installations i
		LEFT JOIN plugin_permissions p
			ON p.user_id = i.user_id AND p.plugin_id = i.plugin_id
			AND (?1 = '' OR p.permission = ?1)
		WHERE i.user_id = ?2 AND i.plugin_id = ?3
		ORDER BY p.permission`,
		permission, userID, pluginID)
	if err != nil {
		return nil, dbErr("find installation", err)
	}
	defer rows.Close()

	var inst *Installation
	for rows.Next() {
		var (
			id, uid, pid string
			active       bool
			installedAt  int64
			perm         sql.NullString
			granted      sql.NullBool
		)
		if err := rows.Scan(&id, &uid, &pid, &active, &installedAt, &perm, &granted); err != nil {
			return nil, dbErr("scan installation", err)
		}
		if inst == nil {
			inst = &Installation{
				ID:          id,
				UserID:      uid,
				PluginID:    pid,
				Active:      active,
				InstalledAt: fromMillis(installedAt),
			}
		}
		if perm.Valid {
			inst.Grants = append(inst.Grants, Grant{Name: perm.String, Granted: granted.Bool})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("find installation", err)
	}
	if inst == nil {
		return nil, ErrNotFound
	}
	return inst, nil
}

// Install creates or reactivates the installation of pluginID for userID.
func (s *Store) Install(ctx context.Context, userID, pluginID string) (*Installation, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_installations (id, user_id, plugin_id, is_active, installed_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (user_id, plugin_id) DO UPDATE SET is_active = 1`,
		uuid.NewString(), userID, pluginID, s.nowMillis())
	if err != nil {
		return nil, dbErr("install plugin", err)
	}
	return s.FindInstallation(ctx, userID, pluginID, "")
}

// SetActive toggles an existing installation.
func (s *Store) SetActive(ctx context.Context, userID, pluginID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugin_installations SET is_active = ? WHERE user_id = ? AND plugin_id = ?`,
		boolInt(active), userID, pluginID)
	return affectedOne("set installation active", res, err)
}

// Uninstall removes the installation and its grants.
func (s *Store) Uninstall(ctx context.Context, userID, pluginID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("uninstall plugin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM plugin_installations WHERE user_id = ? AND plugin_id = ?`, userID, pluginID)
	if err := affectedOne("uninstall plugin", res, err); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM plugin_permissions WHERE user_id = ? AND plugin_id = ?`, userID, pluginID); err != nil {
		return dbErr("uninstall plugin", err)
	}
	return dbErr("uninstall plugin", tx.Commit())
}

// SetGrant records whether permission is granted to an installation.
func (s *Store) SetGrant(ctx context.Context, userID, pluginID, permission string, granted bool) error {
	if permission == "" {
		return &ValidationError{Field: "permission", Message: "is required"}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_permissions (user_id, plugin_id, permission, is_granted)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, plugin_id, permission) DO UPDATE SET is_granted = excluded.is_granted`,
		userID, pluginID, permission, boolInt(granted))
	return dbErr("set grant", err)
}
