// Package manifest loads plugin catalog manifests. A manifest declares the
// plugin id, the page the sandboxed frame loads and the permissions the
// plugin asks users to grant.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/newgate/internal/permissions"
	"github.com/dohr-michael/newgate/internal/pluginid"
	"github.com/dohr-michael/newgate/internal/store"
)

// Manifest describes a plugin listing.
type Manifest struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	SourceURL   string   `json:"source_url" yaml:"source_url"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	AuthorID    string   `json:"author_id,omitempty" yaml:"author_id,omitempty"`
	Published   bool     `json:"published" yaml:"published"`
}

// Load reads a manifest. The format follows the extension: .yaml and .yml
// are YAML, .json and .jsonc are JSON with comments.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates manifest data of the given extension.
func Parse(data []byte, ext string) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json", ".jsonc":
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("parse jsonc: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(std))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest extension %q", ext)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate normalizes the id and permissions and reports every problem.
func (m *Manifest) Validate() error {
	var errs []error

	id, err := pluginid.Parse(m.ID)
	if err != nil {
		errs = append(errs, fmt.Errorf("id: %w", err))
	} else {
		m.ID = string(id)
	}
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if err := checkSourceURL(m.SourceURL); err != nil {
		errs = append(errs, fmt.Errorf("source_url: %w", err))
	}

	perms := make([]string, 0, len(m.Permissions))
	for _, p := range m.Permissions {
		p = strings.TrimSpace(p)
		if !permissions.IsPermission(p) {
			errs = append(errs, fmt.Errorf("permissions: unknown permission %q", p))
			continue
		}
		if !slices.Contains(perms, p) {
			perms = append(perms, p)
		}
	}
	slices.Sort(perms)
	m.Permissions = perms

	return errors.Join(errs...)
}

// Plugin converts m into a catalog row.
func (m *Manifest) Plugin() store.Plugin {
	return store.Plugin{
		PluginID:    m.ID,
		Name:        m.Name,
		Description: m.Description,
		SourceURL:   m.SourceURL,
		Permissions: slices.Clone(m.Permissions),
		AuthorID:    m.AuthorID,
		Published:   m.Published,
	}
}

// LoadDir loads every manifest in dir, skipping files of other types.
// Duplicate ids are an error.
func LoadDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}
	var out []*Manifest
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !supported(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		m, err := Load(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("plugin %q declared by both %s and %s", m.ID, prev, path)
		}
		seen[m.ID] = path
		out = append(out, m)
	}
	return out, nil
}

func supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json", ".jsonc":
		return true
	}
	return false
}

func checkSourceURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) url", raw)
	}
	return nil
}
