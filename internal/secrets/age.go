// Package secrets seals configuration values with age so that rate limit
// credentials and the frame token secret never sit in plaintext on disk.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/dohr-michael/newgate/internal/config"
)

const (
	encPrefix = "ENC[age:"
	encSuffix = "]"
)

// ErrNoIdentity is returned when a sealed value is met without a key.
var ErrNoIdentity = errors.New("sealed value found but no age identity is loaded")

// KeyPath returns the default age key file path: $NEWGATE_PATH/.age-key.
func KeyPath() string {
	return filepath.Join(config.NewgatePath(), ".age-key")
}

// Box seals and opens ENC[age:...] values with a single X25519 identity.
type Box struct {
	identity *age.X25519Identity
}

// NewBox wraps an existing identity.
func NewBox(identity *age.X25519Identity) *Box {
	return &Box{identity: identity}
}

// OpenBox loads the identity at path, generating it first when create is
// set and the file does not exist.
func OpenBox(path string, create bool) (*Box, error) {
	if create {
		if err := GenerateIdentity(path); err != nil {
			return nil, err
		}
	}
	id, err := LoadIdentity(path)
	if err != nil {
		return nil, err
	}
	return NewBox(id), nil
}

// Recipient returns the public key values are sealed to.
func (b *Box) Recipient() string {
	return b.identity.Recipient().String()
}

// Seal encrypts plaintext into an ENC[age:...] blob.
func (b *Box) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}
	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + encSuffix, nil
}

// Open decrypts an ENC[age:...] blob.
func (b *Box) Open(blob string) (string, error) {
	if !IsEncrypted(blob) {
		return "", fmt.Errorf("not an encrypted blob")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob[len(encPrefix) : len(blob)-len(encSuffix)])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), b.identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted: %w", err)
	}
	return string(plain), nil
}

// Reveal returns s unchanged unless it is sealed, in which case it is
// opened. A nil Box can only reveal plaintext.
func (b *Box) Reveal(s string) (string, error) {
	if !IsEncrypted(s) {
		return s, nil
	}
	if b == nil {
		return "", ErrNoIdentity
	}
	return b.Open(s)
}

// GenerateIdentity creates an X25519 key pair and writes it to path with
// 0o600. An existing file is left untouched.
func GenerateIdentity(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}

	content := fmt.Sprintf("# created by newgate\n# public key: %s\n%s\n",
		identity.Recipient().String(), identity.String())

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write age key: %w", err)
	}
	return nil
}

// LoadIdentity reads the first X25519 identity from path.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", path)
	}
	id, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("unexpected identity type in %s", path)
	}
	return id, nil
}

// IsEncrypted reports whether s is an ENC[age:...] blob.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix) && strings.HasSuffix(s, encSuffix)
}
