// Package pluginid validates plugin identifiers before they reach storage
// keys, rate-limit keys or URL path segments.
package pluginid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLength is the longest identifier accepted.
const MaxLength = 64

var pattern = regexp.MustCompile(`^[a-z0-9]+(?:[.-][a-z0-9]+)*$`)

var reserved = map[string]struct{}{
	"system":  {},
	"admin":   {},
	"host":    {},
	"sandbox": {},
	"newgate": {},
	"core":    {},
}

// ErrInvalid is returned by Parse for identifiers that fail validation.
var ErrInvalid = errors.New("invalid plugin id")

// ID is a validated, normalized plugin identifier.
type ID string

func (id ID) String() string { return string(id) }

// Normalize trims surrounding whitespace and lowercases raw.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// IsValid reports whether candidate is an acceptable plugin identifier.
// It does not normalize; callers pass the output of Normalize.
func IsValid(candidate string) bool {
	if candidate == "" || len(candidate) > MaxLength {
		return false
	}
	if IsReserved(candidate) {
		return false
	}
	return pattern.MatchString(candidate)
}

// IsReserved reports whether candidate is a name kept for the platform.
func IsReserved(candidate string) bool {
	_, ok := reserved[candidate]
	return ok
}

// Parse normalizes raw and validates it.
func Parse(raw string) (ID, error) {
	id := Normalize(raw)
	if !IsValid(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return ID(id), nil
}
