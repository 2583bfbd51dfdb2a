package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// SetEntry writes or replaces KEY=VALUE in a .env file, keeping comments,
// ordering and blank lines. New keys are appended.
func SetEntry(path, key, value string) error {
	line := key + "=" + quoteValue(value)
	return rewrite(path, key, func(lines []string, idx int) []string {
		if idx < 0 {
			return append(lines, line)
		}
		lines[idx] = line
		return lines
	})
}

// RemoveEntry deletes KEY from a .env file. It reports whether the key was
// present.
func RemoveEntry(path, key string) (bool, error) {
	found := false
	err := rewrite(path, key, func(lines []string, idx int) []string {
		if idx < 0 {
			return lines
		}
		found = true
		return append(lines[:idx], lines[idx+1:]...)
	})
	return found, err
}

func rewrite(path, key string, edit func(lines []string, idx int) []string) error {
	lines, err := readLines(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read dotenv: %w", err)
	}
	lines = edit(lines, indexOf(lines, key))
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write dotenv: %w", err)
	}
	return nil
}

func indexOf(lines []string, key string) int {
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		k, _, ok := strings.Cut(trimmed, "=")
		if ok && strings.TrimSpace(k) == key {
			return i
		}
	}
	return -1
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// quoteValue double-quotes values containing whitespace, quotes or
// characters the loader treats specially.
func quoteValue(v string) string {
	if strings.ContainsAny(v, " \t\"'\\#$") {
		escaped := strings.ReplaceAll(v, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	}
	return v
}
