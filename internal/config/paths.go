package config

import (
	"os"
	"path/filepath"
)

// NewgatePath returns the root directory for Newgate data.
// It uses $NEWGATE_PATH if set, otherwise defaults to ~/.newgate.
func NewgatePath() string {
	if v := os.Getenv("NEWGATE_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".newgate")
	}
	return filepath.Join(home, ".newgate")
}

// ConfigPath returns the path to the Newgate config file.
func ConfigPath() string {
	return filepath.Join(NewgatePath(), "config.jsonc")
}

// DotenvPath returns the path to the Newgate .env file.
func DotenvPath() string {
	return filepath.Join(NewgatePath(), ".env")
}
