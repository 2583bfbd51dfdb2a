package secrets

import (
	"fmt"

	"github.com/dohr-michael/newgate/internal/config"
)

// HasSealed reports whether any secret-bearing field of cfg is sealed.
func HasSealed(cfg *config.Config) bool {
	for _, f := range sealedFields(cfg) {
		if IsEncrypted(*f.value) {
			return true
		}
	}
	return false
}

// ResolveConfig opens every sealed secret-bearing field of cfg in place.
func ResolveConfig(cfg *config.Config, box *Box) error {
	for _, f := range sealedFields(cfg) {
		plain, err := box.Reveal(*f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = plain
	}
	return nil
}

type sealedField struct {
	name  string
	value *string
}

func sealedFields(cfg *config.Config) []sealedField {
	return []sealedField{
		{"rate_limit.url", &cfg.RateLimit.URL},
		{"rate_limit.token", &cfg.RateLimit.Token},
		{"bridge.frame_token_secret", &cfg.Bridge.FrameTokenSecret},
	}
}
