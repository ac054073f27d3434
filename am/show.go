package am

import (
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/teranos/cascade/errors"
)

const redacted = "********"

// Render returns the effective configuration as TOML with secrets masked.
func Render(v *viper.Viper) ([]byte, error) {
	settings := redact(v.AllSettings())
	out, err := toml.Marshal(settings)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render config as TOML")
	}
	return out, nil
}

func redact(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		switch typed := val.(type) {
		case map[string]interface{}:
			if k == "tokens" {
				out[k] = redactKeys(typed)
				continue
			}
			out[k] = redact(typed)
		case string:
			if isSecretKey(k) && typed != "" {
				out[k] = redacted
				continue
			}
			out[k] = typed
		default:
			out[k] = val
		}
	}
	return out
}

// redactKeys masks map keys that are themselves secrets (bearer tokens)
func redactKeys(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		masked := redacted
		if len(k) > 4 {
			masked = k[:4] + redacted
		}
		out[masked] = val
	}
	return out
}

func isSecretKey(key string) bool {
	return key == "api_key" || key == "dsn" || strings.HasSuffix(key, "_token")
}
