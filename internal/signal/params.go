package signal

import (
	"github.com/rs/zerolog/log"
)

// extractInt reads an integer parameter, accepting JSON and YAML number forms
func extractInt(params map[string]interface{}, key string, defaultValue int) int {
	raw, ok := params[key]
	if !ok {
		return defaultValue
	}

	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		log.Warn().
			Str("key", key).
			Interface("value", raw).
			Msg("Invalid integer parameter, using default")
		return defaultValue
	}
}

// extractFloat reads a float parameter
func extractFloat(params map[string]interface{}, key string, defaultValue float64) float64 {
	raw, ok := params[key]
	if !ok {
		return defaultValue
	}

	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		log.Warn().
			Str("key", key).
			Interface("value", raw).
			Msg("Invalid float parameter, using default")
		return defaultValue
	}
}
