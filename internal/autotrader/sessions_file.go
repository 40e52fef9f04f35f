package autotrader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// sessionFile is the YAML layout of a session seed file
type sessionFile struct {
	Sessions []CreateRequest `yaml:"sessions"`
}

// LoadSessionFile reads and validates session definitions from a YAML file
func LoadSessionFile(path string) ([]CreateRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions file: %w", err)
	}

	var f sessionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sessions file: %w", err)
	}

	for i, req := range f.Sessions {
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("session %d (%s): %w", i, req.Symbol, err)
		}
	}
	return f.Sessions, nil
}
