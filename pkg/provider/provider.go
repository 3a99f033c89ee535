// Package provider loads provider definitions from ~/.aiw/providers.json.
// A provider maps an AI CLI to the environment variables it needs
// (endpoints, API keys). The supervisor consumes providers opaquely: it
// merges the env map into the child's environment.
package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aiw-dev/aiw/pkg/config"
)

const providersFile = "providers.json"

// Provider describes one configured provider.
type Provider struct {
	AIType string            `json:"aiType,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// Store holds the loaded provider definitions.
type Store struct {
	providers map[string]Provider
}

// Load reads ~/.aiw/providers.json. A missing file yields an empty store —
// providers are optional.
func Load() (*Store, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(dir, providersFile))
}

// LoadFrom reads provider definitions from an explicit path.
func LoadFrom(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{providers: map[string]Provider{}}, nil
		}
		return nil, config.NewLoadError(path, err)
	}

	var providers map[string]Provider
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, config.NewLoadError(path, fmt.Errorf("%w: %v", config.ErrInvalidJSON, err))
	}
	return &Store{providers: providers}, nil
}

// Get looks up a provider by name.
func (s *Store) Get(name string) (Provider, error) {
	p, exists := s.providers[name]
	if !exists {
		return Provider{}, fmt.Errorf("%w: %s", config.ErrProviderNotFound, name)
	}
	return p, nil
}

// Names returns the configured provider names.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	return names
}
