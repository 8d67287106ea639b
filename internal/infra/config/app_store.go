package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
)

// AppConfigStore holds the canonical application configuration and persists changes via a callback.
type AppConfigStore struct {
	mu      sync.RWMutex
	cfg     AppConfig
	persist func(AppConfig) error
}

// NewAppConfigStore constructs a configuration store seeded with the supplied configuration snapshot.
func NewAppConfigStore(initial AppConfig, persist func(AppConfig) error) (*AppConfigStore, error) {
	clone := initial.Clone()
	if err := clone.normalise(); err != nil {
		return nil, err
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &AppConfigStore{mu: sync.RWMutex{}, cfg: clone, persist: persist}, nil
}

// Snapshot returns a deep copy of the current application configuration.
func (s *AppConfigStore) Snapshot() AppConfig {
	if s == nil {
		return DefaultAppConfig()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// SetRisk replaces the risk section after validating it.
func (s *AppConfigStore) SetRisk(cfg RiskConfig) error {
	if s == nil {
		return nil
	}
	normalized := cfg
	normalized.applyDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if reflect.DeepEqual(s.cfg.Risk, normalized) {
		return nil
	}

	updated := s.cfg.Clone()
	updated.Risk = normalized
	if err := updated.Validate(); err != nil {
		return err
	}
	return s.commitLocked(updated)
}

// Replace swaps the entire application configuration snapshot.
func (s *AppConfigStore) Replace(cfg AppConfig) error {
	if s == nil {
		return nil
	}
	updated := cfg.Clone()
	if err := updated.normalise(); err != nil {
		return err
	}
	if err := updated.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reflect.DeepEqual(s.cfg, updated) {
		s.cfg = updated
		return nil
	}
	return s.commitLocked(updated)
}

func (s *AppConfigStore) commitLocked(updated AppConfig) error {
	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return err
		}
	}
	s.cfg = updated
	return nil
}

// FilePersister returns a persist callback that rewrites path atomically.
func FilePersister(path string) func(AppConfig) error {
	return func(cfg AppConfig) error {
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		dir := filepath.Dir(path)
		tmp, err := os.CreateTemp(dir, ".app-config-*.yaml")
		if err != nil {
			return fmt.Errorf("persist config: %w", err)
		}
		if _, err := tmp.Write(out); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("persist config: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("persist config: %w", err)
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("persist config: %w", err)
		}
		return nil
	}
}
