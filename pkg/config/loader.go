package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors the on-disk timeboxd.yaml shape.
type yamlConfig struct {
	Store       StoreConfig            `yaml:"store"`
	Models      map[string]ModelConfig `yaml:"models"`
	Timeouts    TimeoutsConfig         `yaml:"timeouts"`
	Concurrency ConcurrencyConfig      `yaml:"concurrency"`
	Reconcile   ReconciliationConfig   `yaml:"reconcile"`
	Skeleton    SkeletonConfig         `yaml:"skeleton"`
	Patcher     PatcherConfig          `yaml:"patcher"`
	Retriever   RetrieverConfig        `yaml:"retriever"`
	Calendar    CalendarConfig         `yaml:"calendar"`
	Retention   RetentionConfig        `yaml:"retention"`
	Observer    ObserverConfig         `yaml:"observer"`
	DebugLogDir string                 `yaml:"debug_log_dir"`
}

// Initialize loads timeboxd.yaml from configDir, expands environment
// variables, applies defaults, validates, and returns ready-to-use
// configuration.
//
// Steps:
//  1. Read timeboxd.yaml (ErrConfigNotFound if absent)
//  2. Expand ${VAR} references
//  3. Parse YAML
//  4. Apply defaults for anything left zero-valued
//  5. Validate
func Initialize(configDir string) (*Config, error) {
	path := filepath.Join(configDir, "timeboxd.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(raw)

	var y yamlConfig
	if err := yaml.Unmarshal(expanded, &y); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	cfg := &Config{
		configDir:   configDir,
		Store:       y.Store,
		Models:      y.Models,
		Timeouts:    y.Timeouts,
		Concurrency: y.Concurrency,
		Reconcile:   y.Reconcile,
		Skeleton:    y.Skeleton,
		Patcher:     y.Patcher,
		Retriever:   y.Retriever,
		Calendar:    y.Calendar,
		Retention:   y.Retention,
		Observer:    y.Observer,
		DebugLogDir: y.DebugLogDir,
	}
	if cfg.Models == nil {
		cfg.Models = make(map[string]ModelConfig)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
