// ABOUTME: Server configuration loaded from YAML with defaults applied
// ABOUTME: Struct tags are checked with go-playground/validator after loading

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nainya/fhirstore/pkg/index"
)

var validate = validator.New()

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=badger sqlite"`
	Path       string `yaml:"path" validate:"required_without=InMemory"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
	Compress   bool   `yaml:"compress"`
}

// ServerConfig holds listener and rate limit settings.
type ServerConfig struct {
	HTTPPort    int     `yaml:"http_port" validate:"gte=0,lte=65535"`
	GRPCPort    int     `yaml:"grpc_port" validate:"gte=0,lte=65535"`
	MetricsPort int     `yaml:"metrics_port" validate:"gte=0,lte=65535"`
	BaseURL     string  `yaml:"base_url" validate:"omitempty,url"`
	WriteRate   float64 `yaml:"write_rate" validate:"gte=0"`
	WriteBurst  int     `yaml:"write_burst" validate:"gte=0"`
}

// ValidationConfig points at extra CUE profiles.
type ValidationConfig struct {
	ProfileDir string `yaml:"profile_dir"`
}

// LogConfig mirrors logger.Config.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the complete server configuration.
type Config struct {
	Storage       StorageConfig    `yaml:"storage"`
	Server        ServerConfig     `yaml:"server"`
	Validation    ValidationConfig `yaml:"validation"`
	Log           LogConfig        `yaml:"log"`
	ResourceTypes []string         `yaml:"resource_types" validate:"min=1,unique,dive,required"`

	// SearchParams adds or replaces parameters per type on top of the
	// built-in set.
	SearchParams map[string][]index.ParamDef `yaml:"search_params" validate:"dive,dive"`
}

// Default returns a configuration that serves every type with built-in
// search parameters from ./data.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "badger",
			Path:    "./data",
		},
		Server: ServerConfig{
			HTTPPort:    8080,
			GRPCPort:    9090,
			MetricsPort: 9091,
			WriteRate:   100,
			WriteBurst:  200,
		},
		Log:           LogConfig{Level: "info"},
		ResourceTypes: DefaultResourceTypes(),
	}
}

// DefaultResourceTypes lists the types that have built-in search parameters.
func DefaultResourceTypes() []string {
	return index.Types(index.DefaultParams())
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Params merges SearchParams over the built-in definitions. A configured
// parameter replaces a built-in one of the same name.
func (c *Config) Params() map[string][]index.ParamDef {
	defs := index.DefaultParams()
	for t, extra := range c.SearchParams {
		for _, p := range extra {
			replaced := false
			for i, existing := range defs[t] {
				if existing.Name == p.Name {
					defs[t][i] = p
					replaced = true
				}
			}
			if !replaced {
				defs[t] = append(defs[t], p)
			}
		}
	}
	return defs
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %w", errors.Join(msgs...))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
