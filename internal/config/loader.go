package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads configPath, layers it over Defaults, applies environment
// overrides and validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: check the path or run with --config", absPath)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of
// the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASTELLAN_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("CASTELLAN_INGEST_HMAC_SECRET"); v != "" {
		cfg.API.IngestHMACSecret = v
	}
}

// DiscoverConfigPath finds castellan.yaml by checking standard
// locations: $CASTELLAN_CONFIG, /etc/castellan/castellan.yaml, then
// ./castellan.yaml.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("CASTELLAN_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	for _, path := range []string{"/etc/castellan/castellan.yaml", "./castellan.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $CASTELLAN_CONFIG, /etc/castellan/castellan.yaml, ./castellan.yaml)")
}
