package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// checksumsFile sits next to castellan.yaml.
const checksumsFile = ".checksums"

// ErrNoManifest means no checksum manifest exists yet.
var ErrNoManifest = errors.New("no checksum manifest")

// ChecksumManifest records the expected BLAKE3 hash of the config file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeHash computes the BLAKE3 hash of a file.
func ComputeHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WriteChecksums hashes configPath and writes the manifest next to it.
// Run after every deliberate config edit (`castellan config
// hash-update`).
func WriteChecksums(configPath string) error {
	hash, err := ComputeHash(configPath)
	if err != nil {
		return err
	}
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(configPath): hash},
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode checksum manifest: %w", err)
	}
	target := manifestPath(configPath)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

// VerifyChecksums compares configPath against the manifest. A missing
// manifest returns ErrNoManifest so callers can warn instead of fail;
// a mismatch is always an error and the caller decides (per
// integrity.enforce) whether it is fatal.
func VerifyChecksums(configPath string) error {
	data, err := os.ReadFile(manifestPath(configPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w at %s; run 'castellan config hash-update'", ErrNoManifest, manifestPath(configPath))
		}
		return fmt.Errorf("read checksum manifest: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse checksum manifest: %w", err)
	}

	name := filepath.Base(configPath)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("%s is not in the checksum manifest; run 'castellan config hash-update'", name)
	}

	actual, err := ComputeHash(configPath)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s (edit detected; run 'castellan config hash-update' if intentional)",
			name, expected, actual)
	}
	return nil
}

func manifestPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), checksumsFile)
}
