package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest written by `shellbot config lock`.
const ChecksumFile = ".checksums"

// ChecksumManifest maps config file basenames to BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the hex BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint returns "blake3:<hex>" for the file at path. It is logged at
// startup so operators can tell which config a process is running.
func Fingerprint(path string) (string, error) {
	h, err := ComputeBlake3Hash(path)
	if err != nil {
		return "", err
	}
	return "blake3:" + h, nil
}

// FingerprintAll hashes every source file of cfg together, in load order.
func FingerprintAll(cfg *Config) (string, error) {
	h := blake3.New()
	for _, p := range cfg.SourceFiles {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", p, err)
		}
		_, _ = h.Write([]byte(filepath.Base(p) + "\x00"))
		_, _ = h.Write(data)
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Lock writes a .checksums manifest next to each config file of cfg.
// It returns the manifest paths written.
func Lock(cfg *Config) ([]string, error) {
	byDir := make(map[string][]string)
	var dirs []string
	for _, p := range cfg.SourceFiles {
		dir := filepath.Dir(p)
		if _, ok := byDir[dir]; !ok {
			dirs = append(dirs, dir)
		}
		byDir[dir] = append(byDir[dir], p)
	}

	var written []string
	for _, dir := range dirs {
		manifest := ChecksumManifest{
			Version:     1,
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
			Hashes:      make(map[string]string),
		}
		for _, p := range byDir[dir] {
			h, err := ComputeBlake3Hash(p)
			if err != nil {
				return written, fmt.Errorf("failed to hash %s: %w", p, err)
			}
			manifest.Hashes[filepath.Base(p)] = h
		}

		data, err := yaml.Marshal(manifest)
		if err != nil {
			return written, fmt.Errorf("failed to marshal checksums: %w", err)
		}
		out := filepath.Join(dir, ChecksumFile)
		if err := os.WriteFile(out, data, 0600); err != nil {
			return written, fmt.Errorf("failed to write checksums: %w", err)
		}
		written = append(written, out)
	}
	return written, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		return nil, err
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// verifyChecksums checks each file against the manifest in its directory.
// Directories without a manifest are not verified.
func verifyChecksums(paths []string) error {
	for _, path := range paths {
		dir := filepath.Dir(path)
		manifest, err := LoadChecksums(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("config verification failed for %s: %w", dir, err)
		}

		name := filepath.Base(path)
		expected, ok := manifest.Hashes[name]
		if !ok {
			return fmt.Errorf("config file %s has no hash in %s\n"+
				"Run: shellbot config lock", name, filepath.Join(dir, ChecksumFile))
		}
		actual, err := ComputeBlake3Hash(path)
		if err != nil {
			return err
		}
		if actual != expected {
			return fmt.Errorf("config verification failed for %s: hash mismatch\n"+
				"If you edited this file intentionally, run: shellbot config lock", path)
		}
	}
	return nil
}
