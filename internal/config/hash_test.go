package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", "bot:\n  prefix: \"!$\"\n")
	b := writeFile(t, dir, "b.yaml", "bot:\n  prefix: \"!#\"\n")

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	if !strings.HasPrefix(fa, "blake3:") || len(fa) != len("blake3:")+64 {
		t.Errorf("Fingerprint() = %q, want blake3:<64 hex>", fa)
	}
	again, _ := Fingerprint(a)
	if again != fa {
		t.Error("fingerprint is not stable")
	}
	fb, _ := Fingerprint(b)
	if fb == fa {
		t.Error("different files share a fingerprint")
	}
}

func TestLockThenLoadVerifies(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "limits:\n  timeout: 5s\n")

	cfg, err := LoadUnverified(path)
	if err != nil {
		t.Fatalf("LoadUnverified() failed: %v", err)
	}
	written, err := Lock(cfg)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if len(written) != 1 || written[0] != filepath.Join(dir, ChecksumFile) {
		t.Fatalf("Lock() wrote %v", written)
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}

	// Tampering is caught.
	if err := os.WriteFile(path, []byte("limits:\n  timeout: 500s\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}

	// LoadUnverified still reads it so it can be re-locked.
	if _, err := LoadUnverified(path); err != nil {
		t.Fatalf("LoadUnverified() failed: %v", err)
	}
}

func TestLoad_FileMissingFromManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "{}\n")
	writeFile(t, dir, ChecksumFile, "version: 1\nhashes:\n  other.yaml: abc\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "no hash") {
		t.Fatalf("Load() error = %v, want missing hash error", err)
	}
}

func TestFingerprintAll_ChangesWithIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "include: [extra.yaml]\n")
	extra := writeFile(t, dir, "extra.yaml", "bot:\n  max_concurrent: 2\n")

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	before, err := FingerprintAll(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(extra, []byte("bot:\n  max_concurrent: 3\n"), 0600); err != nil {
		t.Fatal(err)
	}
	after, _ := FingerprintAll(cfg)
	if before == after {
		t.Error("FingerprintAll() ignored a change in an included file")
	}
}
