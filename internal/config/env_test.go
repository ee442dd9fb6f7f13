package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nBILI_SYNC_TEST_A=plain\nBILI_SYNC_TEST_B=\"quoted\"\n\nBILI_SYNC_TEST_C='single'\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("BILI_SYNC_TEST_A")
		os.Unsetenv("BILI_SYNC_TEST_B")
		os.Unsetenv("BILI_SYNC_TEST_C")
	})

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("BILI_SYNC_TEST_A"); got != "plain" {
		t.Fatalf("A = %q, want plain", got)
	}
	if got := os.Getenv("BILI_SYNC_TEST_B"); got != "quoted" {
		t.Fatalf("B = %q, want quoted (quotes stripped)", got)
	}
	if got := os.Getenv("BILI_SYNC_TEST_C"); got != "single" {
		t.Fatalf("C = %q, want single (quotes stripped)", got)
	}
}

func TestLoadEnvFileMissingIsNotError(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "does-not-exist.env")); err != nil {
		t.Fatalf("LoadEnvFile on missing file: %v", err)
	}
}
