package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func unsetAfter(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		k := k
		t.Cleanup(func() { _ = os.Unsetenv(k) })
	}
}

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"DOTENV_FROM_FILE=loaded\n" +
		"DOTENV_QUOTED=\"hello world\"\n" +
		"export DOTENV_EXPORTED=ok\n" +
		"DOTENV_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("DOTENV_EXISTING", "already_set")
	unsetAfter(t, "DOTENV_FROM_FILE", "DOTENV_QUOTED", "DOTENV_EXPORTED")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("DOTENV_FROM_FILE"); got != "loaded" {
		t.Fatalf("DOTENV_FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("DOTENV_QUOTED"); got != "hello world" {
		t.Fatalf("DOTENV_QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("DOTENV_EXPORTED"); got != "ok" {
		t.Fatalf("DOTENV_EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("DOTENV_EXISTING"); got != "already_set" {
		t.Fatalf("DOTENV_EXISTING=%q, want existing value preserved", got)
	}
}

func TestLoadFiles_EarlierFileWins(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, ".env")
	second := filepath.Join(dir, "nova_sonic.env")
	if err := os.WriteFile(first, []byte("DOTENV_REGION=us-west-2\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(second, []byte("DOTENV_REGION=eu-north-1\nDOTENV_MODEL=amazon.nova-sonic-v1:0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	unsetAfter(t, "DOTENV_REGION", "DOTENV_MODEL")

	if err := LoadFiles(first, filepath.Join(dir, "missing.env"), second); err != nil {
		t.Fatalf("LoadFiles error: %v", err)
	}
	if got := os.Getenv("DOTENV_REGION"); got != "us-west-2" {
		t.Fatalf("DOTENV_REGION=%q, want us-west-2", got)
	}
	if got := os.Getenv("DOTENV_MODEL"); got != "amazon.nova-sonic-v1:0" {
		t.Fatalf("DOTENV_MODEL=%q", got)
	}
}
