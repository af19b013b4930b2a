package cli

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvLoaderLoadsRequestedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skim.env")
	if err := os.WriteFile(path, []byte("SKIM_TEST_VALUE=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv(EnvFileVar, "")
	t.Setenv("SKIM_TEST_VALUE", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, ".env", "")
	if err := fs.Parse([]string{"--env", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	loaded, err := loader.Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded != path {
		t.Fatalf("expected %s, got %s", path, loaded)
	}
	if got := os.Getenv("SKIM_TEST_VALUE"); got != "from-file" {
		t.Fatalf("expected SKIM_TEST_VALUE=from-file, got %q", got)
	}
}

func TestEnvLoaderReportsMissingFile(t *testing.T) {
	t.Setenv(EnvFileVar, "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, filepath.Join(t.TempDir(), "absent.env"), "")
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	_, err := loader.Load()
	if !errors.Is(err, ErrEnvFileMissing) {
		t.Fatalf("expected ErrEnvFileMissing, got %v", err)
	}
}
