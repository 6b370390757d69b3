package passphrase

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("PASSPHRASE_TEST_ENV", "hunter2")
	src := NewSource("PASSPHRASE_TEST_ENV", "")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("expected env passphrase, got %q", got)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("PASSPHRASE_TEST_ENV", "   ")
	src := NewSource("PASSPHRASE_TEST_ENV", "")
	if _, err := src.Get(); err == nil {
		t.Fatal("expected error for blank env passphrase")
	}
}

func TestSourceReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pass")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	src := NewSource("PASSPHRASE_TEST_UNSET", path)
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "from-file" {
		t.Fatalf("expected file passphrase without newline, got %q", got)
	}
}

func TestSourceRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pass")
	if err := os.WriteFile(path, []byte("\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	src := NewSource("", path)
	if _, err := src.Get(); err == nil {
		t.Fatal("expected error for empty passphrase file")
	}
}

func TestSourceCachesFirstValue(t *testing.T) {
	t.Setenv("PASSPHRASE_TEST_ENV", "first")
	src := NewSource("PASSPHRASE_TEST_ENV", "")
	if _, err := src.Get(); err != nil {
		t.Fatalf("get: %v", err)
	}
	os.Setenv("PASSPHRASE_TEST_ENV", "second")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if got != "first" {
		t.Fatalf("expected cached value, got %q", got)
	}
}
