package passphrase

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func nonTerminal(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "stdin"))
	if err != nil {
		t.Fatalf("create stdin: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("HELPERCTL_TEST_SECRET", "  from-env  ")
	src := NewSource("HELPERCTL_TEST_SECRET", "auth secret")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("expected trimmed env value, got %q", got)
	}

	t.Setenv("HELPERCTL_TEST_SECRET", "changed")
	if again, _ := src.Get(); again != "from-env" {
		t.Fatalf("expected cached value, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("HELPERCTL_TEST_SECRET", "   ")
	_, err := NewSource("HELPERCTL_TEST_SECRET", "auth secret").Get()
	if err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected blank env error, got %v", err)
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	src := NewSource("HELPERCTL_TEST_UNSET_SECRET", "auth secret")
	src.stdin = nonTerminal(t)
	_, err := src.Get()
	if err == nil || !strings.Contains(err.Error(), "HELPERCTL_TEST_UNSET_SECRET") {
		t.Fatalf("expected hint naming the variable, got %v", err)
	}
}
