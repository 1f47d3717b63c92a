package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBaseDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOCGEN_HOME", dir)

	got, err := BaseDir()
	if err != nil {
		t.Fatalf("BaseDir failed: %v", err)
	}
	if got != dir {
		t.Errorf("BaseDir mismatch: got %q, want %q", got, dir)
	}

	store, err := DefaultStorePath()
	if err != nil {
		t.Fatalf("DefaultStorePath failed: %v", err)
	}
	if store != filepath.Join(dir, "store.json") {
		t.Errorf("DefaultStorePath mismatch: got %q", store)
	}
}

func TestConfigPathPrefersGlobalYAMLWhenNoLocal(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DOCGEN_HOME", home)

	work := t.TempDir()
	old, _ := os.Getwd()
	if err := os.Chdir(work); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	defer os.Chdir(old)

	got, err := ConfigPath()
	if err != nil || got != "" {
		t.Fatalf("expected no config, got %q (%v)", got, err)
	}

	want := filepath.Join(home, "docgen.yaml")
	if err := os.WriteFile(want, []byte("models: []\n"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err = ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath failed: %v", err)
	}
	if got != want {
		t.Errorf("ConfigPath mismatch: got %q, want %q", got, want)
	}

	if err := os.WriteFile(filepath.Join(work, "docgen.toml"), []byte(""), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, _ = ConfigPath()
	if filepath.Base(got) != "docgen.toml" || filepath.Dir(got) == home {
		t.Errorf("local config should win, got %q", got)
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandTilde("~/notes")
	if err != nil {
		t.Fatalf("ExpandTilde failed: %v", err)
	}
	if got != filepath.Join(home, "notes") {
		t.Errorf("ExpandTilde mismatch: got %q", got)
	}
	if got, _ := ExpandTilde("/abs"); got != "/abs" {
		t.Errorf("absolute path changed: %q", got)
	}
}
