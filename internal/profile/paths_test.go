package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/swoon/internal/config"
)

func TestDir(t *testing.T) {
	base := t.TempDir()
	t.Setenv("SWOON_HOME", base)

	if got, want := Dir("main"), filepath.Join(base, "profiles", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestPaths(t *testing.T) {
	base := t.TempDir()
	t.Setenv("SWOON_HOME", base)
	dir := filepath.Join(base, "profiles", "test")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join(dir, "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join(dir, "LOCK")},
		{"db", DBPath("test"), filepath.Join(dir, "swoon.db")},
		{"config", ConfigPath("test"), filepath.Join(dir, "swoon.toml")},
		{"env", EnvPath("test"), filepath.Join(dir, ".env")},
		{"log", LogPath("test"), filepath.Join(dir, "logs", "swoond.log")},
		{"global", GlobalConfigPath(), filepath.Join(base, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s path = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("SWOON_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("SWOON_HOME", t.TempDir())

	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultName)
	}
	if err := config.Save(GlobalConfigPath(), &config.Global{DefaultProfile: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() with config = %q, want work", got)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q, want other", got)
	}
}
