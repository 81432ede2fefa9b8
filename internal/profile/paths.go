package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.swoon, or $SWOON_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("SWOON_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".swoon")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the UDS socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the local-mode swoon.db path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "swoon.db")
}

// ConfigPath returns the per-profile swoon.toml path.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "swoon.toml")
}

// EnvPath returns the per-profile .env path holding credentials.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "swoond.log")
}

// GlobalConfigPath returns the global config file path.
func GlobalConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
