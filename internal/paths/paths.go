// Package paths resolves the canonical on-disk locations backutil uses for
// its config, password file, logs, socket, pidfile and FUSE mount base,
// following the XDG base-directory conventions with a UID-suffixed fallback
// under /tmp when no XDG runtime directory is advertised.
package paths

import (
	"os"
	"path/filepath"
	"strconv"
)

// ConfigEnvVar overrides the config file path when set.
const ConfigEnvVar = "BACKUTIL_CONFIG"

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return "/tmp"
}

// ConfigDir is ~/.config/backutil.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "backutil")
}

// ConfigPath is the config file path, honoring BACKUTIL_CONFIG.
func ConfigPath() string {
	if p := os.Getenv(ConfigEnvVar); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.toml")
}

// PasswordPath is the restic repository password file, mode 600.
func PasswordPath() string {
	return filepath.Join(ConfigDir(), ".repo_password")
}

// DataDir is ~/.local/share/backutil.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "backutil")
}

// LogPath is the daily-rotated log file base name. Rotated files keep the
// rotator's own naming, a timestamp inserted before the extension
// (backutil-<timestamp>.log, then gzip-compressed), not a ".YYYY-MM-DD"
// suffix.
func LogPath() string {
	return filepath.Join(DataDir(), "backutil.log")
}

// MountBaseDir is ~/.local/share/backutil/mnt.
func MountBaseDir() string {
	return filepath.Join(DataDir(), "mnt")
}

// MountPath is the mount point for a given set's FUSE mount.
func MountPath(setName string) string {
	return filepath.Join(MountBaseDir(), setName)
}

func runtimeDir() (string, bool) {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	return dir, dir != ""
}

// SocketPath is $XDG_RUNTIME_DIR/backutil.sock, falling back to
// /tmp/backutil-<uid>.sock.
func SocketPath() string {
	if dir, ok := runtimeDir(); ok {
		return filepath.Join(dir, "backutil.sock")
	}
	return filepath.Join(os.TempDir(), "backutil-"+strconv.Itoa(os.Getuid())+".sock")
}

// PidPath is $XDG_RUNTIME_DIR/backutil.pid, falling back to
// /tmp/backutil-<uid>.pid.
func PidPath() string {
	if dir, ok := runtimeDir(); ok {
		return filepath.Join(dir, "backutil.pid")
	}
	return filepath.Join(os.TempDir(), "backutil-"+strconv.Itoa(os.Getuid())+".pid")
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if len(path) >= 2 && path[:2] == "~/" {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}
