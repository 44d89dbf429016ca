// Package dirs resolves ringboard's filesystem locations from the
// environment following the XDG base directory conventions.
package dirs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DataDir returns the database directory: $XDG_DATA_HOME/ringboard or
// ~/.local/share/ringboard.
func DataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "ringboard"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "ringboard"), nil
}

// SocketPath returns the server socket path: $XDG_RUNTIME_DIR/ringboard.sock
// with a per-user /tmp fallback when no runtime dir is available.
func SocketPath() string {
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		return filepath.Join(runtime, "ringboard.sock")
	}

	return filepath.Join(os.TempDir(), "ringboard-"+strconv.Itoa(os.Getuid())+".sock")
}
