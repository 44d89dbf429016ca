package dirs

import (
	"path/filepath"
	"testing"
)

func TestDataDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/share")

	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}

	if dir != filepath.Join("/custom/share", "ringboard") {
		t.Errorf("DataDir = %q", dir)
	}
}

func TestDataDirFallsBackToHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "/home/someone")

	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}

	if dir != "/home/someone/.local/share/ringboard" {
		t.Errorf("DataDir = %q", dir)
	}
}

func TestSocketPathHonorsRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	if got := SocketPath(); got != "/run/user/1000/ringboard.sock" {
		t.Errorf("SocketPath = %q", got)
	}
}
