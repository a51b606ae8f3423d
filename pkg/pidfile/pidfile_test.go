package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "vdsm-reg.pid")
	if err := Write(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
	pid, err := Read(path)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("read pid %d, err %v", pid, err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pid file still present")
	}
	if err := Remove(path); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestWriteRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vdsm-reg.pid")
	// pid 1 always exists.
	if err := os.WriteFile(path, []byte("1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Write(path); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("remove deleted a pid file owned by another process")
	}
}

func TestWriteReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vdsm-reg.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(1<<22+7)+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Write(path); err != nil {
		t.Fatalf("write over stale file: %v", err)
	}
}
