// Package pidfile enforces one registration agent per node.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var ErrRunning = errors.New("another instance is running")

// Write records the current pid at path with 0600 permissions. A file left by
// a process that is no longer alive is replaced.
func Write(path string) error {
	if pid, err := Read(path); err == nil && pid != os.Getpid() && alive(pid) {
		return fmt.Errorf("%w (pid %d, %s)", ErrRunning, pid, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}

func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Remove deletes path if it still holds our pid.
func Remove(path string) error {
	pid, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return os.Remove(path)
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
