// Package lock keeps a single swoond per profile. The lock file names the
// owning daemon so a second start can point at the one already serving.
package lock

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Owner is the daemon recorded in a profile's lock file.
type Owner struct {
	PID     int
	Socket  string
	Started time.Time
}

// HeldError reports that another swoond already serves the profile.
type HeldError struct {
	Owner
	Path string
}

func (e *HeldError) Error() string {
	if e.Socket != "" {
		return fmt.Sprintf("profile already served by swoond pid %d on %s (lock %s)", e.PID, e.Socket, e.Path)
	}
	return fmt.Sprintf("profile already served by swoond pid %d (lock %s)", e.PID, e.Path)
}

// Lock is a held profile lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire flocks path without blocking and records this process as the
// owner serving socket.
func Acquire(path, socket string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := readOwner(f)
		_ = f.Close()
		return nil, &HeldError{Owner: owner, Path: path}
	}

	owner := Owner{PID: os.Getpid(), Socket: socket, Started: time.Now().UTC()}
	if err := writeOwner(f, owner); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock owner: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the file. A nil lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nsocket=%s\nstarted=%s\n", o.PID, o.Socket, o.Started.Format(time.RFC3339))
	return err
}

func readOwner(f *os.File) Owner {
	var o Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(val)
		case "socket":
			o.Socket = val
		case "started":
			o.Started, _ = time.Parse(time.RFC3339, val)
		}
	}
	return o
}
