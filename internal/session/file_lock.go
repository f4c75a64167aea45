package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// ErrLocked is returned when another process keeps the session lock past
// the timeout.
var ErrLocked = errors.New("session file is locked")

const lockPoll = 25 * time.Millisecond

// lockHolder is recorded in the lock file while it is held.
type lockHolder struct {
	PID       int       `yaml:"pid"`
	Operation string    `yaml:"operation"`
	Since     time.Time `yaml:"since"`
}

// fileLock is an flock on "<target>.lock", held while the session file is
// rewritten or removed.
type fileLock struct {
	file *os.File
}

func lockPath(target string) string { return target + ".lock" }

// acquireLock blocks until the lock for target is free or timeout passes.
func acquireLock(target, operation string, timeout time.Duration) (*fileLock, error) {
	path := lockPath(target)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			file.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			holder := readHolder(file)
			file.Close()
			if holder.PID == 0 {
				return nil, fmt.Errorf("%w after %v", ErrLocked, timeout)
			}
			return nil, fmt.Errorf("%w by pid %d (%s) since %s",
				ErrLocked, holder.PID, holder.Operation, holder.Since.Format(time.RFC3339))
		}
		time.Sleep(lockPoll)
	}

	l := &fileLock{file: file}
	if err := l.record(lockHolder{PID: os.Getpid(), Operation: operation, Since: time.Now()}); err != nil {
		l.release()
		return nil, fmt.Errorf("record lock holder: %w", err)
	}
	return l, nil
}

func (l *fileLock) record(h lockHolder) error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := yaml.NewEncoder(l.file).Encode(h); err != nil {
		return err
	}
	return l.file.Sync()
}

// release drops the flock and leaves the lock file in place. Releasing
// twice is a no-op.
func (l *fileLock) release() error {
	if l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	if err := unix.Flock(int(file.Fd()), unix.LOCK_UN); err != nil {
		file.Close()
		return fmt.Errorf("unlock: %w", err)
	}
	return file.Close()
}

func readHolder(file *os.File) lockHolder {
	var h lockHolder
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return h
	}
	_ = yaml.NewDecoder(file).Decode(&h)
	return h
}

// withLock runs fn while holding the lock for target.
func withLock(target, operation string, timeout time.Duration, fn func() error) error {
	l, err := acquireLock(target, operation, timeout)
	if err != nil {
		return err
	}
	defer l.release()
	return fn()
}
