package location

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jward/kiln/internal/classpath"
)

// LockFile is the name of the lock file kept inside every load directory.
const LockFile = ".kiln.lock"

const lockPollInterval = 25 * time.Millisecond

// FileLocker pins load directories with a shared advisory lock on
// <dir>/.kiln.lock. Fetching an archive takes the same file exclusively, so
// a directory is never rewritten while another process uses it.
type FileLocker struct{}

var _ classpath.Locker = FileLocker{}

// Lock takes the shared lock for dir, waiting until ctx is done.
func (FileLocker) Lock(ctx context.Context, dir string) (io.Closer, error) {
	return lockDir(ctx, dir, false)
}

// FileLock is a held lock on a directory's lock file.
type FileLock struct {
	f *os.File
}

// Close releases the lock.
func (l *FileLock) Close() error {
	if l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

func lockDir(ctx context.Context, dir string, exclusive bool) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("location: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, LockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("location: opening lock %s: %w", path, err)
	}
	for {
		ok, err := tryLockFile(f, exclusive)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("location: locking %s: %w", path, err)
		}
		if ok {
			return &FileLock{f: f}, nil
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("location: locking %s: %w", path, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}
