// Package classpath loads plugin code and shares it between builds.
//
// A Location names a source of plugin code and resolves to a load directory.
// Every load directory gets one long-lived loadedClasspath entry which holds a
// code-loading context while at least one ticket references it. When the last
// ticket is released the resource lock is dropped and the context becomes
// reclaimable: the garbage collector may destroy it, but if it survives and
// the directory version is unchanged the next load revives it instead of
// building a fresh one.
//
// Inside a classpath, each entry point has an enumerator caching the
// discovered Factory and at most one live plugin instance shared by every
// Handle for that entry point.
//
// Lock order is: per-directory lock, then enumerator lock, then the classpath
// mutex. Ticket release only takes the classpath mutex.
package classpath

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrClosed is returned when loading from a manager that has been closed.
var ErrClosed = errors.New("classpath: manager is closed")

// Location identifies a source of plugin code.
type Location interface {
	// Identifier is a human readable description used in logs and errors.
	Identifier() string
	// Directory resolves the location to its normalized load directory.
	Directory() (string, error)
	// Fetch makes the location contents available in dir.
	Fetch(ctx context.Context, dir string) error
}

// Locker acquires the resource lock that pins a load directory while a
// classpath is in use.
type Locker interface {
	Lock(ctx context.Context, dir string) (io.Closer, error)
}

// LockerFunc adapts a function to Locker.
type LockerFunc func(ctx context.Context, dir string) (io.Closer, error)

// Lock calls f.
func (f LockerFunc) Lock(ctx context.Context, dir string) (io.Closer, error) {
	return f(ctx, dir)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NopLocker hands out locks that do nothing.
var NopLocker Locker = LockerFunc(func(context.Context, string) (io.Closer, error) {
	return nopCloser{}, nil
})

// Env is what a plugin sees of the environment that instantiates it.
type Env interface {
	ID() string
	UserParameters() map[string]string
}

// Plugin is a live plugin instance. Close runs exactly once, when the last
// handle sharing the instance is closed.
type Plugin interface {
	io.Closer
}

// Factory creates plugin instances for one entry point.
type Factory interface {
	Name() string
	Instantiate(ctx context.Context, env Env) (Plugin, error)
}

// Loader builds and inspects code-loading contexts of type C.
type Loader[C any] interface {
	// Version fingerprints the contents of dir. A changed version forces a
	// fresh context.
	Version(dir string) (string, error)
	// NewContext builds a code-loading context rooted at dir, pinned by lock.
	NewContext(dir string, lock io.Closer) (*C, error)
	// Relock points a revived context at a newly acquired lock.
	Relock(c *C, lock io.Closer)
	// Discover lists the factories registered for entryPoint, in order.
	Discover(ctx context.Context, c *C, entryPoint string) ([]Factory, error)
}

// InstantiateError reports a factory that failed to create its plugin.
type InstantiateError struct {
	Factory string
	Dir     string
	Err     error
}

func (e *InstantiateError) Error() string {
	return fmt.Sprintf("classpath: instantiating %s from %s: %v", e.Factory, e.Dir, e.Err)
}

func (e *InstantiateError) Unwrap() error {
	return e.Err
}
