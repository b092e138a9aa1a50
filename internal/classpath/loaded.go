package classpath

import (
	"context"
	"fmt"
	"io"
	goruntime "runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jward/kiln/internal/keylock"
	"github.com/jward/kiln/internal/metrics"
	"github.com/jward/kiln/internal/reclaim"
	"github.com/jward/kiln/internal/teardown"
)

type lockSupplier func(ctx context.Context) (io.Closer, error)

// loadedClasspath is the long-lived entry for one load directory.
type loadedClasspath[C any] struct {
	m   *Manager[C]
	dir string

	enumLocks *keylock.Map[string]

	mu          sync.Mutex
	count       int
	closed      bool
	context     reclaim.Ref[C]
	lock        io.Closer
	version     string
	enumerators map[string]*enumerator
	repos       []*repoState
}

// enumerator caches discovery results for one entry point. Its fields are
// guarded by the entry point's lock in enumLocks.
type enumerator struct {
	entryPoint string
	discovered bool
	version    string
	factory    Factory
	repo       *repoState
}

// repoState is the plugin instance shared by every handle of an enumerator.
// count is guarded by the enumerator lock.
type repoState struct {
	name      string
	plugin    Plugin
	count     int
	closeOnce sync.Once
}

// close closes the plugin once. Only the call that closed it sees its error.
func (r *repoState) close(m *metrics.Metrics) (err error) {
	r.closeOnce.Do(func() {
		err = r.plugin.Close()
		m.RepositoryClosed()
	})
	return err
}

// ticket is one unit of a classpath's ref-count. Releasing it is the only way
// to decrement the count, and only the first release counts.
type ticket[C any] struct {
	cp       *loadedClasspath[C]
	released atomic.Bool
}

func (t *ticket[C]) release() error {
	if !t.released.CompareAndSwap(false, true) {
		return nil
	}
	return t.cp.removeLoadCount(1)
}

func newLoadedClasspath[C any](m *Manager[C], dir string) *loadedClasspath[C] {
	return &loadedClasspath[C]{
		m:           m,
		dir:         dir,
		enumLocks:   keylock.New[string](),
		enumerators: make(map[string]*enumerator),
	}
}

// addLoadCount takes a ticket. On the 0->1 transition it acquires the
// resource lock and either revives the previous context, when it survived and
// the version is unchanged, or builds a fresh one.
func (cp *loadedClasspath[C]) addLoadCount(ctx context.Context, supply lockSupplier) (*ticket[C], error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil, ErrClosed
	}
	if cp.count == 0 {
		if err := cp.activateLocked(ctx, supply); err != nil {
			return nil, err
		}
	}
	cp.count++
	return &ticket[C]{cp: cp}, nil
}

func (cp *loadedClasspath[C]) activateLocked(ctx context.Context, supply lockSupplier) error {
	m := cp.m
	lock, err := supply(ctx)
	if err != nil {
		return err
	}
	version, err := m.loader.Version(cp.dir)
	if err != nil {
		_ = lock.Close()
		return fmt.Errorf("classpath: versioning %s: %w", cp.dir, err)
	}

	if c := cp.context.Revive(); c != nil && version == cp.version {
		m.loader.Relock(c, lock)
		m.metrics.ContextAcquired(true)
		m.logger.Debug("Classpath context revived.", "dir", cp.dir, "version", version)
	} else {
		c, err := m.loader.NewContext(cp.dir, lock)
		if err != nil {
			cp.context.Clear()
			_ = lock.Close()
			return fmt.Errorf("classpath: creating context for %s: %w", cp.dir, err)
		}
		goruntime.AddCleanup(c, func(m *metrics.Metrics) { m.ContextReclaimed() }, m.metrics)
		cp.context.Own(c)
		m.metrics.ContextAcquired(false)
		m.logger.Debug("Classpath context created.", "dir", cp.dir, "version", version)
	}
	cp.lock = lock
	cp.version = version
	m.metrics.ClasspathLoaded()
	return nil
}

// removeLoadCount gives back n tickets. At zero every descendant enumerator
// is dropped, the resource lock is released and the context demoted.
func (cp *loadedClasspath[C]) removeLoadCount(n int) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil
	}
	cp.count -= n
	if cp.count > 0 {
		return nil
	}
	if cp.count < 0 {
		panic(fmt.Sprintf("classpath: negative ref-count for %s", cp.dir))
	}
	err := cp.teardownLocked()
	cp.context.Demote()
	cp.m.logger.Debug("Classpath unloaded.", "dir", cp.dir)
	return err
}

// forceClose tears the classpath down regardless of its count and marks it
// closed so outstanding tickets become no-ops.
func (cp *loadedClasspath[C]) forceClose() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil
	}
	cp.closed = true
	var err error
	if cp.count > 0 {
		err = cp.teardownLocked()
	}
	cp.count = 0
	cp.context.Clear()
	return err
}

func (cp *loadedClasspath[C]) teardownLocked() error {
	var errs teardown.Collector
	for _, rs := range cp.repos {
		errs.Add(rs.close(cp.m.metrics))
	}
	cp.repos = nil
	clear(cp.enumerators)
	if cp.lock != nil {
		errs.Add(cp.lock.Close())
		cp.lock = nil
	}
	cp.m.metrics.ClasspathUnloaded()
	return errs.Err()
}

func (cp *loadedClasspath[C]) enumerator(entryPoint string) *enumerator {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	e, ok := cp.enumerators[entryPoint]
	if !ok {
		e = &enumerator{entryPoint: entryPoint}
		cp.enumerators[entryPoint] = e
	}
	return e
}

func (cp *loadedClasspath[C]) current() (*C, string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.context.Get(), cp.version
}

func (cp *loadedClasspath[C]) addRepo(rs *repoState) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.repos = append(cp.repos, rs)
}

func (cp *loadedClasspath[C]) removeRepo(rs *repoState) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if i := slices.Index(cp.repos, rs); i >= 0 {
		cp.repos = slices.Delete(cp.repos, i, i+1)
	}
}

// factoryLocked returns the enumerator's factory, rediscovering only when the
// classpath version moved since the last discovery. Discovery failures are
// logged and treated as no factory. Callers hold the enumerator lock and a
// ticket.
func (cp *loadedClasspath[C]) factoryLocked(ctx context.Context, e *enumerator) Factory {
	c, version := cp.current()
	if e.discovered && e.version == version {
		return e.factory
	}
	logger := cp.m.logger.With("dir", cp.dir, "entry_point", e.entryPoint)

	e.discovered, e.version, e.factory = true, version, nil
	if c == nil {
		return nil
	}
	found, err := cp.m.loader.Discover(ctx, c, e.entryPoint)
	if err != nil {
		logger.Warn("Plugin discovery failed.", "error", err)
		return nil
	}
	if len(found) == 0 {
		logger.Debug("No plugin registered for entry point.")
		return nil
	}
	if len(found) > 1 {
		names := make([]string, len(found))
		for i, f := range found {
			names[i] = f.Name()
		}
		logger.Warn("Multiple plugins registered for entry point, using the first.", "candidates", names)
	}
	e.factory = found[0]
	return e.factory
}

// loadRepository returns a handle to the enumerator's shared plugin,
// instantiating it on first use. The discovery ticket covers the factory
// lookup; the handle carries a ticket of its own.
func (cp *loadedClasspath[C]) loadRepository(ctx context.Context, supply lockSupplier, entryPoint string) (*Handle, error) {
	m := cp.m
	discovery, err := cp.addLoadCount(ctx, supply)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := discovery.release(); err != nil {
			m.logger.Error("Releasing discovery ticket failed.", "dir", cp.dir, "error", err)
		}
	}()

	unlock := cp.enumLocks.Lock(entryPoint)
	defer unlock()

	e := cp.enumerator(entryPoint)
	factory := cp.factoryLocked(ctx, e)
	if factory == nil {
		return nil, nil
	}

	tk, err := cp.addLoadCount(ctx, supply)
	if err != nil {
		return nil, err
	}

	rs := e.repo
	if rs == nil {
		plugin, err := factory.Instantiate(ctx, m.env)
		if err != nil {
			_ = tk.release()
			return nil, &InstantiateError{Factory: factory.Name(), Dir: cp.dir, Err: err}
		}
		rs = &repoState{name: factory.Name(), plugin: plugin}
		e.repo = rs
		cp.addRepo(rs)
		m.metrics.RepositoryOpened()
		m.logger.Debug("Plugin instantiated.", "dir", cp.dir, "entry_point", entryPoint, "plugin", rs.name)
	}
	rs.count++

	release := func() error {
		var errs teardown.Collector
		unlock := cp.enumLocks.Lock(entryPoint)
		rs.count--
		if rs.count == 0 {
			if e.repo == rs {
				e.repo = nil
			}
			cp.removeRepo(rs)
			errs.Add(rs.close(m.metrics))
		}
		unlock()
		errs.Add(tk.release())
		return errs.Err()
	}
	return NewHandle(rs.name, cp.dir, rs.plugin, release), nil
}
