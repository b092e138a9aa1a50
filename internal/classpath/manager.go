package classpath

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jward/kiln/internal/keylock"
	"github.com/jward/kiln/internal/metrics"
	"github.com/jward/kiln/internal/teardown"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	locker  Locker
	env     Env
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// WithLocker sets the resource locker. The default locker does nothing.
func WithLocker(l Locker) Option {
	return func(o *options) { o.locker = l }
}

// WithEnv sets the environment handed to factories.
func WithEnv(env Env) Option {
	return func(o *options) { o.env = env }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Manager caches loaded classpaths by load directory.
type Manager[C any] struct {
	loader  Loader[C]
	locker  Locker
	env     Env
	logger  *slog.Logger
	metrics *metrics.Metrics

	locks   *keylock.Map[string]
	mu      sync.Mutex
	entries map[string]*loadedClasspath[C]
	closed  atomic.Bool
}

// New creates a Manager using loader to build contexts.
func New[C any](loader Loader[C], opts ...Option) *Manager[C] {
	o := options{locker: NopLocker, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[C]{
		loader:  loader,
		locker:  o.locker,
		env:     o.env,
		logger:  o.logger,
		metrics: o.metrics,
		locks:   keylock.New[string](),
		entries: make(map[string]*loadedClasspath[C]),
	}
}

// Load returns a handle to the plugin registered for entryPoint in loc. It
// returns nil, nil when loc has no such entry point.
func (m *Manager[C]) Load(ctx context.Context, loc Location, entryPoint string) (*Handle, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	dir, err := loc.Directory()
	if err != nil {
		return nil, fmt.Errorf("classpath: resolving %s: %w", loc.Identifier(), err)
	}
	cp, err := m.loadClasspath(dir)
	if err != nil {
		return nil, err
	}
	supplier := func(ctx context.Context) (io.Closer, error) {
		if err := loc.Fetch(ctx, dir); err != nil {
			return nil, err
		}
		return m.locker.Lock(ctx, dir)
	}
	return cp.loadRepository(ctx, supplier, entryPoint)
}

// RefCount reports the ticket count of the classpath loaded from dir.
func (m *Manager[C]) RefCount(dir string) int {
	m.mu.Lock()
	cp, ok := m.entries[dir]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.count
}

// Loaded reports how many classpaths currently hold a context.
func (m *Manager[C]) Loaded() int {
	m.mu.Lock()
	cps := make([]*loadedClasspath[C], 0, len(m.entries))
	for _, cp := range m.entries {
		cps = append(cps, cp)
	}
	m.mu.Unlock()

	n := 0
	for _, cp := range cps {
		cp.mu.Lock()
		if cp.count > 0 {
			n++
		}
		cp.mu.Unlock()
	}
	return n
}

// Close tears down every classpath, closing any plugin still alive and
// releasing every resource lock. All failures are reported together. Handles
// closed afterwards do nothing. Close is idempotent.
func (m *Manager[C]) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	cps := make([]*loadedClasspath[C], 0, len(m.entries))
	for _, cp := range m.entries {
		cps = append(cps, cp)
	}
	m.mu.Unlock()
	slices.SortFunc(cps, func(a, b *loadedClasspath[C]) int { return strings.Compare(a.dir, b.dir) })

	var errs teardown.Collector
	for _, cp := range cps {
		unlock := m.locks.Lock(cp.dir)
		errs.Add(cp.forceClose())
		unlock()
	}
	if err := errs.Err(); err != nil {
		m.logger.Error("Closing classpaths failed.", "error", err)
		return err
	}
	m.logger.Debug("Classpath manager closed.", "classpaths", len(cps))
	return nil
}

func (m *Manager[C]) loadClasspath(dir string) (*loadedClasspath[C], error) {
	if cp, ok := m.lookup(dir); ok {
		return cp, nil
	}
	unlock := m.locks.Lock(dir)
	defer unlock()
	if cp, ok := m.lookup(dir); ok {
		return cp, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return nil, ErrClosed
	}
	cp := newLoadedClasspath(m, dir)
	m.entries[dir] = cp
	return cp, nil
}

func (m *Manager[C]) lookup(dir string) (*loadedClasspath[C], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.entries[dir]
	return cp, ok
}
