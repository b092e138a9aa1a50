package kiln

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jward/kiln/internal/barrier"
	"github.com/jward/kiln/internal/classpath"
	"github.com/jward/kiln/internal/config"
	"github.com/jward/kiln/internal/datacache"
	"github.com/jward/kiln/internal/location"
	"github.com/jward/kiln/internal/metrics"
	"github.com/jward/kiln/internal/property"
	"github.com/jward/kiln/internal/runtime"
	"github.com/jward/kiln/internal/store"
	"github.com/jward/kiln/internal/teardown"
)

// ErrClosed is returned by operations on an environment that has been closed.
var ErrClosed = errors.New("kiln: environment is closed")

// Environment is the long-lived build environment shared by many build
// executions. It memoizes environment properties, caches data resources and
// loads plugin repositories.
type Environment struct {
	id      uuid.UUID
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	barrier    *barrier.Barrier
	properties *property.Cache
	data       *datacache.Cache
	classpaths *classpath.Manager[runtime.Context]
	ledger     *store.Store
	locker     classpath.Locker

	s3Once   sync.Once
	s3Client location.ObjectAPI
	s3Err    error

	closeMu  sync.Mutex
	torndown bool
}

// Option configures an Environment.
type Option func(*Environment)

// WithConfig sets the configuration. The default is config.Default().
func WithConfig(cfg *config.Config) Option {
	return func(e *Environment) {
		e.cfg = cfg
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Environment) {
		e.logger = logger
	}
}

// WithRegisterer registers the environment's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Environment) {
		e.metrics = metrics.New(reg)
	}
}

// WithLocker replaces the directory resource locker. The default takes a
// shared flock on every load directory.
func WithLocker(l classpath.Locker) Option {
	return func(e *Environment) {
		e.locker = l
	}
}

// WithS3Client sets the client used for s3:// classpath locations instead of
// building one from the configuration.
func WithS3Client(client location.ObjectAPI) Option {
	return func(e *Environment) {
		e.s3Client = client
	}
}

// New creates an Environment.
func New(opts ...Option) (*Environment, error) {
	e := &Environment{
		id:     uuid.New(),
		logger: slog.Default(),
		locker: location.FileLocker{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg == nil {
		e.cfg = config.Default()
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	e.logger = e.logger.With("environment", e.id.String())

	if path := e.cfg.LedgerPath(); path != "" {
		if err := os.MkdirAll(e.cfg.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("kiln: creating cache dir: %w", err)
		}
		ledger, err := store.Open(path)
		if err != nil {
			return nil, fmt.Errorf("kiln: opening ledger: %w", err)
		}
		e.ledger = ledger
	}

	barrierOpts := []barrier.Option{barrier.WithLogger(e.logger), barrier.WithMetrics(e.metrics)}
	if e.cfg.StrictDrain {
		barrierOpts = append(barrierOpts, barrier.WithStrict())
	}
	e.barrier = barrier.New(barrierOpts...)
	e.properties = property.New(e.logger, e.metrics)
	e.data = datacache.New(e.logger, e.metrics)
	e.classpaths = classpath.New[runtime.Context](runtime.NewLoader(e.logger),
		classpath.WithEnv(e),
		classpath.WithLocker(e.locker),
		classpath.WithLogger(e.logger),
		classpath.WithMetrics(e.metrics),
	)

	e.logger.Debug("Environment created.", "cache_dir", e.cfg.CacheDir, "strict_drain", e.cfg.StrictDrain)
	return e, nil
}

// ID returns the environment's unique identifier.
func (e *Environment) ID() string {
	return e.id.String()
}

// UserParameters returns a copy of the configured user parameters.
func (e *Environment) UserParameters() map[string]string {
	return maps.Clone(e.cfg.UserParameters)
}

// Config returns the configuration the environment was built with.
func (e *Environment) Config() *config.Config {
	return e.cfg
}

// Logger returns the environment logger.
func (e *Environment) Logger() *slog.Logger {
	return e.logger
}

// Ledger returns the fetch ledger, or nil when it is disabled.
func (e *Environment) Ledger() *store.Store {
	return e.ledger
}

// BeginExecution registers a build execution. Every token must be handed
// back with EndExecution.
func (e *Environment) BeginExecution(ctx context.Context) (ExecutionToken, error) {
	tok, err := e.barrier.Begin(ctx)
	if errors.Is(err, barrier.ErrClosed) {
		return ExecutionToken{}, ErrClosed
	}
	return tok, err
}

// EndExecution unregisters a build execution. Ending an unknown or already
// ended token does nothing.
func (e *Environment) EndExecution(tok ExecutionToken) {
	e.barrier.End(tok)
}

// RunningExecutions reports how many executions are registered.
func (e *Environment) RunningExecutions() int {
	return e.barrier.Running()
}

// InvalidateProperties forgets the memoized results of props once no
// execution is running.
func (e *Environment) InvalidateProperties(ctx context.Context, props ...any) error {
	return e.barrier.Drain(ctx, func() error {
		n := e.properties.Invalidate(props...)
		e.logger.Debug("Properties invalidated.", "requested", len(props), "removed", n)
		return nil
	})
}

// InvalidatePropertiesIf forgets every memoized property matching pred once
// no execution is running.
func (e *Environment) InvalidatePropertiesIf(ctx context.Context, pred func(prop any) bool) error {
	return e.barrier.Drain(ctx, func() error {
		n := e.properties.InvalidateIf(pred)
		e.logger.Debug("Properties invalidated.", "removed", n)
		return nil
	})
}

// CachedData returns the resource for key, allocating it on first use.
func (e *Environment) CachedData(ctx context.Context, key DataKey) (any, error) {
	if e.barrier.Closed() {
		return nil, ErrClosed
	}
	return e.data.Get(ctx, key)
}

// Data is CachedData with the resource asserted to type T.
func Data[T any](ctx context.Context, env *Environment, key DataKey) (T, error) {
	var zero T
	v, err := env.CachedData(ctx, key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("kiln: cached data for %v is %T, not %T", key, v, zero)
	}
	return t, nil
}

// ClearCachedData releases every cached resource once no execution is
// running.
func (e *Environment) ClearCachedData(ctx context.Context) error {
	return e.barrier.Drain(ctx, e.data.Clear)
}

// InvalidateCachedData releases the cached resources whose key matches pred
// once no execution is running.
func (e *Environment) InvalidateCachedData(ctx context.Context, pred func(DataKey) bool) error {
	return e.barrier.Drain(ctx, func() error {
		return e.data.InvalidateIf(pred)
	})
}

// Closed reports whether Close has been called.
func (e *Environment) Closed() bool {
	return e.barrier.Closed()
}

// Close shuts the environment down and waits as long as it takes for running
// executions to end. See Shutdown.
func (e *Environment) Close() error {
	return e.Shutdown(context.Background())
}

// Shutdown rejects new executions, waits for running ones to end, then tears
// down loaded plugins, cached data and the ledger. Every failure is reported
// in one *teardown.Error. If ctx ends first the teardown is not run and a
// later call may retry it. Calls after a successful teardown return nil.
func (e *Environment) Shutdown(ctx context.Context) error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.torndown {
		return nil
	}
	if err := e.barrier.Close(ctx, nil); err != nil {
		return err
	}
	return e.barrier.Drain(ctx, func() error {
		e.torndown = true
		var errs teardown.Collector
		errs.Add(e.classpaths.Close())
		errs.Add(e.data.Close())
		if e.ledger != nil {
			errs.Add(e.ledger.Close())
		}
		if err := errs.Err(); err != nil {
			e.logger.Error("Environment teardown failed.", "error", err)
			return err
		}
		e.logger.Debug("Environment closed.")
		return nil
	})
}
