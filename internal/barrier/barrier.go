// Package barrier tracks running build executions and lets invalidation wait
// for them to finish.
//
// Every build registers a Token with Begin and hands it back with End.
// Drain blocks until no execution is running and then runs an action while
// still holding the coordination lock, so no execution can start during the
// action.
//
// By default Begin does not look at pending drains: new executions keep
// joining while a drain waits, and a drain can be delayed indefinitely under
// sustained load. WithStrict turns this into a writer-preferring
// readers-writer lock where Begin waits for pending drains.
package barrier

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jward/kiln/internal/metrics"
)

// ErrClosed is returned by Begin once the barrier has been closed.
var ErrClosed = errors.New("barrier: environment is closed")

// Token identifies one running execution.
type Token struct {
	id uuid.UUID
}

// String returns the token identifier.
func (t Token) String() string {
	return t.id.String()
}

// IsZero reports whether t was never issued.
func (t Token) IsZero() bool {
	return t.id == uuid.Nil
}

// Option configures a Barrier.
type Option func(*Barrier)

// WithStrict makes Begin wait while a drain is pending.
func WithStrict() Option {
	return func(b *Barrier) {
		b.strict = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Barrier) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Barrier) {
		b.metrics = m
	}
}

// Barrier is the execution quiescence barrier.
type Barrier struct {
	mu       sync.Mutex
	running  map[Token]struct{}
	changed  chan struct{} // closed and replaced whenever state changes
	draining int
	closed   bool

	strict  bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Barrier with no running executions.
func New(opts ...Option) *Barrier {
	b := &Barrier{
		running: make(map[Token]struct{}),
		changed: make(chan struct{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Begin registers a new execution. In strict mode it waits for pending drains,
// honouring ctx.
func (b *Barrier) Begin(ctx context.Context) (Token, error) {
	b.mu.Lock()
	for b.strict && b.draining > 0 && !b.closed {
		if err := b.waitLocked(ctx); err != nil {
			b.mu.Unlock()
			return Token{}, err
		}
	}
	defer b.mu.Unlock()
	if b.closed {
		return Token{}, ErrClosed
	}
	tok := Token{id: uuid.New()}
	b.running[tok] = struct{}{}
	b.metrics.ExecutionStarted()
	b.logger.Debug("Execution started.", "token", tok, "running", len(b.running))
	return tok, nil
}

// End unregisters tok and wakes waiters. Unknown tokens are ignored.
func (b *Barrier) End(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.running[tok]; !ok {
		return
	}
	delete(b.running, tok)
	b.metrics.ExecutionEnded()
	b.logger.Debug("Execution ended.", "token", tok, "running", len(b.running))
	b.broadcastLocked()
}

// Running reports how many executions are registered.
func (b *Barrier) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.running)
}

// Drain waits until no execution is running, then runs action while holding
// the coordination lock. It returns ctx.Err() if ctx ends first, without
// running action.
func (b *Barrier) Drain(ctx context.Context, action func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked(ctx, action)
}

// Close marks the barrier closed so that Begin fails, then drains and runs
// action. Only the first call runs action; later calls return nil.
func (b *Barrier) Close(ctx context.Context, action func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.broadcastLocked()
	return b.drainLocked(ctx, action)
}

// Closed reports whether Close was called.
func (b *Barrier) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Barrier) drainLocked(ctx context.Context, action func() error) error {
	b.draining++
	defer func() {
		b.draining--
		b.broadcastLocked()
	}()

	if len(b.running) > 0 {
		b.logger.Debug("Waiting for running executions before invalidation.", "running", len(b.running))
	}
	for len(b.running) > 0 {
		if err := b.waitLocked(ctx); err != nil {
			return err
		}
	}
	if action == nil {
		return nil
	}
	return action()
}

// waitLocked releases mu until the next state change or ctx cancellation.
func (b *Barrier) waitLocked(ctx context.Context) error {
	ch := b.changed
	b.mu.Unlock()
	defer b.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Barrier) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
