package classpath

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/kiln/internal/ctxlog"
	"github.com/jward/kiln/internal/metrics"
	"github.com/jward/kiln/internal/teardown"
)

type fakeContext struct {
	dir  string
	id   int
	lock io.Closer
}

type fakePlugin struct {
	closes   atomic.Int32
	closeErr error
}

func (p *fakePlugin) Close() error {
	p.closes.Add(1)
	return p.closeErr
}

type fakeFactory struct {
	name  string
	calls atomic.Int32
	fail  atomic.Int32 // number of upcoming calls that fail
	last  atomic.Pointer[fakePlugin]
	err   error
}

func (f *fakeFactory) Name() string { return f.name }

func (f *fakeFactory) Instantiate(context.Context, Env) (Plugin, error) {
	f.calls.Add(1)
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return nil, errors.New("constructor exploded")
	}
	p := &fakePlugin{closeErr: f.err}
	f.last.Store(p)
	return p, nil
}

type fakeLoader struct {
	mu        sync.Mutex
	versions  map[string]string
	factories map[string][]Factory
	created   []*fakeContext // keeps contexts reachable so revival is deterministic
	relocked  []*fakeContext
	relocks   int
	discovers int
	discErr   error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{versions: map[string]string{}, factories: map[string][]Factory{}}
}

func (l *fakeLoader) Version(dir string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.versions[dir], nil
}

func (l *fakeLoader) NewContext(dir string, lock io.Closer) (*fakeContext, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := &fakeContext{dir: dir, id: len(l.created) + 1, lock: lock}
	l.created = append(l.created, c)
	return c, nil
}

func (l *fakeLoader) Relock(c *fakeContext, lock io.Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.relocks++
	l.relocked = append(l.relocked, c)
	c.lock = lock
}

func (l *fakeLoader) Discover(_ context.Context, c *fakeContext, entryPoint string) ([]Factory, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discovers++
	if l.discErr != nil {
		return nil, l.discErr
	}
	return l.factories[c.dir+"#"+entryPoint], nil
}

func (l *fakeLoader) setVersion(dir, v string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.versions[dir] = v
}

func (l *fakeLoader) stats() (created, relocks, discovers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.created), l.relocks, l.discovers
}

type fakeLocation struct {
	dir      string
	fetchErr error
	fetches  atomic.Int32
}

func (l *fakeLocation) Identifier() string         { return "fake:" + l.dir }
func (l *fakeLocation) Directory() (string, error) { return l.dir, nil }
func (l *fakeLocation) Fetch(context.Context, string) error {
	l.fetches.Add(1)
	return l.fetchErr
}

type countingLock struct {
	held *atomic.Int32
	err  error
}

func (c countingLock) Close() error {
	c.held.Add(-1)
	return c.err
}

type fakeLocker struct {
	held     atomic.Int32
	acquired atomic.Int32
	closeErr error
}

func (l *fakeLocker) Lock(context.Context, string) (io.Closer, error) {
	l.held.Add(1)
	l.acquired.Add(1)
	return countingLock{held: &l.held, err: l.closeErr}, nil
}

type harness struct {
	loader  *fakeLoader
	locker  *fakeLocker
	metrics *metrics.Metrics
	mgr     *Manager[fakeContext]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{loader: newFakeLoader(), locker: &fakeLocker{}, metrics: metrics.New(nil)}
	h.mgr = New[fakeContext](h.loader,
		WithLocker(h.locker),
		WithLogger(ctxlog.Discard()),
		WithMetrics(h.metrics),
	)
	return h
}

func (h *harness) register(dir, entryPoint string, fs ...Factory) {
	h.loader.factories[dir+"#"+entryPoint] = fs
}

func TestLoad_TwoLoadsShareOneContextAndPlugin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := &fakeFactory{name: "compiler"}
	h.register("/plugins/a", "build", f)
	loc := &fakeLocation{dir: "/plugins/a"}

	h1, err := h.mgr.Load(ctx, loc, "build")
	require.NoError(t, err)
	require.NotNil(t, h1)
	h2, err := h.mgr.Load(ctx, loc, "build")
	require.NoError(t, err)
	require.NotNil(t, h2)

	assert.Same(t, h1.Plugin(), h2.Plugin())
	assert.Equal(t, "compiler", h1.Name())
	assert.Equal(t, "/plugins/a", h1.Dir())
	created, _, discovers := h.loader.stats()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, discovers)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 2, h.mgr.RefCount("/plugins/a"))
	assert.Equal(t, int32(1), h.locker.held.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LiveRepositories))

	require.NoError(t, h1.Close())
	assert.Equal(t, int32(0), f.last.Load().closes.Load())
	require.NoError(t, h2.Close())

	assert.Equal(t, int32(1), f.last.Load().closes.Load())
	assert.Equal(t, 0, h.mgr.RefCount("/plugins/a"))
	assert.Equal(t, int32(0), h.locker.held.Load())
	assert.Equal(t, 0, h.mgr.Loaded())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.LiveRepositories))
}

func TestLoad_RevivesContextWhenVersionUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register("/p", "build", &fakeFactory{name: "x"})
	h.loader.setVersion("/p", "v1")
	loc := &fakeLocation{dir: "/p"}

	first, err := h.mgr.Load(ctx, loc, "build")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := h.mgr.Load(ctx, loc, "build")
	require.NoError(t, err)
	defer second.Close()

	created, relocks, _ := h.loader.stats()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, relocks)
	assert.Equal(t, int32(2), h.locker.acquired.Load())
	assert.Equal(t, int32(2), loc.fetches.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ContextsReused))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ContextsCreated))

	h.loader.mu.Lock()
	defer h.loader.mu.Unlock()
	require.Len(t, h.loader.relocked, 1)
	assert.Same(t, h.loader.created[0], h.loader.relocked[0])
}

func TestLoad_FreshContextWhenVersionChanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := &fakeFactory{name: "x"}
	h.register("/p", "build", f)
	h.loader.setVersion("/p", "v1")
	loc := &fakeLocation{dir: "/p"}

	first, err := h.mgr.Load(ctx, loc, "build")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	h.loader.setVersion("/p", "v2")
	second, err := h.mgr.Load(ctx, loc, "build")
	require.NoError(t, err)
	defer second.Close()

	created, relocks, discovers := h.loader.stats()
	assert.Equal(t, 2, created)
	assert.Equal(t, 0, relocks)
	assert.Equal(t, 2, discovers)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.NotSame(t, first.Plugin(), second.Plugin())
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := &fakeFactory{name: "x"}
	h.register("/p", "build", f)
	loc := &fakeLocation{dir: "/p"}

	a, err := h.mgr.Load(ctx, loc, "build")
	require.NoError(t, err)
	b, err := h.mgr.Load(ctx, loc, "build")
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, h.mgr.RefCount("/p"))
	assert.Equal(t, int32(0), f.last.Load().closes.Load())

	require.NoError(t, b.Close())
	assert.Equal(t, 0, h.mgr.RefCount("/p"))
	assert.Equal(t, int32(1), f.last.Load().closes.Load())
}

func TestLoad_NoEntryPointReturnsNil(t *testing.T) {
	h := newHarness(t)
	loc := &fakeLocation{dir: "/empty"}

	handle, err := h.mgr.Load(context.Background(), loc, "missing")
	require.NoError(t, err)
	assert.Nil(t, handle)
	assert.Equal(t, 0, h.mgr.RefCount("/empty"))
	assert.Equal(t, int32(0), h.locker.held.Load())
}

func TestLoad_DiscoveryErrorIsTreatedAsNoFactory(t *testing.T) {
	h := newHarness(t)
	h.loader.discErr = errors.New("manifest unreadable")
	handle, err := h.mgr.Load(context.Background(), &fakeLocation{dir: "/bad"}, "build")
	require.NoError(t, err)
	assert.Nil(t, handle)
}

func TestLoad_MultipleCandidatesUsesFirst(t *testing.T) {
	h := newHarness(t)
	first, second := &fakeFactory{name: "first"}, &fakeFactory{name: "second"}
	h.register("/p", "build", first, second)

	handle, err := h.mgr.Load(context.Background(), &fakeLocation{dir: "/p"}, "build")
	require.NoError(t, err)
	defer handle.Close()
	assert.Equal(t, "first", handle.Name())
	assert.Equal(t, int32(0), second.calls.Load())
}

func TestLoad_InstantiateFailureIsNotCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := &fakeFactory{name: "flaky"}
	f.fail.Store(1)
	h.register("/p", "build", f)
	loc := &fakeLocation{dir: "/p"}

	_, err := h.mgr.Load(ctx, loc, "build")
	var ie *InstantiateError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "flaky", ie.Factory)
	assert.Equal(t, 0, h.mgr.RefCount("/p"))
	assert.Equal(t, int32(0), h.locker.held.Load())

	handle, err := h.mgr.Load(ctx, loc, "build")
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, int32(2), f.calls.Load())
	require.NoError(t, handle.Close())
}

func TestLoad_FetchErrorPropagates(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("network unreachable")
	loc := &fakeLocation{dir: "/remote", fetchErr: boom}

	_, err := h.mgr.Load(context.Background(), loc, "build")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, h.mgr.RefCount("/remote"))
	assert.Equal(t, int32(0), h.locker.acquired.Load())
}

func TestClose_AggregatesPluginFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bad := &fakeFactory{name: "bad", err: errors.New("plugin k refused to close")}
	good := &fakeFactory{name: "good"}
	h.register("/a", "build", bad)
	h.register("/b", "build", good)

	ha, err := h.mgr.Load(ctx, &fakeLocation{dir: "/a"}, "build")
	require.NoError(t, err)
	hb, err := h.mgr.Load(ctx, &fakeLocation{dir: "/b"}, "build")
	require.NoError(t, err)

	err = h.mgr.Close()
	require.Error(t, err)
	var te *teardown.Error
	require.ErrorAs(t, err, &te)
	assert.ErrorContains(t, te.Primary, "plugin k refused to close")

	// Every plugin is closed and every lock released despite the failure.
	assert.Equal(t, int32(1), bad.last.Load().closes.Load())
	assert.Equal(t, int32(1), good.last.Load().closes.Load())
	assert.Equal(t, int32(0), h.locker.held.Load())

	// Handles closed afterwards do nothing.
	require.NoError(t, ha.Close())
	require.NoError(t, hb.Close())
	assert.Equal(t, int32(1), bad.last.Load().closes.Load())

	require.NoError(t, h.mgr.Close())
	_, err = h.mgr.Load(ctx, &fakeLocation{dir: "/a"}, "build")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRepoState_CloseReportsErrorOnce(t *testing.T) {
	rs := &repoState{name: "bad", plugin: &fakePlugin{closeErr: errors.New("refused")}}
	assert.EqualError(t, rs.close(nil), "refused")
	assert.NoError(t, rs.close(nil))
	assert.Equal(t, int32(1), rs.plugin.(*fakePlugin).closes.Load())
}

func TestClose_LeftoverHandleAfterManagerCloseIsSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bad := &fakeFactory{name: "bad", err: errors.New("refused")}
	h.register("/a", "build", bad)

	first, err := h.mgr.Load(ctx, &fakeLocation{dir: "/a"}, "build")
	require.NoError(t, err)
	second, err := h.mgr.Load(ctx, &fakeLocation{dir: "/a"}, "build")
	require.NoError(t, err)

	require.Error(t, h.mgr.Close())
	assert.NoError(t, first.Close())
	assert.NoError(t, second.Close())
	assert.Equal(t, int32(1), bad.last.Load().closes.Load())
}

func TestLoad_ConcurrentLoadersShareOnePlugin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := &fakeFactory{name: "shared"}
	h.register("/p", "build", f)
	loc := &fakeLocation{dir: "/p"}

	// One handle held throughout so the instance is never torn down.
	keep, err := h.mgr.Load(ctx, loc, "build")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := h.mgr.Load(ctx, loc, "build")
			if !assert.NoError(t, err) {
				return
			}
			assert.Same(t, keep.Plugin(), handle.Plugin())
			assert.NoError(t, handle.Close())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, h.mgr.RefCount("/p"))
	require.NoError(t, keep.Close())
	assert.Equal(t, 0, h.mgr.RefCount("/p"))
	assert.Equal(t, int32(1), f.last.Load().closes.Load())
}
