package kiln

import (
	"context"
	"errors"
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/jward/kiln/internal/ctxlog"
	"github.com/jward/kiln/internal/keylock"
)

var (
	// ErrNotComparable is returned for property values and data keys that
	// cannot be used as cache keys.
	ErrNotComparable = keylock.ErrNotComparable

	// ErrNilProperty is returned by PropertyValue for a nil property.
	ErrNilProperty = errors.New("kiln: nil property")

	// ErrUnknownParameter is returned by UserParameter when the parameter is
	// not configured.
	ErrUnknownParameter = errors.New("kiln: unknown user parameter")
)

// Property computes one fact about the build environment. Property values
// are their own cache keys: two equal values share one memoized result,
// including a failed one, until invalidated. Implementations must be
// comparable.
type Property[T any] interface {
	Compute(ctx context.Context, env *Environment) (T, error)
}

// PropertyValue returns the memoized value of prop, computing it on first
// use. Concurrent callers for the same property wait for a single
// computation. The computation runs without ctx's cancellation.
func PropertyValue[T any](ctx context.Context, env *Environment, prop Property[T]) (T, error) {
	var zero T
	if prop == nil {
		return zero, ErrNilProperty
	}
	ctx = ctxlog.WithLogger(ctx, env.logger)
	v, err := env.properties.Get(ctx, prop, func(ctx context.Context) (any, error) {
		return prop.Compute(ctx, env)
	})
	if err != nil {
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// PropertyCached reports whether a result for prop is memoized.
func (e *Environment) PropertyCached(prop any) bool {
	return e.properties.Cached(prop)
}

// HostOS is the operating system of the host.
type HostOS struct{}

func (HostOS) Compute(context.Context, *Environment) (string, error) {
	return goruntime.GOOS, nil
}

// HostArch is the processor architecture of the host.
type HostArch struct{}

func (HostArch) Compute(context.Context, *Environment) (string, error) {
	return goruntime.GOARCH, nil
}

// ProcessorCount is the number of logical CPUs usable by the process.
type ProcessorCount struct{}

func (ProcessorCount) Compute(context.Context, *Environment) (int, error) {
	return goruntime.NumCPU(), nil
}

// EnvironmentVariable is the value of a process environment variable. An
// unset variable has the empty value.
type EnvironmentVariable struct {
	Name string
}

func (p EnvironmentVariable) Compute(ctx context.Context, _ *Environment) (string, error) {
	v, ok := os.LookupEnv(p.Name)
	if !ok {
		ctxlog.FromContext(ctx).Debug("Environment variable unset.", "name", p.Name)
	}
	return v, nil
}

// UserParameter is a user parameter from the environment configuration.
type UserParameter struct {
	Name string
}

func (p UserParameter) Compute(_ context.Context, env *Environment) (string, error) {
	v, ok := env.cfg.UserParameters[p.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownParameter, p.Name)
	}
	return v, nil
}
