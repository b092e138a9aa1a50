package kiln

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jward/kiln/internal/classpath"
	"github.com/jward/kiln/internal/location"
	"github.com/jward/kiln/internal/runtime"
)

// Repository is a borrowed plugin repository. Many callers loading the same
// entry point from the same directory share one underlying instance; it is
// shut down when the last borrower closes.
type Repository struct {
	handle *classpath.Handle
	repo   *runtime.Repository
}

// Name returns the repository name declared by its script.
func (r *Repository) Name() string { return r.repo.Name() }

// Dir returns the normalized load directory.
func (r *Repository) Dir() string { return r.handle.Dir() }

// Operations returns the operations the repository declared.
func (r *Repository) Operations() []string { return r.repo.Operations() }

// Invoke calls operation op with args.
func (r *Repository) Invoke(ctx context.Context, op string, args map[string]any) (any, error) {
	return r.repo.Invoke(ctx, op, args)
}

// Close gives the repository back. Closing twice does nothing.
func (r *Repository) Close() error {
	return r.handle.Close()
}

// LoadClasspath fetches loc and returns the repository serving entryPoint in
// it. It returns nil and no error when no plugin in loc serves entryPoint.
func (e *Environment) LoadClasspath(ctx context.Context, loc Location, entryPoint string) (*Repository, error) {
	if e.barrier.Closed() {
		return nil, ErrClosed
	}
	h, err := e.classpaths.Load(ctx, loc, entryPoint)
	if err != nil {
		if isClosed(err) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	return wrapHandle(loc.Identifier(), h)
}

// wrapHandle adapts a loaded plugin handle. A plugin that is not a script
// repository is given back at once; its close error is reported too.
func wrapHandle(id string, h *classpath.Handle) (*Repository, error) {
	repo, ok := h.Plugin().(*runtime.Repository)
	if !ok {
		err := fmt.Errorf("kiln: %s: plugin %s is %T, not a repository", id, h.Name(), h.Plugin())
		return nil, errors.Join(err, h.Close())
	}
	return &Repository{handle: h, repo: repo}, nil
}

// LoadDirectClasspath is LoadClasspath for a plain directory.
func (e *Environment) LoadDirectClasspath(ctx context.Context, dir, entryPoint string) (*Repository, error) {
	return e.LoadClasspath(ctx, location.NewDirectory(dir), entryPoint)
}

// ResolveLocation turns a command-line style reference into a Location.
// s3://bucket/key names a zip archive in S3; anything else is a directory.
func (e *Environment) ResolveLocation(ctx context.Context, ref string) (Location, error) {
	if strings.HasPrefix(ref, "s3://") {
		return e.S3Location(ctx, ref)
	}
	return location.NewDirectory(ref), nil
}

// S3Location returns the location of a plugin archive stored at
// s3://bucket/key. Archives are extracted below the configured cache
// directory and recorded in the ledger when one is open.
func (e *Environment) S3Location(ctx context.Context, uri string) (*location.S3Archive, error) {
	bucket, key, err := location.ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	client, err := e.s3(ctx)
	if err != nil {
		return nil, err
	}
	opts := []location.S3Option{location.WithLogger(e.logger)}
	if e.ledger != nil {
		opts = append(opts, location.WithLedger(e.ledger))
	}
	return location.NewS3Archive(client, bucket, key, e.cfg.CacheDir, opts...), nil
}

// LoadedClasspaths reports how many load directories hold live contexts.
func (e *Environment) LoadedClasspaths() int {
	return e.classpaths.Loaded()
}

func (e *Environment) s3(ctx context.Context) (location.ObjectAPI, error) {
	e.s3Once.Do(func() {
		if e.s3Client != nil {
			return
		}
		client, err := location.NewS3Client(ctx, e.cfg.S3)
		if err != nil {
			e.s3Err = fmt.Errorf("kiln: %w", err)
			return
		}
		e.s3Client = client
	})
	return e.s3Client, e.s3Err
}

func isClosed(err error) bool {
	return errors.Is(err, classpath.ErrClosed)
}
