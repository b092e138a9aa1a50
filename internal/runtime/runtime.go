// Package runtime hosts plugin code in embedded Risor virtual machines.
//
// A plugin directory holds Risor scripts and a plugin.yaml manifest mapping
// entry points to scripts. A Context is the code-loading context for one such
// directory: every script it evaluates resolves imports against that
// directory and reads sources through the context's script cache.
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
)

// Context is a Risor code-loading context rooted at a plugin directory.
type Context struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	lock     io.Closer
	manifest *Manifest
	sources  map[string]string
}

// NewContext creates a Context rooted at dir and pinned by lock.
func NewContext(dir string, lock io.Closer, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		dir:     dir,
		lock:    lock,
		logger:  logger.With("plugin_dir", dir),
		sources: make(map[string]string),
	}
}

// Dir returns the plugin directory.
func (c *Context) Dir() string {
	return c.dir
}

// Lock returns the resource lock currently pinning the directory.
func (c *Context) Lock() io.Closer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lock
}

func (c *Context) relock(lock io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lock = lock
}

// Manifest reads plugin.yaml once per context.
func (c *Context) Manifest() (*Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manifest != nil {
		return c.manifest, nil
	}
	m, err := ReadManifest(c.dir)
	if err != nil {
		return nil, err
	}
	c.manifest = m
	return m, nil
}

// LoadScript returns the source of a script relative to the plugin directory.
// Sources are cached for the lifetime of the context.
func (c *Context) LoadScript(path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if src, ok := c.sources[path]; ok {
		return src, nil
	}
	fullPath := filepath.Join(c.dir, filepath.FromSlash(path))
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	c.sources[path] = string(data)
	return string(data), nil
}

// RunSource evaluates Risor source inside the context and returns the value
// of its final expression converted to Go.
func (c *Context) RunSource(ctx context.Context, source string, globals map[string]any) (any, error) {
	obj, err := c.eval(ctx, source, "<inline>", globals)
	if err != nil {
		return nil, err
	}
	return fromObject(obj), nil
}

func (c *Context) eval(ctx context.Context, source, label string, extra map[string]any) (object.Object, error) {
	globals := c.buildGlobals(extra)

	opts := make([]risor.Option, 0, len(globals)+1)
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}
	opts = append(opts, risor.WithImporter(c.buildImporter(globals)))

	result, err := risor.Eval(ctx, source, opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: script %s: %w", label, err)
	}
	return result, nil
}

// buildImporter resolves Risor import statements against the plugin
// directory.
func (c *Context) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}
	return importer.NewLocalImporter(importer.LocalImporterOptions{
		GlobalNames: globalNames,
		SourceDir:   c.dir,
		Extensions:  []string{".risor"},
	})
}

// buildGlobals constructs the globals exposed to plugin scripts.
func (c *Context) buildGlobals(extra map[string]any) map[string]any {
	globals := map[string]any{
		"log": mustProxy(&logObject{logger: c.logger}),
	}
	for k, v := range extra {
		globals[k] = v
	}
	return globals
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
