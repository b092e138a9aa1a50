package runtime

import (
	"context"
	"io"
	"log/slog"

	"github.com/jward/kiln/internal/classpath"
)

// Loader builds Risor contexts for the classpath manager.
type Loader struct {
	logger *slog.Logger
}

var _ classpath.Loader[Context] = (*Loader)(nil)

// NewLoader creates a Loader that logs through logger.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Version fingerprints the plugin directory.
func (l *Loader) Version(dir string) (string, error) {
	return Version(dir)
}

// NewContext creates a fresh context rooted at dir.
func (l *Loader) NewContext(dir string, lock io.Closer) (*Context, error) {
	return NewContext(dir, lock, l.logger), nil
}

// Relock points a revived context at a new resource lock.
func (l *Loader) Relock(c *Context, lock io.Closer) {
	c.relock(lock)
}

// Discover returns one factory per script registered for entryPoint, in
// manifest order. Scripts that cannot be read are skipped with a warning.
func (l *Loader) Discover(_ context.Context, c *Context, entryPoint string) ([]classpath.Factory, error) {
	m, err := c.Manifest()
	if err != nil {
		return nil, err
	}
	var out []classpath.Factory
	for _, script := range m.Scripts(entryPoint) {
		if _, err := c.LoadScript(script); err != nil {
			c.logger.Warn("Skipping unreadable plugin script.", "entry_point", entryPoint, "script", script, "error", err)
			continue
		}
		out = append(out, &scriptFactory{ctx: c, plugin: m.Name, script: script})
	}
	return out, nil
}
