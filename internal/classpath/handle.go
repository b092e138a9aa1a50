package classpath

import "sync/atomic"

// Handle is a borrowed reference to a shared plugin instance. It must be
// closed once; further closes do nothing.
type Handle struct {
	name    string
	dir     string
	plugin  Plugin
	closed  atomic.Bool
	release func() error
}

// NewHandle returns a handle on plugin that runs release when closed. The
// Manager builds its handles this way; callers use it to hand out plugins
// that are not loaded from a classpath.
func NewHandle(name, dir string, plugin Plugin, release func() error) *Handle {
	return &Handle{name: name, dir: dir, plugin: plugin, release: release}
}

// Name returns the name of the factory that created the plugin.
func (h *Handle) Name() string {
	return h.name
}

// Dir returns the load directory the plugin came from.
func (h *Handle) Dir() string {
	return h.dir
}

// Plugin returns the shared plugin instance.
func (h *Handle) Plugin() Plugin {
	return h.plugin
}

// Close gives the handle back. The plugin is closed when its last handle is.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.release()
}
