package runtime

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/kiln/internal/classpath"
	"github.com/jward/kiln/internal/ctxlog"
)

const compilerManifest = `name: toolchain
version: "1.0"
services:
  compiler:
    - cc.risor
    - backup/cc.risor
  linker:
    - ld.risor
`

const ccScript = `
func compile(args) {
	return {"object": args["source"] + ".o", "flags": env["parameters"]["cflags"]}
}

func shutdown(args) {
	log.Info("cc shutting down")
}

repo := {"name": "cc", "operations": ["compile", "shutdown"]}
repo
`

const backupScript = `
func compile(args) {
	return "backup"
}

repo := {"name": "cc-backup", "operations": ["compile"]}
repo
`

const ldScript = `
import naming

func link(args) {
	return naming.exe(args["name"])
}

repo := {"name": "ld", "operations": ["link"]}
repo
`

const namingModule = `
func exe(name) {
	return name + ".exe"
}
`

type testEnv struct{}

func (testEnv) ID() string { return "env-1" }
func (testEnv) UserParameters() map[string]string {
	return map[string]string{"cflags": "-O2"}
}

// writePlugin lays out a plugin directory from a path -> content map.
func writePlugin(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func toolchainPlugin(t *testing.T) string {
	return writePlugin(t, map[string]string{
		ManifestFile:      compilerManifest,
		"cc.risor":        ccScript,
		"backup/cc.risor": backupScript,
		"ld.risor":        ldScript,
		"naming.risor":    namingModule,
	})
}

func instantiate(t *testing.T, c *Context, entryPoint string) *Repository {
	t.Helper()
	factories, err := NewLoader(ctxlog.Discard()).Discover(context.Background(), c, entryPoint)
	require.NoError(t, err)
	require.NotEmpty(t, factories)
	p, err := factories[0].Instantiate(context.Background(), testEnv{})
	require.NoError(t, err)
	return p.(*Repository)
}

// --- Manifest ---

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(compilerManifest))
	require.NoError(t, err)
	assert.Equal(t, "toolchain", m.Name)
	assert.Equal(t, "1.0", m.Version)
	assert.Equal(t, []string{"cc.risor", "backup/cc.risor"}, m.Scripts("compiler"))
	assert.Empty(t, m.Scripts("missing"))
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "name: [unterminated"},
		{"missing name", "services:\n  x: [a.risor]\n"},
		{"escapes dir", "name: p\nservices:\n  x: [../evil.risor]\n"},
		{"absolute", "name: p\nservices:\n  x: [/etc/evil.risor]\n"},
		{"wrong extension", "name: p\nservices:\n  x: [script.py]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestReadManifest_Missing(t *testing.T) {
	_, err := ReadManifest(t.TempDir())
	assert.ErrorIs(t, err, ErrNoManifest)
}

// --- Version ---

func TestVersion_TracksScriptsAndManifest(t *testing.T) {
	dir := toolchainPlugin(t)

	v1, err := Version(dir)
	require.NoError(t, err)
	again, err := Version(dir)
	require.NoError(t, err)
	assert.Equal(t, v1, again)
	assert.Len(t, v1, 64)

	// Unrelated files do not affect the version.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))
	v2, err := Version(dir)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cc.risor"), []byte(ccScript+"\n// edited\n"), 0o644))
	v3, err := Version(dir)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v3)
}

func TestVersion_RenameChangesVersion(t *testing.T) {
	a := writePlugin(t, map[string]string{"one.risor": "1"})
	b := writePlugin(t, map[string]string{"two.risor": "1"})
	va, err := Version(a)
	require.NoError(t, err)
	vb, err := Version(b)
	require.NoError(t, err)
	assert.NotEqual(t, va, vb)
}

func TestVersion_MissingDirectory(t *testing.T) {
	_, err := Version(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

// --- Discovery and repositories ---

func TestDiscover_ManifestOrder(t *testing.T) {
	dir := toolchainPlugin(t)
	c := NewContext(dir, nil, ctxlog.Discard())

	factories, err := NewLoader(ctxlog.Discard()).Discover(context.Background(), c, "compiler")
	require.NoError(t, err)
	require.Len(t, factories, 2)
	assert.Equal(t, "toolchain/cc", factories[0].Name())

	none, err := NewLoader(ctxlog.Discard()).Discover(context.Background(), c, "archiver")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDiscover_SkipsUnreadableScripts(t *testing.T) {
	dir := writePlugin(t, map[string]string{
		ManifestFile: "name: p\nservices:\n  x: [gone.risor, ld.risor]\n",
		"ld.risor":   ldScript,
	})
	c := NewContext(dir, nil, ctxlog.Discard())
	factories, err := NewLoader(ctxlog.Discard()).Discover(context.Background(), c, "x")
	require.NoError(t, err)
	require.Len(t, factories, 1)
	assert.Equal(t, "p/ld", factories[0].Name())
}

func TestRepository_Invoke(t *testing.T) {
	c := NewContext(toolchainPlugin(t), nil, ctxlog.Discard())
	repo := instantiate(t, c, "compiler")

	assert.Equal(t, "cc", repo.Name())
	assert.Equal(t, []string{"compile", "shutdown"}, repo.Operations())

	out, err := repo.Invoke(context.Background(), "compile", map[string]any{"source": "main.c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"object": "main.c.o", "flags": "-O2"}, out)
}

func TestRepository_ImportsResolveInsidePluginDir(t *testing.T) {
	c := NewContext(toolchainPlugin(t), nil, ctxlog.Discard())
	repo := instantiate(t, c, "linker")

	out, err := repo.Invoke(context.Background(), "link", map[string]any{"name": "app"})
	require.NoError(t, err)
	assert.Equal(t, "app.exe", out)
}

func TestRepository_UnknownOperation(t *testing.T) {
	c := NewContext(toolchainPlugin(t), nil, ctxlog.Discard())
	repo := instantiate(t, c, "compiler")

	_, err := repo.Invoke(context.Background(), "link", nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestRepository_CloseRunsShutdownOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := ctxlog.NewLogger("debug", "json", &buf)
	c := NewContext(toolchainPlugin(t), nil, logger)
	repo := instantiate(t, c, "compiler")

	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("cc shutting down")))

	_, err := repo.Invoke(context.Background(), "compile", map[string]any{"source": "x"})
	assert.ErrorIs(t, err, ErrRepositoryClosed)
}

func TestInstantiate_InvalidDescriptor(t *testing.T) {
	tests := map[string]string{
		"not a map":      "42",
		"missing name":   `d := {"operations": []}` + "\nd",
		"bad operations": `d := {"name": "x", "operations": "compile"}` + "\nd",
		"reserved name":  `d := {"name": "x", "operations": ["env"]}` + "\nd",
		"bad identifier": `d := {"name": "x", "operations": ["a-b"]}` + "\nd",
	}
	for name, script := range tests {
		t.Run(name, func(t *testing.T) {
			dir := writePlugin(t, map[string]string{
				ManifestFile: "name: p\nservices:\n  x: [s.risor]\n",
				"s.risor":    script,
			})
			c := NewContext(dir, nil, ctxlog.Discard())
			factories, err := NewLoader(ctxlog.Discard()).Discover(context.Background(), c, "x")
			require.NoError(t, err)
			require.Len(t, factories, 1)
			_, err = factories[0].Instantiate(context.Background(), testEnv{})
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
}

func TestInstantiate_ScriptError(t *testing.T) {
	dir := writePlugin(t, map[string]string{
		ManifestFile: "name: p\nservices:\n  x: [s.risor]\n",
		"s.risor":    "this is not risor (",
	})
	c := NewContext(dir, nil, ctxlog.Discard())
	factories, err := NewLoader(ctxlog.Discard()).Discover(context.Background(), c, "x")
	require.NoError(t, err)
	_, err = factories[0].Instantiate(context.Background(), testEnv{})
	assert.ErrorContains(t, err, "runtime: script s.risor")
}

func TestContext_RunSource(t *testing.T) {
	c := NewContext(toolchainPlugin(t), nil, ctxlog.Discard())
	out, err := c.RunSource(context.Background(), `
import naming
[naming.exe(who), 1 + 2, true, 1.5, nil]
`, map[string]any{"who": "tool"})
	require.NoError(t, err)
	assert.Equal(t, []any{"tool.exe", int64(3), true, 1.5, nil}, out)
}

func TestContext_ScriptCache(t *testing.T) {
	dir := toolchainPlugin(t)
	c := NewContext(dir, nil, ctxlog.Discard())

	src, err := c.LoadScript("cc.risor")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cc.risor"), []byte("changed"), 0o644))

	cached, err := c.LoadScript("cc.risor")
	require.NoError(t, err)
	assert.Equal(t, src, cached)
}

// --- Classpath manager integration ---

func TestManager_LoadsRisorPlugins(t *testing.T) {
	dir := toolchainPlugin(t)
	mgr := classpath.New[Context](NewLoader(ctxlog.Discard()),
		classpath.WithEnv(testEnv{}),
		classpath.WithLogger(ctxlog.Discard()),
	)
	t.Cleanup(func() { _ = mgr.Close() })
	loc := dirLocation(dir)

	h1, err := mgr.Load(context.Background(), loc, "compiler")
	require.NoError(t, err)
	require.NotNil(t, h1)
	h2, err := mgr.Load(context.Background(), loc, "compiler")
	require.NoError(t, err)
	assert.Same(t, h1.Plugin(), h2.Plugin())

	repo := h1.Plugin().(*Repository)
	out, err := repo.Invoke(context.Background(), "compile", map[string]any{"source": "a.c"})
	require.NoError(t, err)
	assert.Equal(t, "a.c.o", out.(map[string]any)["object"])

	require.NoError(t, h1.Close())
	require.NoError(t, h2.Close())
	_, err = repo.Invoke(context.Background(), "compile", map[string]any{"source": "a.c"})
	assert.ErrorIs(t, err, ErrRepositoryClosed)

	none, err := mgr.Load(context.Background(), loc, "archiver")
	require.NoError(t, err)
	assert.Nil(t, none)
}

type dirLocation string

func (d dirLocation) Identifier() string                  { return string(d) }
func (d dirLocation) Directory() (string, error)          { return string(d), nil }
func (d dirLocation) Fetch(context.Context, string) error { return nil }
