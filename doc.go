// Package kiln is the shared environment behind a build tool daemon: the
// state that outlives any single build execution.
//
// An [Environment] provides three caches, all safe for concurrent use by many
// executions:
//
//  1. Properties: facts about the build environment (host OS, CPU count,
//     user parameters) computed at most once and memoized, failures
//     included, until invalidated.
//
//  2. Cached data: expensive resources keyed by a [DataKey] that knows how
//     to allocate and release them.
//
//  3. Classpaths: plugin directories, local or fetched from S3, whose Risor
//     repositories are shared between every caller loading the same entry
//     point from the same directory.
//
// # Usage
//
// Create an Environment, bracket each build with an execution token, and
// close the environment on shutdown:
//
//	env, err := kiln.New(kiln.WithConfig(cfg))
//	if err != nil { ... }
//	defer env.Close()
//
//	tok, err := env.BeginExecution(ctx)
//	if err != nil { ... }
//	defer env.EndExecution(tok)
//
//	goos, err := kiln.PropertyValue(ctx, env, kiln.HostOS{})
//	repo, err := env.LoadDirectClasspath(ctx, "plugins/toolchain", "compiler")
//	if repo != nil {
//		defer repo.Close()
//		out, err := repo.Invoke(ctx, "compile", map[string]any{"source": "main.c"})
//	}
//
// # Invalidation
//
// [Environment.InvalidateProperties], [Environment.ClearCachedData] and
// their predicate forms wait until no execution is running before they
// touch the caches, so a running build never sees a property change under
// it. With StrictDrain configured, new executions are held back while an
// invalidation waits.
//
// # Plugins
//
// A plugin directory carries a plugin.yaml manifest mapping entry points to
// Risor scripts. A script evaluates to a descriptor map naming the
// repository and its operations; operations are top-level functions taking
// one argument map. A repository declaring a "shutdown" operation has it
// called when its last borrower closes. See the internal/runtime package
// for the globals exposed to scripts.
package kiln
