package runtime

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/jward/kiln/internal/classpath"
)

// ShutdownOperation is the optional operation run when a repository closes.
const ShutdownOperation = "shutdown"

var (
	ErrInvalidDescriptor = errors.New("runtime: invalid repository descriptor")
	ErrUnknownOperation  = errors.New("runtime: unknown operation")
	ErrRepositoryClosed  = errors.New("runtime: repository is closed")
	errReservedName      = errors.New("reserved global name")
)

var operationName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Repository is a live plugin instance backed by one Risor script. The
// script's final expression is a descriptor map:
//
//	repo := {"name": "cc", "operations": ["compile", "link"]}
//	repo
//
// Each operation is a top-level function taking one map argument.
type Repository struct {
	ctx        *Context
	script     string
	source     string
	name       string
	operations []string
	env        map[string]any

	mu     sync.RWMutex
	closed bool
}

// Name returns the name declared by the repository descriptor.
func (r *Repository) Name() string {
	return r.name
}

// Script returns the script path relative to the plugin directory.
func (r *Repository) Script() string {
	return r.script
}

// Operations lists the operations the repository declares.
func (r *Repository) Operations() []string {
	return slices.Clone(r.operations)
}

// HasOperation reports whether op is declared.
func (r *Repository) HasOperation(op string) bool {
	return slices.Contains(r.operations, op)
}

// Invoke calls operation op with args and returns its result converted to Go
// values.
func (r *Repository) Invoke(ctx context.Context, op string, args map[string]any) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryClosed, r.name)
	}
	if !r.HasOperation(op) {
		return nil, fmt.Errorf("%w: %s has no operation %q", ErrUnknownOperation, r.name, op)
	}
	return r.call(ctx, op, args)
}

// Close runs the shutdown operation, if declared, and marks the repository
// closed. Later calls do nothing.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if !r.HasOperation(ShutdownOperation) {
		return nil
	}
	if _, err := r.call(context.Background(), ShutdownOperation, nil); err != nil {
		return fmt.Errorf("runtime: shutting down %s: %w", r.name, err)
	}
	return nil
}

func (r *Repository) call(ctx context.Context, op string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	src := r.source + "\n" + op + "(call_args)\n"
	obj, err := r.ctx.eval(ctx, src, r.script+":"+op, map[string]any{
		"env":       toObject(r.env),
		"call_args": toObject(args),
	})
	if err != nil {
		return nil, err
	}
	return fromObject(obj), nil
}

// scriptFactory instantiates repositories from one script of a context.
type scriptFactory struct {
	ctx    *Context
	plugin string
	script string
}

func (f *scriptFactory) Name() string {
	return f.plugin + "/" + strings.TrimSuffix(path.Base(f.script), ".risor")
}

// Instantiate evaluates the script and validates its descriptor.
func (f *scriptFactory) Instantiate(ctx context.Context, env classpath.Env) (classpath.Plugin, error) {
	source, err := f.ctx.LoadScript(f.script)
	if err != nil {
		return nil, err
	}
	envGlobals := envMap(env)
	obj, err := f.ctx.eval(ctx, source, f.script, map[string]any{
		"env":       toObject(envGlobals),
		"call_args": toObject(map[string]any{}),
	})
	if err != nil {
		return nil, err
	}
	desc, err := extractMap(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, f.script, err)
	}
	name := getString(desc, "name")
	if name == "" {
		return nil, fmt.Errorf("%w: %s: name is required", ErrInvalidDescriptor, f.script)
	}
	ops, err := getStrings(desc, "operations")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, f.script, err)
	}
	for _, op := range ops {
		if !operationName.MatchString(op) {
			return nil, fmt.Errorf("%w: %s: operation %q is not an identifier", ErrInvalidDescriptor, f.script, op)
		}
		if op == "env" || op == "call_args" || op == "log" {
			return nil, fmt.Errorf("%w: %s: %w %q", ErrInvalidDescriptor, f.script, errReservedName, op)
		}
	}
	f.ctx.logger.Debug("Repository instantiated.", "script", f.script, "name", name, "operations", ops)
	return &Repository{
		ctx:        f.ctx,
		script:     f.script,
		source:     source,
		name:       name,
		operations: ops,
		env:        envGlobals,
	}, nil
}

func envMap(env classpath.Env) map[string]any {
	out := map[string]any{"id": "", "parameters": map[string]string{}}
	if env == nil {
		return out
	}
	out["id"] = env.ID()
	if params := env.UserParameters(); params != nil {
		out["parameters"] = params
	}
	return out
}
