package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jward/kiln"
	"github.com/jward/kiln/internal/runtime"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Load plugin repositories from a directory or s3:// archive",
}

func init() {
	repoCmd.AddCommand(repoInspectCmd)
	repoCmd.AddCommand(repoRunCmd)
}

var repoInspectCmd = &cobra.Command{
	Use:   "inspect <location> [entry-point...]",
	Short: "Load each entry point of a plugin and list its operations",
	Long:  "Loads the named entry points, or every entry point declared in plugin.yaml, and reports the repository serving each.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRepoInspect,
}

func runRepoInspect(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment(cmd)
	if err != nil {
		return outputError(cmd, "repo inspect", err)
	}
	defer env.Close()

	repos, err := inspectLocation(commandContext(cmd), env, args[0], args[1:])
	if err != nil {
		return outputError(cmd, "repo inspect", err)
	}
	return outputResult(cmd, CLIResult{Command: "repo inspect", Results: repos})
}

// inspectLocation loads every requested entry point. Entry points that fail
// to load are reported per entry rather than failing the whole inspection.
func inspectLocation(ctx context.Context, env *kiln.Environment, ref string, entryPoints []string) ([]CLIRepository, error) {
	tok, err := env.BeginExecution(ctx)
	if err != nil {
		return nil, err
	}
	defer env.EndExecution(tok)

	loc, err := env.ResolveLocation(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(entryPoints) == 0 {
		if entryPoints, err = declaredEntryPoints(ctx, loc); err != nil {
			return nil, err
		}
	}

	repos := make([]CLIRepository, 0, len(entryPoints))
	for _, ep := range entryPoints {
		out := CLIRepository{EntryPoint: ep}
		r, err := env.LoadClasspath(ctx, loc, ep)
		switch {
		case err != nil:
			out.Error = err.Error()
		case r == nil:
			out.Error = "no repository serves this entry point"
		default:
			out.Name = r.Name()
			out.Operations = r.Operations()
			out.Dir = r.Dir()
			r.Close()
		}
		repos = append(repos, out)
	}
	return repos, nil
}

// declaredEntryPoints fetches loc and lists the entry points in its
// manifest, sorted.
func declaredEntryPoints(ctx context.Context, loc kiln.Location) ([]string, error) {
	dir, err := loc.Directory()
	if err != nil {
		return nil, err
	}
	if err := loc.Fetch(ctx, dir); err != nil {
		return nil, err
	}
	m, err := runtime.ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	eps := make([]string, 0, len(m.Services))
	for ep := range m.Services {
		eps = append(eps, ep)
	}
	sort.Strings(eps)
	return eps, nil
}

var flagArgs []string

var repoRunCmd = &cobra.Command{
	Use:   "run <location> <entry-point> <operation>",
	Short: "Invoke one operation of a plugin repository",
	Args:  cobra.ExactArgs(3),
	RunE:  runRepoRun,
}

func init() {
	repoRunCmd.Flags().StringArrayVar(&flagArgs, "arg", nil, "operation argument as key=value (repeatable)")
}

func runRepoRun(cmd *cobra.Command, args []string) error {
	opArgs, err := parseArgs(flagArgs)
	if err != nil {
		return outputError(cmd, "repo run", err)
	}
	env, err := openEnvironment(cmd)
	if err != nil {
		return outputError(cmd, "repo run", err)
	}
	defer env.Close()

	inv, err := invoke(commandContext(cmd), env, args[0], args[1], args[2], opArgs)
	if err != nil {
		return outputError(cmd, "repo run", err)
	}
	return outputResult(cmd, CLIResult{Command: "repo run", Results: inv})
}

func invoke(ctx context.Context, env *kiln.Environment, ref, entryPoint, op string, opArgs map[string]any) (CLIInvocation, error) {
	var inv CLIInvocation
	tok, err := env.BeginExecution(ctx)
	if err != nil {
		return inv, err
	}
	defer env.EndExecution(tok)

	loc, err := env.ResolveLocation(ctx, ref)
	if err != nil {
		return inv, err
	}
	r, err := env.LoadClasspath(ctx, loc, entryPoint)
	if err != nil {
		return inv, err
	}
	if r == nil {
		return inv, fmt.Errorf("no repository in %s serves entry point %q", ref, entryPoint)
	}
	defer r.Close()

	result, err := r.Invoke(ctx, op, opArgs)
	if err != nil {
		return inv, err
	}
	return CLIInvocation{Repository: r.Name(), Operation: op, Result: result}, nil
}

// parseArgs turns repeated key=value flags into an argument map.
func parseArgs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --arg %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
