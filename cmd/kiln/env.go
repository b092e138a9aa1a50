package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jward/kiln"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Show the host properties and user parameters of a fresh environment",
	Args:  cobra.NoArgs,
	RunE:  runEnv,
}

func runEnv(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment(cmd)
	if err != nil {
		return outputError(cmd, "env", err)
	}
	defer env.Close()

	info, err := describeEnvironment(commandContext(cmd), env)
	if err != nil {
		return outputError(cmd, "env", err)
	}
	return outputResult(cmd, CLIResult{Command: "env", Results: info})
}

// describeEnvironment reads the built-in properties inside one execution.
func describeEnvironment(ctx context.Context, env *kiln.Environment) (info CLIEnvironment, err error) {
	tok, err := env.BeginExecution(ctx)
	if err != nil {
		return info, err
	}
	defer env.EndExecution(tok)

	info.ID = env.ID()
	info.CacheDir = env.Config().CacheDir
	info.UserParameters = env.UserParameters()
	if info.OS, err = kiln.PropertyValue(ctx, env, kiln.HostOS{}); err != nil {
		return info, fmt.Errorf("host os: %w", err)
	}
	if info.Arch, err = kiln.PropertyValue(ctx, env, kiln.HostArch{}); err != nil {
		return info, fmt.Errorf("host arch: %w", err)
	}
	if info.Processors, err = kiln.PropertyValue(ctx, env, kiln.ProcessorCount{}); err != nil {
		return info, fmt.Errorf("processor count: %w", err)
	}
	return info, nil
}
