package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args and returns stdout and stderr.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	flagConfig, flagFormat, flagLogLevel, flagArgs = "", "json", "", nil

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// writeConfig writes a configuration with a private cache directory.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln.yaml")
	cfg := "cache_dir: " + filepath.Join(dir, "cache") + "\n" +
		"log_level: error\n" +
		"user_parameters:\n  cflags: -O3\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func copyToolchain(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "toolchain")
	src := filepath.Join("..", "..", "testdata", "plugins", "toolchain")
	require.NoError(t, os.CopyFS(dir, os.DirFS(src)))
	return dir
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	return m
}

func TestValidateFormat(t *testing.T) {
	assert.NoError(t, validateFormat("json"))
	assert.NoError(t, validateFormat("text"))
	assert.Error(t, validateFormat("yaml"))
}

func TestParseArgs(t *testing.T) {
	got, err := parseArgs([]string{"source=main.c", "define=A=1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"source": "main.c", "define": "A=1"}, got)

	_, err = parseArgs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseArgs([]string{"=x"})
	assert.Error(t, err)
}

func TestEnvCommand_JSON(t *testing.T) {
	out, _, err := runCLI(t, "env", "--config", writeConfig(t))
	require.NoError(t, err)

	m := decode(t, out)
	assert.Equal(t, "env", m["command"])
	results := m["results"].(map[string]any)
	assert.NotEmpty(t, results["id"])
	assert.NotEmpty(t, results["os"])
	assert.Equal(t, map[string]any{"cflags": "-O3"}, results["user_parameters"])
}

func TestEnvCommand_Text(t *testing.T) {
	out, _, err := runCLI(t, "env", "--config", writeConfig(t), "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "Environment: ")
	assert.Contains(t, out, "cflags=-O3")
}

func TestRepoInspect_AllEntryPoints(t *testing.T) {
	out, _, err := runCLI(t, "repo", "inspect", copyToolchain(t), "--config", writeConfig(t))
	require.NoError(t, err)

	var res struct {
		Results []CLIRepository `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Results, 2)
	assert.Equal(t, "compiler", res.Results[0].EntryPoint)
	assert.Equal(t, "cc", res.Results[0].Name)
	assert.Equal(t, "linker", res.Results[1].EntryPoint)
	assert.Equal(t, []string{"link"}, res.Results[1].Operations)
}

func TestRepoInspect_UnknownEntryPoint(t *testing.T) {
	out, _, err := runCLI(t, "repo", "inspect", copyToolchain(t), "assembler",
		"--config", writeConfig(t), "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "assembler")
	assert.Contains(t, out, "no repository serves this entry point")
}

func TestRepoRun_InvokesOperation(t *testing.T) {
	out, _, err := runCLI(t, "repo", "run", copyToolchain(t), "compiler", "compile",
		"--arg", "source=main.c", "--config", writeConfig(t))
	require.NoError(t, err)

	m := decode(t, out)
	results := m["results"].(map[string]any)
	assert.Equal(t, "cc", results["repository"])
	assert.Equal(t, map[string]any{"object": "main.c.o", "flags": "-O3"}, results["result"])
}

func TestRepoRun_TextPrintsStrings(t *testing.T) {
	out, _, err := runCLI(t, "repo", "run", copyToolchain(t), "linker", "link",
		"--arg", "name=app", "--config", writeConfig(t), "--format", "text")
	require.NoError(t, err)
	assert.Equal(t, "app.out\n", out)
}

func TestRepoRun_ErrorEnvelope(t *testing.T) {
	out, _, err := runCLI(t, "repo", "run", copyToolchain(t), "compiler", "assemble",
		"--config", writeConfig(t))
	require.Error(t, err)
	assert.True(t, errorHandled)
	m := decode(t, out)
	assert.Equal(t, "repo run", m["command"])
	assert.Contains(t, m["error"], "assemble")
}

func TestFetches_EmptyLedger(t *testing.T) {
	out, _, err := runCLI(t, "fetches", "--config", writeConfig(t))
	require.NoError(t, err)
	m := decode(t, out)
	assert.Empty(t, m["results"])
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, _, err := runCLI(t, "env", "--format", "yaml")
	assert.Error(t, err)
}
