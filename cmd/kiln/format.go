package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// outputResult writes a CLIResult to the command's stdout in the selected
// format.
func outputResult(cmd *cobra.Command, result CLIResult) error {
	w := cmd.OutOrStdout()
	if flagFormat == "text" {
		return outputResultText(w, result)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(cmd *cobra.Command, command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err)
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}

// formatEnvironmentText formats CLIEnvironment as readable text.
func formatEnvironmentText(w io.Writer, env CLIEnvironment) {
	fmt.Fprintf(w, "Environment: %s\n", env.ID)
	fmt.Fprintf(w, "Host: %s/%s, %d processors\n", env.OS, env.Arch, env.Processors)
	fmt.Fprintf(w, "Cache: %s\n", env.CacheDir)
	if len(env.UserParameters) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "User Parameters:")
	names := make([]string, 0, len(env.UserParameters))
	for name := range env.UserParameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s=%s\n", name, env.UserParameters[name])
	}
}

// formatRepositoriesText formats CLIRepository results as aligned columns.
func formatRepositoriesText(w io.Writer, repos []CLIRepository) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTRY POINT\tREPOSITORY\tOPERATIONS")
	for _, r := range repos {
		name, ops := r.Name, strings.Join(r.Operations, ",")
		if r.Error != "" {
			name, ops = "-", "error: "+r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.EntryPoint, name, ops)
	}
	tw.Flush()
}

// formatInvocationText prints the operation result, as JSON when it is not
// a plain string.
func formatInvocationText(w io.Writer, inv CLIInvocation) error {
	if s, ok := inv.Result.(string); ok {
		fmt.Fprintln(w, s)
		return nil
	}
	data, err := json.Marshal(inv.Result)
	if err != nil {
		return fmt.Errorf("formatting result: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// formatFetchesText formats CLIFetch results as aligned columns.
func formatFetchesText(w io.Writer, fetches []CLIFetch) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCATION\tETAG\tSIZE\tFETCHED\tDIRECTORY")
	for _, f := range fetches {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", f.Location, f.ETag, f.Size, f.FetchedAt, f.Directory)
	}
	tw.Flush()
}

// outputResultText dispatches to the appropriate text formatter based on the
// result type.
func outputResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case CLIEnvironment:
		formatEnvironmentText(w, v)
	case []CLIRepository:
		formatRepositoriesText(w, v)
	case CLIInvocation:
		return formatInvocationText(w, v)
	case []CLIFetch:
		formatFetchesText(w, v)
	case nil:
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}
	return nil
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
