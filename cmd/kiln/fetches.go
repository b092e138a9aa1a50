package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
)

var fetchesCmd = &cobra.Command{
	Use:   "fetches",
	Short: "List the archives recorded in the fetch ledger",
	Args:  cobra.NoArgs,
	RunE:  runFetches,
}

func runFetches(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment(cmd)
	if err != nil {
		return outputError(cmd, "fetches", err)
	}
	defer env.Close()

	ledger := env.Ledger()
	if ledger == nil {
		return outputError(cmd, "fetches", errors.New("the fetch ledger is disabled"))
	}
	recs, err := ledger.Fetches()
	if err != nil {
		return outputError(cmd, "fetches", err)
	}
	out := make([]CLIFetch, 0, len(recs))
	for _, f := range recs {
		out = append(out, CLIFetch{
			Location:    f.Location,
			Directory:   f.Directory,
			ETag:        f.ETag,
			ContentHash: f.ContentHash,
			Size:        f.Size,
			FetchedAt:   f.FetchedAt.UTC().Format(time.RFC3339),
		})
	}
	return outputResult(cmd, CLIResult{Command: "fetches", Results: out})
}
