package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/vectorrouter/internal/router"
)

// errNoHealthyBackend makes `vrouter health` exit non-zero.
var errNoHealthyBackend = errors.New("no healthy backend")

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect the configured backends and show routing status",
		Long: `Connect every enabled backend once and print its tier, priority, state and
collections, followed by the active primary and fallback.

Examples:
  vrouter status
  vrouter status --config ./router.toml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRouter(cmd.Context(), func(r *router.Router) error {
				rep := r.Status()
				if a.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), rep)
				}
				printReport(cmd.OutOrStdout(), rep)
				return nil
			})
		},
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run a health check against every backend instance",
		Long: `Connect the configured backends and call each one's health check
concurrently. Exits non-zero when no instance is healthy.

Examples:
  vrouter health
  vrouter health --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRouter(cmd.Context(), func(r *router.Router) error {
				results := r.HealthCheckAll(cmd.Context())

				keys := make([]string, 0, len(results))
				byName := make(map[string]router.HealthResult, len(results))
				healthy := 0
				for k, res := range results {
					keys = append(keys, k.String())
					byName[k.String()] = res
					if res.Healthy {
						healthy++
					}
				}
				sort.Strings(keys)

				if a.jsonOutput {
					if err := writeJSON(cmd.OutOrStdout(), byName); err != nil {
						return err
					}
				} else {
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "INSTANCE\tHEALTHY\tMESSAGE")
					for _, k := range keys {
						fmt.Fprintf(tw, "%s\t%t\t%s\n", k, byName[k].Healthy, byName[k].Message)
					}
					_ = tw.Flush()
				}

				if healthy == 0 {
					return errNoHealthyBackend
				}
				return nil
			})
		},
	}
}

func printReport(w io.Writer, rep router.Report) {
	fmt.Fprintf(w, "Config:    %s\n", rep.Source)
	fmt.Fprintf(w, "Primary:   %s\n", orNone(rep.ActivePrimary))
	fmt.Fprintf(w, "Fallback:  %s\n", orNone(rep.ActiveFallback))
	fmt.Fprintf(w, "Parallel writes: %t  Query fallback: %t  Max concurrent: %d\n\n",
		rep.ParallelWrites, rep.QueryFallbackEnabled, rep.MaxConcurrentOperations)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tTIER\tSTATE\tCOLLECTIONS\tERROR")
	for _, b := range rep.Backends {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			b.Key(), b.Tier, b.State, strings.Join(b.Collections, ","), b.LastError)
	}
	_ = tw.Flush()

	for _, k := range rep.Disabled {
		fmt.Fprintf(w, "disabled: %s\n", k)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
