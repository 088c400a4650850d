package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/logging"
	"github.com/fyrsmithlabs/vectorrouter/internal/router"
)

// kindFlag pins an operation to one backend kind.
type kindFlag struct {
	value string
}

func (k *kindFlag) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&k.value, "backend", "b", "", "route to this backend kind instead of the active primary")
}

func (k *kindFlag) options() ([]router.OpOption, error) {
	if k.value == "" {
		return nil, nil
	}
	kind, err := backend.ParseKind(k.value)
	if err != nil {
		return nil, err
	}
	return []router.OpOption{router.OnBackend(kind)}, nil
}

func newCollectionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "List and manage collections",
		Long: `Collection operations go to the active primary, or to the backend kind
given with --backend.

Examples:
  vrouter collections list
  vrouter collections create docs --vector-size 384
  vrouter collections stats docs --backend sqlite
  vrouter collections delete docs`,
	}
	cmd.AddCommand(
		collectionsListCmd(a),
		collectionsCreateCmd(a),
		collectionsDeleteCmd(a),
		collectionsStatsCmd(a),
	)
	return cmd
}

func collectionsListCmd(a *app) *cobra.Command {
	var kind kindFlag
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := kind.options()
			if err != nil {
				return err
			}
			return a.withRouter(cmd.Context(), func(r *router.Router) error {
				names := r.ListCollections(cmd.Context(), opts...)
				if a.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), names)
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
	kind.register(cmd)
	return cmd
}

func collectionsCreateCmd(a *app) *cobra.Command {
	var (
		kind       kindFlag
		vectorSize int
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := kind.options()
			if err != nil {
				return err
			}
			ctx := logging.WithCollection(cmd.Context(), args[0])
			return a.withRouter(ctx, func(r *router.Router) error {
				if !r.CreateCollection(ctx, args[0], backend.CollectionOptions{VectorSize: vectorSize}, opts...) {
					return fmt.Errorf("creating collection %q failed; see log for the backend error", args[0])
				}
				logging.FromContext(ctx).Info(ctx, "collection created", zap.Int("vector_size", vectorSize))
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
				return nil
			})
		},
	}
	kind.register(cmd)
	cmd.Flags().IntVar(&vectorSize, "vector-size", 0, "embedding dimension (0 lets the backend decide)")
	return cmd
}

func collectionsDeleteCmd(a *app) *cobra.Command {
	var kind kindFlag
	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := kind.options()
			if err != nil {
				return err
			}
			ctx := logging.WithCollection(cmd.Context(), args[0])
			return a.withRouter(ctx, func(r *router.Router) error {
				if !r.DeleteCollection(ctx, args[0], opts...) {
					return fmt.Errorf("deleting collection %q failed; see log for the backend error", args[0])
				}
				logging.FromContext(ctx).Info(ctx, "collection deleted")
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
	kind.register(cmd)
	return cmd
}

func collectionsStatsCmd(a *app) *cobra.Command {
	var kind kindFlag
	cmd := &cobra.Command{
		Use:   "stats NAME",
		Short: "Show collection statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := kind.options()
			if err != nil {
				return err
			}
			return a.withRouter(cmd.Context(), func(r *router.Router) error {
				stats := r.GetStats(cmd.Context(), args[0], opts...)
				if err := writeJSON(cmd.OutOrStdout(), stats); err != nil {
					return err
				}
				if msg, failed := stats["error"]; failed {
					return fmt.Errorf("stats for %q: %v", args[0], msg)
				}
				return nil
			})
		},
	}
	kind.register(cmd)
	return cmd
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		kind    kindFlag
		limit   int
		filters []string
	)
	cmd := &cobra.Command{
		Use:   "search COLLECTION QUERY...",
		Short: "Run a keyword search through the router",
		Long: `Search the active primary, falling back as configured. Only keyword
queries are possible from the command line; vector queries go through the
library.

Examples:
  vrouter search docs router fallback --limit 5
  vrouter search docs retries --filter lang=go --backend mock`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := kind.options()
			if err != nil {
				return err
			}
			where, err := parseFilters(filters)
			if err != nil {
				return err
			}
			req := backend.SearchRequest{
				Collection: args[0],
				Query:      strings.Join(args[1:], " "),
				Limit:      limit,
				Filters:    where,
			}
			ctx := logging.WithCollection(cmd.Context(), req.Collection)
			return a.withRouter(ctx, func(r *router.Router) error {
				hits := r.Search(ctx, req, opts...)
				logging.FromContext(ctx).Debug(ctx, "search complete",
					zap.Int("hits", len(hits)),
					zap.Int("filters", len(where)))
				if a.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), hits)
				}
				for _, h := range hits {
					fmt.Fprintf(cmd.OutOrStdout(), "%.4f\t%s\t%s\t%s\n", h.Score, h.Source, h.ID, oneLine(h.Content))
				}
				return nil
			})
		},
	}
	kind.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of hits (0 uses the default)")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "metadata equality filter key=value (repeatable)")
	return cmd
}

// parseFilters turns key=value flags into metadata filters. Values that
// parse as numbers or booleans are passed typed.
func parseFilters(in []string) (map[string]any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(in))
	for _, f := range in {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", f)
		}
		if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
		} else if x, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = x
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
