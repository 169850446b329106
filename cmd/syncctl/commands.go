package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/GAIKONDO/app42-sub006/internal/config"
	"github.com/GAIKONDO/app42-sub006/internal/di"
	"github.com/GAIKONDO/app42-sub006/internal/domain/graph"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/handlers"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
	"github.com/GAIKONDO/app42-sub006/internal/service/embedding"
	"github.com/GAIKONDO/app42-sub006/internal/service/reconcile"
)

// withContainer loads the configuration, builds the container and restores the
// journaled queue before running fn.
func withContainer(cmd *cobra.Command, fn func(ctx context.Context, c *di.Container) error) error {
	dir := configDir
	if dir == "" {
		dir = config.ConfigDir()
	}
	cfg, err := config.NewLoader(dir, config.EnvironmentFromEnv()).Load()
	if err != nil {
		return err
	}
	cfg.Logging.Level = "warn"
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Output = "stderr"

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	container, cleanup, err := di.InitializeContainer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	if err := container.Cache.Restore(ctx); err != nil {
		logger.Warn("Failed to restore pending writes", zap.Error(err))
	}
	return fn(ctx, container)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var getCmd = &cobra.Command{
	Use:   "get <table> <id>",
	Short: "Read a row through the offline cache",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *di.Container) error {
			doc, err := c.Cache.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("%s/%s: %w", args[0], args[1], syncerrors.ErrNotFound)
			}
			return printJSON(cmd.OutOrStdout(), doc)
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <table> <id> <json>",
	Short: "Upsert a row, queueing it when the backend is unreachable",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var doc persistence.Document
		if err := json.Unmarshal([]byte(args[2]), &doc); err != nil {
			return fmt.Errorf("invalid document: %w", err)
		}
		return withContainer(cmd, func(ctx context.Context, c *di.Container) error {
			err := c.Cache.Set(ctx, args[0], args[1], doc)
			var offlineErr *syncerrors.OfflineError
			switch {
			case err == nil:
				fmt.Fprintf(cmd.OutOrStdout(), "written %s/%s\n", args[0], args[1])
			case errors.As(err, &offlineErr) && offlineErr.Queued:
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s/%s for sync (%d pending)\n", args[0], args[1], len(c.Cache.Pending()))
				if c.Redis == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: no redis journal configured, the queued write is lost when syncctl exits")
				}
			default:
				return err
			}
			return nil
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued writes, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *di.Container) error {
			writes := c.Cache.Pending()
			return printJSON(cmd.OutOrStdout(), handlers.PendingResponse{Count: len(writes), Writes: writes})
		})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued writes once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *di.Container) error {
			if !c.Monitor.Probe(ctx) {
				return &syncerrors.OfflineError{Table: "*", ID: "*"}
			}
			return printJSON(cmd.OutOrStdout(), c.Cache.SyncPendingWrites(ctx))
		})
	},
}

var reconcileFile string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Save the entities and relations of one topic from a YAML or JSON batch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, err := readBatch(reconcileFile)
		if err != nil {
			return err
		}
		return withContainer(cmd, func(ctx context.Context, c *di.Container) error {
			res, err := c.Reconciler.Save(ctx, reconcile.Request{
				Topic:     batch.Topic,
				Entities:  batch.Entities,
				Relations: batch.Relations,
				Cancelled: func() bool { return ctx.Err() != nil },
			})
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

// readBatch decodes a batch file. YAML is a superset of JSON, and the decoded
// tree is re-encoded as JSON so the graph types' field names apply.
func readBatch(path string) (*handlers.ReconcileRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse batch %s: %w", path, err)
	}
	asJSON, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to convert batch %s: %w", path, err)
	}
	var batch handlers.ReconcileRequest
	if err := json.Unmarshal(asJSON, &batch); err != nil {
		return nil, fmt.Errorf("invalid batch %s: %w", path, err)
	}
	return &batch, nil
}

var similarOpts struct {
	text      string
	threshold float64
	limit     int
	org       string
	company   string
}

var similarCmd = &cobra.Command{
	Use:   "similar <entity|relation|topic>",
	Short: "Search stored embeddings with a text query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *di.Container) error {
			if c.Embeddings == nil {
				return errors.New("no embedding provider configured")
			}
			matches, err := c.Embeddings.FindSimilarText(ctx, args[0], similarOpts.text, embedding.SearchOptions{
				Threshold: similarOpts.threshold,
				Limit:     similarOpts.limit,
				Scope:     graph.Scope{OrganizationID: similarOpts.org, CompanyID: similarOpts.company},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), matches)
		})
	},
}

func init() {
	reconcileCmd.Flags().StringVarP(&reconcileFile, "file", "f", "", "Batch file (YAML or JSON)")
	_ = reconcileCmd.MarkFlagRequired("file")

	similarCmd.Flags().StringVar(&similarOpts.text, "text", "", "Query text")
	similarCmd.Flags().Float64Var(&similarOpts.threshold, "threshold", 0.7, "Minimum similarity")
	similarCmd.Flags().IntVar(&similarOpts.limit, "limit", 10, "Maximum number of matches")
	similarCmd.Flags().StringVar(&similarOpts.org, "org", "", "Organization scope")
	similarCmd.Flags().StringVar(&similarOpts.company, "company", "", "Company scope")
	_ = similarCmd.MarkFlagRequired("text")
}
