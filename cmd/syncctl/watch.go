package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/GAIKONDO/app42-sub006/internal/binding"
	"github.com/GAIKONDO/app42-sub006/internal/di"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

var watchFor time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <table> <id>",
	Short: "Print a row and every change pushed for it until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(ctx context.Context, c *di.Container) error {
			if !c.Feeds.Enabled() {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: realtime is disabled, only the current state is shown")
			}
			return watchDocument(ctx, cmd.OutOrStdout(), c, args[0], args[1], watchFor)
		})
	},
}

func init() {
	watchCmd.Flags().DurationVarP(&watchFor, "for", "d", 0, "stop after this long (0 waits for an interrupt)")
}

func watchDocument(ctx context.Context, w io.Writer, c *di.Container, table, id string, d time.Duration) error {
	doc := binding.New(c.Store.Backend, c.Resolver, c.Feeds, table, id, binding.Options{
		OnConflict: func(err *syncerrors.ConflictError) {
			fmt.Fprintf(w, "conflict: %v\n", err)
		},
	}, c.Logger)

	doc.OnChange(func(state persistence.Document) {
		printState(w, state)
	})
	if err := doc.Mount(ctx); err != nil {
		return err
	}
	defer doc.Unmount()

	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	<-ctx.Done()
	return nil
}

func printState(w io.Writer, state persistence.Document) {
	if state == nil {
		fmt.Fprintln(w, "null")
		return
	}
	b, err := json.Marshal(state)
	if err != nil {
		fmt.Fprintf(w, "unprintable state: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(b))
}
