// Command syncctl inspects and operates the sync layer from the command line. It
// runs the same components as syncd, in process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	verbose   bool
	configDir string
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Operate the knowledge sync layer",
	Long: `syncctl reads and writes documents through the offline cache, inspects and
drains the pending-write queue, reconciles graph batches and runs similarity search.

Examples:
  syncctl get topics 6f1c...              # Read a row through the cache
  syncctl set topics 6f1c... '{"title":"Roadmap"}'
  syncctl pending                         # List queued writes
  syncctl drain                           # Replay queued writes once
  syncctl reconcile --file batch.yaml     # Save entities and relations of a topic
  syncctl similar entity --text "Acme"    # Search entity embeddings

Configuration is read from $CONFIG_DIR (default ./config) for $ENVIRONMENT.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Configuration directory (overrides CONFIG_DIR)")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
