// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// GLOBAL FLAGS:
//   --server, -s    Admin API URL of a node; repeat to list failover nodes
//   --context, -c   Config context to use
//   --output, -o    Output format: table, json, yaml (default: table)
//   --timeout       Request timeout (default: 30s)
//
// SUBCOMMANDS:
//   cluster       Cluster state, live nodes, overseer, health
//   collection    List, inspect, create and delete collections
//   replica       Add and remove replicas
//   clusterprop   Read and set cluster properties
//   config        Manage CLI configuration
//   version       Show version information
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"searchcoord/internal/cli"
)

var (
	serverFlag  []string
	contextFlag string
	outputFlag  string
	timeoutFlag time.Duration

	config    *cli.Config
	client    *cli.Client
	formatter *cli.Formatter
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "searchcoord-cli",
	Short: "Command-line interface for a searchcoord cluster",
	Long: `searchcoord-cli talks to the admin API of any node in the cluster.

Reads are answered from that node's view of the cluster state. Changes are
queued and applied by the elected overseer, so a successful command means
"accepted", not "done": use "collection get" to watch the result.

Use "searchcoord-cli [command] --help" for more information about a command.`,
	PersistentPreRunE: initializeClient,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&serverFlag, "server", "s", nil,
		"Admin API URL of a node, repeatable; later ones are tried when earlier ones are down (env: SEARCHCOORD_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&contextFlag, "context", "c", "",
		"Config context to use (env: SEARCHCOORD_CONTEXT)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second,
		"Request timeout (env: SEARCHCOORD_TIMEOUT)")

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(collectionCmd)
	rootCmd.AddCommand(replicaCmd)
	rootCmd.AddCommand(clusterPropCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// initializeClient sets up the HTTP client and formatter before each command.
func initializeClient(cmd *cobra.Command, args []string) error {
	// config commands manage the file themselves
	if cmd.Name() == "config" || cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	var err error
	config, err = cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if contextFlag != "" {
		if err := config.UseContext(contextFlag); err != nil {
			return err
		}
	} else if envCtx := os.Getenv(cli.EnvContext); envCtx != "" {
		if err := config.UseContext(envCtx); err != nil {
			return err
		}
	}

	timeout = cli.ResolveTimeout(timeoutFlag, cmd.Flags().Changed("timeout"), config)
	client = cli.NewClient(cli.ClientConfig{
		Servers: cli.ResolveServers(serverFlag, config),
		Timeout: timeout,
	})

	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format)
	return nil
}

// getContext returns a context with the request timeout.
func getContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// handleError prints an error and returns it.
func handleError(err error) error {
	cli.PrintError("%v", err)
	return err
}
