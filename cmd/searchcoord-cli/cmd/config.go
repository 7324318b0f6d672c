// =============================================================================
// CONFIG COMMANDS - CLUSTER CONTEXTS
// =============================================================================
//
// COMMANDS:
//   searchcoord-cli config view                      Contexts and config file
//   searchcoord-cli config use-context <name>        Select a context
//   searchcoord-cli config set-context <name>        Create or replace endpoints
//   searchcoord-cli config add-server <name> <url>   Append a failover node
//   searchcoord-cli config remove-server <name> <url>
//   searchcoord-cli config delete-context <name>
//
// EXAMPLES:
//   searchcoord-cli config set-context prod \
//     --server http://search-node-1.prod:8080,http://search-node-2.prod:8080
//   searchcoord-cli config add-server prod http://search-node-3.prod:8080
//   searchcoord-cli config use-context prod
//
// =============================================================================

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"searchcoord/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage cluster contexts",
	Long: `Manage the contexts in ~/.searchcoord/config.yaml.

A context is one cluster: an ordered list of node admin endpoints. Commands
go to the first endpoint that answers, so list more than one node to keep
the CLI working while a node is down.`,
}

var (
	setContextServers []string
	setContextTimeout int
)

func init() {
	configSetContextCmd.Flags().StringSliceVar(&setContextServers, "server", nil,
		"Node admin URL, repeatable or comma separated; replaces the context's list")
	configSetContextCmd.Flags().IntVar(&setContextTimeout, "timeout", 0,
		"Request timeout in seconds")

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configSetContextCmd)
	configCmd.AddCommand(configAddServerCmd)
	configCmd.AddCommand(configRemoveServerCmd)
	configCmd.AddCommand(configDeleteContextCmd)
}

var configViewCmd = &cobra.Command{
	Use:     "view",
	Aliases: []string{"get-contexts"},
	Short:   "Show contexts and their endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return handleError(err)
		}
		format, err := cli.ParseOutputFormat(outputFlag)
		if err != nil {
			return err
		}
		f := cli.NewFormatter(format)
		if format != cli.OutputTable {
			return f.Format(cfg)
		}

		fmt.Printf("Config file: %s\n\n", cli.DefaultConfigPath())
		table := f.Table()
		table.SetHeaders("CURRENT", "NAME", "SERVERS", "TIMEOUT")
		table.WriteHeaders()
		for _, name := range cfg.ListContexts() {
			ctx := cfg.Contexts[name]
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			timeout := "-"
			if ctx.Timeout > 0 {
				timeout = fmt.Sprintf("%ds", ctx.Timeout)
			}
			table.WriteRow(current, name, strings.Join(ctx.Servers, ","), timeout)
		}
		return table.Flush()
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Select the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(func(cfg *cli.Config) error {
			return cfg.UseContext(args[0])
		}, "Switched to context %q", args[0])
	},
}

var configSetContextCmd = &cobra.Command{
	Use:   "set-context <name>",
	Short: "Create a context or update its endpoints and timeout",
	Long: `Create a context or update an existing one.

A new context needs at least one --server. On an existing context --server
replaces the whole list; use add-server to append a single node.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		return updateConfig(func(cfg *cli.Config) error {
			ctx, err := cfg.GetContext(name)
			if err != nil {
				ctx = &cli.ContextConfig{}
			} else {
				ctx = &cli.ContextConfig{Servers: append([]string(nil), ctx.Servers...), Timeout: ctx.Timeout}
			}
			if cmd.Flags().Changed("server") {
				ctx.Servers = cli.SplitServers(setContextServers...)
			}
			if cmd.Flags().Changed("timeout") {
				ctx.Timeout = setContextTimeout
			}
			return cfg.SetContext(name, ctx)
		}, "Context %q saved", name)
	},
}

var configAddServerCmd = &cobra.Command{
	Use:   "add-server <context> <url>",
	Short: "Append a node endpoint to a context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(func(cfg *cli.Config) error {
			ctx, err := cfg.GetContext(args[0])
			if err != nil {
				return err
			}
			next := &cli.ContextConfig{Servers: append([]string(nil), ctx.Servers...), Timeout: ctx.Timeout}
			next.AddServers(args[1])
			return cfg.SetContext(args[0], next)
		}, "Added %s to context %q", args[1], args[0])
	},
}

var configRemoveServerCmd = &cobra.Command{
	Use:   "remove-server <context> <url>",
	Short: "Remove a node endpoint from a context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(func(cfg *cli.Config) error {
			ctx, err := cfg.GetContext(args[0])
			if err != nil {
				return err
			}
			next := &cli.ContextConfig{Servers: append([]string(nil), ctx.Servers...), Timeout: ctx.Timeout}
			if !next.RemoveServer(args[1]) {
				return fmt.Errorf("context %q has no server %s", args[0], args[1])
			}
			// SetContext refuses to leave a context without endpoints.
			return cfg.SetContext(args[0], next)
		}, "Removed %s from context %q", args[1], args[0])
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(func(cfg *cli.Config) error {
			return cfg.DeleteContext(args[0])
		}, "Context %q deleted", args[0])
	},
}

// updateConfig loads the file, applies change and saves it only when the
// change succeeded.
func updateConfig(change func(*cli.Config) error, done string, args ...interface{}) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return handleError(err)
	}
	if err := change(cfg); err != nil {
		return handleError(err)
	}
	if err := cfg.Save(); err != nil {
		return handleError(err)
	}
	cli.PrintSuccess(done, args...)
	return nil
}
