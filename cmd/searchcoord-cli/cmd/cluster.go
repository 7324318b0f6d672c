// =============================================================================
// CLUSTER COMMANDS - CLUSTER-WIDE VIEW
// =============================================================================
//
// COMMANDS:
//   searchcoord-cli cluster state       Nodes with replica and leader counts
//   searchcoord-cli cluster nodes       Live nodes
//   searchcoord-cli cluster overseer    Elected overseer and its queues
//   searchcoord-cli cluster health      Health of the node being asked
//
// =============================================================================

package cmd

import (
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect the cluster",
}

func init() {
	clusterCmd.AddCommand(clusterStateCmd)
	clusterCmd.AddCommand(clusterNodesCmd)
	clusterCmd.AddCommand(clusterOverseerCmd)
	clusterCmd.AddCommand(clusterHealthCmd)
}

var clusterStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the cluster state",
	Long: `Show every node known to the cluster state with its replica and
leader counts. Use -o json for the full document.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		state, err := client.ClusterState(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatClusterState(state)
	},
}

var clusterNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List live nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		resp, err := client.LiveNodes(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatLiveNodes(resp)
	},
}

var clusterOverseerCmd = &cobra.Command{
	Use:   "overseer",
	Short: "Show the elected overseer",
	Long: `Show the elected overseer. Queue sizes and per-operation counters are
only known to the overseer itself; point --server at it to see them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		st, err := client.OverseerStatus(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatOverseer(st)
	},
}

var clusterHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show node health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		h, err := client.Health(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatHealth(h)
	},
}
