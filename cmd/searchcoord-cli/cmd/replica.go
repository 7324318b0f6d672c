// =============================================================================
// REPLICA AND CLUSTER PROPERTY COMMANDS
// =============================================================================
//
// COMMANDS:
//   searchcoord-cli replica add <collection> <shard> --node <node>
//   searchcoord-cli replica delete <collection> <replica>
//   searchcoord-cli clusterprop list
//   searchcoord-cli clusterprop set <name> [value]
//
// Adding a replica only records it in the cluster state. The node named by
// --node must then host a core of that name and register it.
//
// =============================================================================

package cmd

import (
	"github.com/spf13/cobra"

	"searchcoord/internal/api"
)

var replicaCmd = &cobra.Command{
	Use:   "replica",
	Short: "Manage replicas",
}

var (
	replicaNode string
	replicaCore string
	replicaName string
	replicaType string
)

var replicaAddCmd = &cobra.Command{
	Use:   "add <collection> <shard>",
	Short: "Queue a new replica",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		resp, err := client.AddReplica(ctx, args[0], args[1], api.AddReplicaRequest{
			NodeName:     replicaNode,
			Core:         replicaCore,
			CoreNodeName: replicaName,
			Type:         replicaType,
		})
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatSubmitted(resp)
	},
}

var replicaDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <replica>",
	Short: "Queue the removal of a replica",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		resp, err := client.DeleteReplica(ctx, args[0], args[1])
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatSubmitted(resp)
	},
}

func init() {
	replicaAddCmd.Flags().StringVar(&replicaNode, "node", "", "Node that will host the replica (required)")
	replicaAddCmd.Flags().StringVar(&replicaCore, "core", "", "Core name (generated when empty)")
	replicaAddCmd.Flags().StringVar(&replicaName, "name", "", "Replica name (core_nodeN when empty)")
	replicaAddCmd.Flags().StringVarP(&replicaType, "type", "t", "nrt", "Replica type: nrt, tlog, pull")
	replicaAddCmd.MarkFlagRequired("node")

	replicaCmd.AddCommand(replicaAddCmd)
	replicaCmd.AddCommand(replicaDeleteCmd)

	clusterPropCmd.AddCommand(clusterPropListCmd)
	clusterPropCmd.AddCommand(clusterPropSetCmd)
}

var clusterPropCmd = &cobra.Command{
	Use:   "clusterprop",
	Short: "Read and set cluster properties",
}

var clusterPropListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cluster properties",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		props, err := client.ClusterProps(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatProps(props)
	},
}

var clusterPropSetCmd = &cobra.Command{
	Use:   "set <name> [value]",
	Short: "Queue a cluster property change; no value removes it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		value := ""
		if len(args) == 2 {
			value = args[1]
		}
		resp, err := client.SetClusterProp(ctx, args[0], value)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatSubmitted(resp)
	},
}
