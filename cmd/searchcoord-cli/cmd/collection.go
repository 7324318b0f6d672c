// =============================================================================
// COLLECTION COMMANDS
// =============================================================================
//
// COMMANDS:
//   searchcoord-cli collection list                  List collections
//   searchcoord-cli collection get <name>            Shards and replicas
//   searchcoord-cli collection create <name>         Queue a creation
//   searchcoord-cli collection delete <name>         Queue a deletion
//   searchcoord-cli collection leader <name> <shard> Registered shard leader
//
// EXAMPLES:
//   searchcoord-cli collection create books --shards 2 --replication-factor 2
//   searchcoord-cli collection create logs --shard-names a,b,c --prs
//   searchcoord-cli collection create films --property owner=search-team
//
// =============================================================================

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"searchcoord/internal/api"
)

var collectionCmd = &cobra.Command{
	Use:     "collection",
	Aliases: []string{"coll"},
	Short:   "Manage collections",
}

func init() {
	collectionCmd.AddCommand(collectionListCmd)
	collectionCmd.AddCommand(collectionGetCmd)
	collectionCmd.AddCommand(collectionCreateCmd)
	collectionCmd.AddCommand(collectionDeleteCmd)
	collectionCmd.AddCommand(collectionLeaderCmd)
}

var collectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		colls, err := client.ListCollections(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatCollections(colls)
	},
}

var collectionGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show a collection's shards and replicas",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		coll, err := client.GetCollection(ctx, args[0])
		if err != nil {
			return handleError(err)
		}
		// live nodes only mark replicas whose node is gone; a failure
		// here just drops that hint
		var live []string
		if resp, err := client.LiveNodes(ctx); err == nil {
			live = resp.LiveNodes
		}
		return formatter.FormatCollection(coll, live)
	},
}

var (
	createNumShards  int
	createShardNames []string
	createRF         int
	createPRS        bool
	createProps      []string
)

var collectionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Queue the creation of a collection",
	Long: `Queue the creation of a collection. The overseer writes its state
document with empty shards; add replicas with "replica add".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProps(createProps)
		if err != nil {
			return handleError(err)
		}

		ctx, cancel := getContext()
		defer cancel()

		resp, err := client.CreateCollection(ctx, api.CreateCollectionRequest{
			Name:              args[0],
			NumShards:         createNumShards,
			Shards:            createShardNames,
			ReplicationFactor: createRF,
			PerReplicaState:   createPRS,
			Properties:        props,
		})
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatSubmitted(resp)
	},
}

func init() {
	collectionCreateCmd.Flags().IntVarP(&createNumShards, "shards", "n", 1, "Number of shards")
	collectionCreateCmd.Flags().StringSliceVar(&createShardNames, "shard-names", nil, "Explicit shard names (overrides --shards)")
	collectionCreateCmd.Flags().IntVarP(&createRF, "replication-factor", "r", 1, "Replicas per shard")
	collectionCreateCmd.Flags().BoolVar(&createPRS, "prs", false, "Keep replica states outside state.json")
	collectionCreateCmd.Flags().StringArrayVar(&createProps, "property", nil, "Collection property key=value (repeatable)")
}

var collectionDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Queue the deletion of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		resp, err := client.DeleteCollection(ctx, args[0])
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatSubmitted(resp)
	},
}

var collectionLeaderCmd = &cobra.Command{
	Use:   "leader <name> <shard>",
	Short: "Show the registered leader of a shard",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		l, err := client.GetShardLeader(ctx, args[0], args[1])
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatShardLeader(l)
	},
}

func parseProps(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	props := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("property %q: want key=value", kv)
		}
		props[k] = v
	}
	return props, nil
}
