// =============================================================================
// SEARCHCOORD CLI - MAIN ENTRY POINT
// =============================================================================
//
// Command-line client for the admin API of a coordination node.
//
// USAGE:
//   searchcoord-cli [command] [subcommand] [flags]
//
// EXAMPLES:
//   searchcoord-cli cluster state                       # Nodes and replica counts
//   searchcoord-cli collection create books -n 2 -r 2   # Queue a collection
//   searchcoord-cli collection get books                # Shards and replicas
//   searchcoord-cli collection leader books shard1      # Registered shard leader
//   searchcoord-cli replica add books shard1 --node 10.0.0.5:8983_solr
//   searchcoord-cli cluster overseer                    # Elected overseer
//
// CONFIGURATION:
//   Config file: ~/.searchcoord/config.yaml
//   Env vars: SEARCHCOORD_SERVER, SEARCHCOORD_CONTEXT, SEARCHCOORD_TIMEOUT
//
// =============================================================================

package main

import (
	"os"

	"searchcoord/cmd/searchcoord-cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
