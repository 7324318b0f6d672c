package cluster

import (
	"fmt"
	"strings"

	"searchcoord/internal/store"
)

// Store layout. Every coordination document lives under one of these.
const (
	LiveNodesPath        = "/live_nodes"
	NodeRolesPath        = "/node_roles"
	CollectionsPath      = "/collections"
	OverseerElectPath    = "/overseer_elect"
	OverseerElectionPath = "/overseer_elect/election"
	OverseerLeaderPath   = "/overseer_elect/leader"
	OverseerQueuePath    = "/overseer/queue"
	AdminQueuePath       = "/overseer/collection-queue-work"
	ClusterPropsPath     = "/clusterprops.json"
)

// Node roles.
const (
	RoleOverseer = "overseer"
)

// BasePaths are created once by every starting node.
func BasePaths() []string {
	return []string{
		LiveNodesPath,
		NodeRolesPath,
		store.Join(NodeRolesPath, RoleOverseer),
		CollectionsPath,
		OverseerElectionPath,
		OverseerQueuePath,
		AdminQueuePath,
	}
}

// LiveNodePath is the ephemeral marker for nodeName.
func LiveNodePath(nodeName string) string {
	return store.Join(LiveNodesPath, nodeName)
}

// NodeRolePath is the ephemeral role marker for nodeName.
func NodeRolePath(role, nodeName string) string {
	return store.Join(NodeRolesPath, role, nodeName)
}

// CollectionPath is the root of one collection's documents.
func CollectionPath(collection string) string {
	return store.Join(CollectionsPath, collection)
}

// StatePath is the collection's state.json.
func StatePath(collection string) string {
	return store.Join(CollectionsPath, collection, "state.json")
}

// PRSPath is the directory of per-replica-state records.
func PRSPath(collection string) string {
	return store.Join(CollectionsPath, collection, "state.json.prs")
}

// ShardElectionPath is the election directory for one shard.
func ShardElectionPath(collection, shard string) string {
	return store.Join(CollectionsPath, collection, "leader_elect", shard, "election")
}

// ShardLeaderPath is the ephemeral leader record for one shard.
func ShardLeaderPath(collection, shard string) string {
	return store.Join(CollectionsPath, collection, "leaders", shard, "leader")
}

// TermsPath is the shard term document.
func TermsPath(collection, shard string) string {
	return store.Join(CollectionsPath, collection, "terms", shard)
}

// NodeName builds the "host:port_context" identity of a node. Slashes in
// the context are replaced so the name is a single path segment.
func NodeName(host string, port int, context string) string {
	context = strings.Trim(context, "/")
	return fmt.Sprintf("%s:%d_%s", host, port, strings.ReplaceAll(context, "/", "%2F"))
}

// BaseURLForNode turns a node name back into its base URL.
func BaseURLForNode(nodeName, scheme string) string {
	if scheme == "" {
		scheme = "http"
	}
	hostPort, context, ok := strings.Cut(nodeName, "_")
	if !ok {
		return scheme + "://" + nodeName
	}
	context = strings.ReplaceAll(context, "%2F", "/")
	return scheme + "://" + hostPort + "/" + context
}
