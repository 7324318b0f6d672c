// =============================================================================
// CLI OUTPUT FORMATTER - TABLE, JSON, YAML OUTPUT SUPPORT
// =============================================================================
//
// WHAT IS THIS?
// Output formatting utilities for the CLI, supporting multiple output formats:
//   - Table (default): Human-readable ASCII tables
//   - JSON: Machine-readable, for scripting with jq
//   - YAML: Machine-readable, configuration-friendly
//
// WHY MULTIPLE FORMATS?
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │  DIFFERENT USERS, DIFFERENT NEEDS                                       │
//   │                                                                         │
//   │  Human (Terminal):                                                      │
//   │    $ searchcoord collection list                                        │
//   │    NAME      SHARDS   REPLICAS   ACTIVE   RF                            │
//   │    books     2        4          4        2                             │
//   │    films     1        2          1        2                             │
//   │                                                                         │
//   │  Script (JSON + jq):                                                    │
//   │    $ searchcoord collection list -o json | jq '.[].name'                │
//   │    "books"                                                              │
//   │    "films"                                                              │
//   │                                                                         │
//   │  Config (YAML):                                                         │
//   │    $ searchcoord collection get books -o yaml > books.yaml              │
//   │    name: books                                                          │
//   │    replicationfactor: 2                                                 │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// =============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"searchcoord/internal/api"
	"searchcoord/internal/cluster"
	"searchcoord/internal/overseer"
)

// =============================================================================
// OUTPUT FORMAT
// =============================================================================

// OutputFormat represents the output format type.
type OutputFormat string

// Supported output formats
const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// ParseOutputFormat parses an output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	case "yaml", "yml":
		return OutputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter handles output formatting for CLI commands.
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a new formatter with the specified format.
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{
		format: format,
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer (for testing).
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// Format outputs data in the configured format.
func (f *Formatter) Format(data interface{}) error {
	switch f.format {
	case OutputJSON:
		return f.formatJSON(data)
	case OutputYAML:
		return f.formatYAML(data)
	default:
		// Table format requires specific handling per data type
		return fmt.Errorf("use specific table method for data type")
	}
}

// formatJSON outputs data as JSON.
func (f *Formatter) formatJSON(data interface{}) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// formatYAML outputs data as YAML.
func (f *Formatter) formatYAML(data interface{}) error {
	encoder := yaml.NewEncoder(f.writer)
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

// =============================================================================
// TABLE FORMATTING
// =============================================================================

// Table creates a new table writer.
func (f *Formatter) Table() *TableWriter {
	return &TableWriter{
		tw:      tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0),
		headers: nil,
	}
}

// TableWriter wraps tabwriter for convenient table output.
type TableWriter struct {
	tw      *tabwriter.Writer
	headers []string
}

// SetHeaders sets the table headers.
func (t *TableWriter) SetHeaders(headers ...string) {
	t.headers = headers
}

// WriteHeaders writes the headers row.
func (t *TableWriter) WriteHeaders() {
	if len(t.headers) == 0 {
		return
	}
	// Convert to uppercase for visual distinction
	upper := make([]string, len(t.headers))
	for i, h := range t.headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(t.tw, strings.Join(upper, "\t"))
}

// WriteRow writes a single row.
func (t *TableWriter) WriteRow(values ...interface{}) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	fmt.Fprintln(t.tw, strings.Join(strs, "\t"))
}

// Flush flushes the table writer.
func (t *TableWriter) Flush() error {
	return t.tw.Flush()
}

// =============================================================================
// SPECIFIC DATA TYPE FORMATTERS
// =============================================================================

// structured handles the json and yaml formats; ok is false for tables.
func (f *Formatter) structured(data interface{}) (ok bool, err error) {
	switch f.format {
	case OutputJSON:
		return true, f.formatJSON(data)
	case OutputYAML:
		return true, f.formatYAML(data)
	}
	return false, nil
}

// FormatCollections outputs the collection list.
func (f *Formatter) FormatCollections(colls []api.CollectionSummary) error {
	if ok, err := f.structured(colls); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("NAME", "SHARDS", "REPLICAS", "ACTIVE", "RF", "PRS")
	table.WriteHeaders()
	for _, c := range colls {
		table.WriteRow(c.Name, len(c.Shards), c.Replicas, c.ActiveReplicas, c.ReplicationFactor, yesNo(c.PerReplicaState))
	}
	return table.Flush()
}

// FormatCollection outputs one collection with a row per replica.
func (f *Formatter) FormatCollection(c *cluster.Collection, liveNodes []string) error {
	if ok, err := f.structured(c); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Name:               %s\n", c.Name)
	fmt.Fprintf(f.writer, "Replication Factor: %d\n", c.ReplicationFactor)
	fmt.Fprintf(f.writer, "Per-Replica State:  %s\n", yesNo(c.PerReplicaState))
	fmt.Fprintf(f.writer, "Version:            %d\n", c.Version)
	for _, k := range sortedProps(c.Props) {
		fmt.Fprintf(f.writer, "  %s = %s\n", k, c.Props[k])
	}
	fmt.Fprintln(f.writer)

	table := f.Table()
	table.SetHeaders("SHARD", "SHARD STATE", "REPLICA", "CORE", "NODE", "TYPE", "STATE", "LEADER")
	table.WriteHeaders()
	for _, shard := range c.SliceNames() {
		sl := c.Slice(shard)
		for _, name := range sl.ReplicaNames() {
			r := sl.Replicas[name]
			state := string(r.State)
			if liveNodes != nil && !r.IsActive(liveNodes) && r.State == cluster.StateActive {
				state += " (node down)"
			}
			leader := ""
			if r.Leader {
				leader = "*"
			}
			table.WriteRow(shard, sl.State, r.Name, r.Core, r.NodeName, r.Type, state, leader)
		}
	}
	return table.Flush()
}

// FormatClusterState outputs a cluster summary.
func (f *Formatter) FormatClusterState(state *cluster.ClusterState) error {
	if ok, err := f.structured(state); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Live Nodes:  %d\n", len(state.LiveNodes))
	fmt.Fprintf(f.writer, "Collections: %d\n", len(state.Collections))
	fmt.Fprintln(f.writer)

	table := f.Table()
	table.SetHeaders("NODE", "LIVE", "REPLICAS", "LEADERS")
	table.WriteHeaders()
	for _, node := range clusterNodes(state) {
		refs := state.ReplicasOnNode(node)
		leaders := 0
		for _, ref := range refs {
			if ref.Replica.Leader {
				leaders++
			}
		}
		table.WriteRow(node, yesNo(state.IsLive(node)), len(refs), leaders)
	}
	return table.Flush()
}

// FormatLiveNodes outputs the live node list.
func (f *Formatter) FormatLiveNodes(resp *LiveNodesResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("NODE")
	table.WriteHeaders()
	for _, n := range resp.LiveNodes {
		table.WriteRow(n)
	}
	return table.Flush()
}

// FormatProps outputs cluster properties.
func (f *Formatter) FormatProps(props map[string]string) error {
	if ok, err := f.structured(props); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("NAME", "VALUE")
	table.WriteHeaders()
	for _, k := range sortedProps(props) {
		table.WriteRow(k, props[k])
	}
	return table.Flush()
}

// FormatShardLeader outputs a shard leader.
func (f *Formatter) FormatShardLeader(l *ShardLeader) error {
	if ok, err := f.structured(l); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Shard:   %s/%s\n", l.Collection, l.Shard)
	fmt.Fprintf(f.writer, "Replica: %s\n", l.Replica)
	fmt.Fprintf(f.writer, "Node:    %s\n", l.NodeName)
	fmt.Fprintf(f.writer, "URL:     %s\n", l.LeaderURL)
	return nil
}

// FormatOverseer outputs overseer status.
func (f *Formatter) FormatOverseer(st *api.OverseerStatus) error {
	if ok, err := f.structured(st); ok {
		return err
	}

	if st.LeaderNode == "" {
		fmt.Fprintln(f.writer, "Leader:  none elected")
		return nil
	}
	fmt.Fprintf(f.writer, "Leader:  %s\n", st.LeaderNode)
	fmt.Fprintf(f.writer, "Vote:    %s\n", st.Leader)
	if st.Local == nil {
		return nil
	}
	fmt.Fprintf(f.writer, "Mode:    %s\n", map[bool]string{true: "distributed", false: "queued"}[st.Local.Distributed])
	fmt.Fprintf(f.writer, "Since:   %s\n", st.Local.ElectedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(f.writer, "Queue:   %d state, %d admin\n", st.Local.QueueSize, st.Local.AdminQueueSize)
	fmt.Fprintf(f.writer, "Poison:  %d\n", st.Local.Poison)
	if len(st.Local.Operations) == 0 {
		return nil
	}
	fmt.Fprintln(f.writer)

	table := f.Table()
	table.SetHeaders("OPERATION", "SUCCESS", "ERRORS")
	table.WriteHeaders()
	for _, op := range sortedOps(st.Local.Operations) {
		table.WriteRow(op, st.Local.Operations[op].Success, st.Local.Operations[op].Errors)
	}
	return table.Flush()
}

// FormatSubmitted outputs the acknowledgement of a queued command.
func (f *Formatter) FormatSubmitted(resp *api.SubmitResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}
	PrintSuccess("%s queued as %s (request %s)", resp.Operation, resp.ID, resp.RequestID)
	return nil
}

// FormatHealth outputs health status.
func (f *Formatter) FormatHealth(health *HealthResponse) error {
	if ok, err := f.structured(health); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Node:      %s\n", health.NodeName)
	fmt.Fprintf(f.writer, "Status:    %s\n", health.Status)
	fmt.Fprintf(f.writer, "Ready:     %s\n", yesNo(health.Ready))
	fmt.Fprintf(f.writer, "Uptime:    %s\n", health.Uptime)
	fmt.Fprintln(f.writer)

	table := f.Table()
	table.SetHeaders("CHECK", "STATUS", "MESSAGE")
	table.WriteHeaders()
	names := make([]string, 0, len(health.Checks))
	for n := range health.Checks {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		table.WriteRow(n, health.Checks[n].Status, health.Checks[n].Message)
	}
	return table.Flush()
}

// FormatVersion outputs version information.
func (f *Formatter) FormatVersion(info *VersionInfo) error {
	if ok, err := f.structured(info); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Client Version: %s\n", info.ClientVersion)
	if info.ServerVersion != "" {
		fmt.Fprintf(f.writer, "Server Version: %s (%s, %s)\n", info.ServerVersion, info.GitCommit, info.GoVersion)
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func sortedProps(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedOps(m map[string]overseer.OperationStats) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// clusterNodes lists live nodes plus any node still hosting replicas.
func clusterNodes(state *cluster.ClusterState) []string {
	seen := make(map[string]bool)
	for _, n := range state.LiveNodes {
		seen[n] = true
	}
	for _, c := range state.Collections {
		for _, sl := range c.Slices {
			for _, r := range sl.Replicas {
				seen[r.NodeName] = true
			}
		}
	}
	nodes := make([]string, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintSuccess prints a success message.
func PrintSuccess(format string, args ...interface{}) {
	fmt.Printf("✓ "+format+"\n", args...)
}

// PrintInfo prints an info message.
func PrintInfo(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
