package cmd

import (
	"github.com/spf13/cobra"

	"searchcoord/internal/api"
	"searchcoord/internal/cli"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE:  runVersion,
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := &cli.VersionInfo{ClientVersion: api.Version}

	// the server part is best effort
	ctx, cancel := getContext()
	if server, err := client.GetVersion(ctx); err == nil {
		info.ServerVersion = server.ServerVersion
		info.GitCommit = server.GitCommit
		info.GoVersion = server.GoVersion
	}
	cancel()

	return formatter.FormatVersion(info)
}
