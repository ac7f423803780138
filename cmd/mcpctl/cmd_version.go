package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mcpctl %s (protocol %s, %s %s/%s)\n",
			Version, protocol.LatestProtocolVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
