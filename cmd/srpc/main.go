package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "srpc",
		Short: "Symmetric RPC over persistent WebSocket connections",
		Long: `srpc serves and exercises SRPC endpoints.

SRPC is a symmetric request/reply protocol over one persistent
WebSocket connection: either side can invoke methods on the other,
interleave in-flight requests, and push byte streams. Connections
are authenticated with signed query credentials and kept alive by
heartbeats.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		callCmd(),
		putCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
