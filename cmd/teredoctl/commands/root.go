// Package commands implements the teredoctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/5l1v3r1/teredod/internal/server"
)

var (
	// statusClient issues GetStatus calls, initialized in PersistentPreRunE.
	statusClient *connect.Client[structpb.Struct, structpb.Struct]

	// peersClient issues ListPeers calls, initialized in PersistentPreRunE.
	peersClient *connect.Client[structpb.Struct, structpb.Struct]

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon address (host:port) for the ConnectRPC connection.
	serverAddr string
)

// rootCmd is the top-level cobra command for teredoctl.
var rootCmd = &cobra.Command{
	Use:   "teredoctl",
	Short: "CLI client for the teredod daemon",
	Long:  "teredoctl communicates with the teredod daemon via ConnectRPC to inspect qualification state and the peer table.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		base := "http://" + serverAddr
		statusClient = connect.NewClient[structpb.Struct, structpb.Struct](
			http.DefaultClient, base+server.PathGetStatus,
		)
		peersClient = connect.NewClient[structpb.Struct, structpb.Struct](
			http.DefaultClient, base+server.PathListPeers,
		)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50080",
		"teredod daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
