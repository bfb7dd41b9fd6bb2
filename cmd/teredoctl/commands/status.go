package commands

import (
	"fmt"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show qualification state and assigned address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := statusClient.CallUnary(cmd.Context(), connect.NewRequest(&structpb.Struct{}))
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			out, err := formatStatus(resp.Msg, outputFormat)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List the peer table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := peersClient.CallUnary(cmd.Context(), connect.NewRequest(&structpb.Struct{}))
			if err != nil {
				return fmt.Errorf("list peers: %w", err)
			}

			out, err := formatPeers(resp.Msg, outputFormat)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
