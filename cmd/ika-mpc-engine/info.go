package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dwallet-labs/ika-mpc-engine/pkg/protocol"
)

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Inspect static engine metadata",
	}
	cmd.AddCommand(newInfoProtocolsCmd())
	return cmd
}

func newInfoProtocolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols",
		Short: "List the protocol tag catalog and its per-tag metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			tags := []protocol.Tag{
				protocol.DKG1, protocol.DKG2,
				protocol.Presign1, protocol.Presign2,
				protocol.Sign,
				protocol.NetworkDKG, protocol.Reconfig,
				protocol.EncryptedShareVerify, protocol.PartialSignatureVerify,
				protocol.MakePublic, protocol.ImportedKeyVerify,
			}
			for _, tag := range tags {
				meta := protocol.Catalog[tag]
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s rounds=%d requires_network_key=%t requires_next_committee=%t output=%v\n",
					tag, meta.Rounds, meta.RequiresNetworkKey, meta.RequiresNextCommittee, meta.Output)
			}
			return nil
		},
	}
}
