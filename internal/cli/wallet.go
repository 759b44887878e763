package cli

import (
	"github.com/spf13/cobra"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Display the agent wallet balance and spending headroom",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Wallet(cmd.Context())
	},
}
