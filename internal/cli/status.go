package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var statusAccount string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display an account's current budget position",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusAccount == "" {
			return errors.New("--account is required")
		}
		return getApp().Status(cmd.Context(), statusAccount)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAccount, "account", "", "Wallet address to inspect")
}
