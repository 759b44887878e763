package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"budget-guardian/internal/app"
)

var (
	simulateAccount string
	simulateCount   int
	simulateCost    float64
	simulateJitter  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-usage",
	Short: "生成模拟用量以验证告警链路",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAccount == "" {
			return errors.New("--account 是必填项")
		}
		if simulateCost <= 0 {
			return errors.New("--cost 必须大于 0")
		}
		if simulateJitter < 0 || simulateJitter >= 1 {
			return errors.New("--jitter 必须位于 [0,1) 区间")
		}

		opts := app.SimulateOptions{
			Account: simulateAccount,
			Count:   simulateCount,
			Cost:    decimal.NewFromFloat(simulateCost),
			Jitter:  simulateJitter,
		}

		return getApp().SimulateUsage(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAccount, "account", "", "目标账户地址")
	simulateCmd.Flags().IntVar(&simulateCount, "count", 10, "生成的记录条数")
	simulateCmd.Flags().Float64Var(&simulateCost, "cost", 0, "单条记录的金额（美元）")
	simulateCmd.Flags().Float64Var(&simulateJitter, "jitter", 0.2, "金额抖动比例")
}
