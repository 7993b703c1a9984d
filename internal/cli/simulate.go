package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"variation-radar/internal/app"
)

var (
	simulatePair     string
	simulatePrevious string
	simulateCurrent  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Push two synthetic prices through a check cycle and deliver any alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		previous, err := decimal.NewFromString(simulatePrevious)
		if err != nil {
			return fmt.Errorf("invalid --previous value: %w", err)
		}
		current, err := decimal.NewFromString(simulateCurrent)
		if err != nil {
			return fmt.Errorf("invalid --current value: %w", err)
		}
		if !previous.IsPositive() || !current.IsPositive() {
			return errors.New("--previous and --current must be greater than zero")
		}

		report, err := getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Instrument: simulatePair,
			Previous:   previous,
			Current:    current,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for name, res := range report.Variations {
			fmt.Fprintf(out, "%s variation: %s\n", name, res.String())
		}
		if len(report.Events) == 0 {
			fmt.Fprintln(out, "threshold not crossed; no alert sent")
			return nil
		}
		for _, d := range report.Dispatches {
			fmt.Fprintf(out, "alert delivered to %d of %d subscribers\n", len(d.Primary.Succeeded), d.Primary.Attempted())
		}
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "", "Instrument to simulate (defaults to the first configured)")
	simulateCmd.Flags().StringVar(&simulatePrevious, "previous", "", "Previous price")
	simulateCmd.Flags().StringVar(&simulateCurrent, "current", "", "Current price")
	_ = simulateCmd.MarkFlagRequired("previous")
	_ = simulateCmd.MarkFlagRequired("current")
}
