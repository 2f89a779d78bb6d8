package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Close expired pools and settle ended pools once",
	Long: `Run one close pass followed by one settlement pass and print the results.
Pools that closed during the pass are settled in the same run.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().Int("limit", 0, "Maximum pools per pass (defaults to SWEEP_BATCH_LIMIT)")
	sweepCmd.Flags().Duration("timeout", 5*time.Minute, "Deadline for the whole run")
}

func runSweep(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = cfg.SweepBatchLimit
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := buildComponents(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer c.Close()

	closed, err := c.service.SweepExpiredPools(ctx, limit)
	if err != nil {
		return fmt.Errorf("close sweep failed: %w", err)
	}
	settled, err := c.service.SweepEndedPools(ctx, limit)
	if err != nil {
		return fmt.Errorf("settlement sweep failed: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]interface{}{"close": closed, "settle": settled})
}
