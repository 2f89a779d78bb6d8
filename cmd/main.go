/**
 * @description
 * This is the main entry point for the settlement-service. It exposes a small CLI: `serve`
 * runs the HTTP API, the attestation consumer and the sweep scheduler; `sweep` runs one
 * close and settle pass; `migrate` applies the database schema.
 *
 * @dependencies
 * - github.com/spf13/cobra: Command tree and flag parsing.
 * - internal/config, internal/logger: Configuration and structured logging.
 */

package main

import (
	"fmt"
	"os"

	"github.com/commitpool/settlement-service/internal/config"
	"github.com/commitpool/settlement-service/internal/logger"
	"github.com/spf13/cobra"
)

var envDir string

var rootCmd = &cobra.Command{
	Use:   "settlement-service",
	Short: "Escrow-backed commitment pools",
	Long: `settlement-service holds participant stakes in escrow while a commitment
challenge runs, records the verifier's daily outcomes and pays the pool out
to winners, the charity or both once the challenge ends.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envDir, "env-dir", ".", "Directory holding an optional .env file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and initializes the global logger from it.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(envDir)
	if err != nil {
		return cfg, fmt.Errorf("config load failed: %w", err)
	}
	logger.Initialize(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}
