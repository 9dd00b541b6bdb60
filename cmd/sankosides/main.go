// Command sankosides runs the slide generation service and its operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Kevin-nav/sankosides/pkg/config"
)

// envPassphrase lets the encrypted secrets file be unlocked without a prompt.
const envPassphrase = "SANKOSIDES_PASSWORD"

var (
	projectDir string
	tee        bool
	output     string
)

var rootCmd = &cobra.Command{
	Use:   "sankosides",
	Short: "Generate slide decks from a conversation",
	Long: `sankosides turns a short conversation into a finished slide deck.

A session gathers requirements, proposes an outline for approval, then plans,
refines, generates and grades every slide in the background.

Examples:
  sankosides serve
  sankosides sessions list
  sankosides outline <session-id>`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "projectdir", ".", "Project directory holding .sankosides/")
	rootCmd.PersistentFlags().BoolVar(&tee, "tee", false, "Write logs to stderr as well as the log file")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
}

// loadConfig loads the project config and unlocks the secrets file when one exists.
func loadConfig(prompt bool) (config.Config, error) {
	if err := config.LoadConfig(projectDir); err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if config.SecretsFileExists(projectDir) {
		if err := unlockSecrets(prompt); err != nil {
			return config.Config{}, err
		}
	}
	return config.GetConfig()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
