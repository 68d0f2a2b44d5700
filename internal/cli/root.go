package cli

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:           "diarist",
	Short:         "Journal analysis pipeline",
	Long:          "Diarist splits journal entries into blocks, analyzes them with local or remote models, rolls them up, and keeps long-lived memory cards. It can also sync diary files to a cloud analyzer.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.diarist/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(runJobsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(entryCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(cardsCmd)
	rootCmd.AddCommand(cardCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(syncStateCmd)
	rootCmd.AddCommand(syncResetCmd)
}
