package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "grove",
	Short: "A self-maintaining knowledge graph",
	Long: "Grove keeps a graph of markdown pages linked by [[wikilinks]], notices gaps " +
		"and stale pages, and researches them with an LLM.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.grove/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", os.Getenv("GROVE_URL"),
		"send queue commands to a running grove server at this URL")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pageCmd)
	rootCmd.AddCommand(harvestCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(deepenCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(orphansCmd)
	rootCmd.AddCommand(brokenCmd)
}
