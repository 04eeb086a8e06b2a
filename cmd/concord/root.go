package main

import (
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	envFiles   []string
}

var rootCmd = &cobra.Command{
	Use:   "concord",
	Short: "Ensemble consensus answers from multiple LLM backends",
	Long: "Concord sends a question to several generator backends, has judge backends\n" +
		"pick the best version of each answer section, and assembles the winners\n" +
		"into one verified answer.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.configPath, "config", "c", "concord.yaml", "Path to the YAML config file")
	pf.StringSliceVar(&rootFlags.envFiles, "env-file", []string{".env"}, "Environment files loaded before the config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.Version = version
}
