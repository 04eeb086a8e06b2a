package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a config file without calling any backend",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(rootFlags.configPath, rootFlags.envFiles)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ok := color.New(color.FgGreen, color.Bold)
	ok.Fprintf(out, "%s is valid\n", rootFlags.configPath)
	fmt.Fprintf(out, "Assembly: %s\n", cfg.Ensemble.AssemblyMode)
	fmt.Fprintf(out, "Backends: (%d)\n", len(cfg.Backends))
	for _, b := range cfg.Backends {
		fmt.Fprintf(out, "  %-12s %-32s %s\n", b.Name, b.Provider, strings.Join(b.Roles, ","))
	}

	var sinks []string
	sinks = append(sinks, "jsonl:"+cfg.Recorder.JSONLPath)
	if cfg.Recorder.NATSURL != "" {
		sinks = append(sinks, "nats:"+cfg.Recorder.NATSSubject)
	}
	if cfg.Recorder.RedisURL != "" {
		sinks = append(sinks, "redis:"+cfg.Recorder.RedisStream)
	}
	if cfg.Recorder.PostgresDSN != "" {
		sinks = append(sinks, "postgres:trial_records")
	}
	fmt.Fprintf(out, "Recorder: %s\n", strings.Join(sinks, ", "))
	if cfg.Retrieval.CorpusPath != "" {
		fmt.Fprintf(out, "Corpus:   %s (top %d)\n", cfg.Retrieval.CorpusPath, cfg.Retrieval.TopK)
	}
	return nil
}
