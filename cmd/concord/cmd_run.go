package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-concord/internal/domain"
)

// errQualityFailed is returned under --strict when the answer fails its
// quality checks.
var errQualityFailed = errors.New("answer failed quality checks")

var runFlags struct {
	mode    string
	json    bool
	strict  bool
	metrics bool
}

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Run one trial and print the assembled answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTrial,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.mode, "mode", "", "Assembly mode override: structural or smoothed")
	f.BoolVar(&runFlags.json, "json", false, "Print the trial output as JSON")
	f.BoolVar(&runFlags.strict, "strict", false, "Exit non-zero when quality checks fail")
	f.BoolVar(&runFlags.metrics, "metrics", false, "Dump Prometheus metrics to stderr after the trial")
}

func runTrial(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	cfg, err := loadConfig(rootFlags.configPath, rootFlags.envFiles)
	if err != nil {
		return err
	}
	if runFlags.mode != "" {
		cfg.Ensemble.AssemblyMode = runFlags.mode
		if err := revalidate(cfg); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "shutdown: %v\n", cerr)
		}
	}()

	out, _, err := a.orchestrator.Run(ctx, query)
	if err != nil && out.TrialID == "" {
		return err
	}

	if runFlags.json {
		if jerr := writeJSON(cmd.OutOrStdout(), out); jerr != nil {
			return jerr
		}
	} else {
		renderOutput(cmd.OutOrStdout(), out)
	}
	if runFlags.metrics {
		if merr := a.dumpMetrics(cmd.ErrOrStderr()); merr != nil {
			return merr
		}
	}

	if err != nil {
		return fmt.Errorf("trial %s failed: %w", out.TrialID, err)
	}
	if runFlags.strict && !out.QualityPassed {
		return errQualityFailed
	}
	return nil
}

func writeJSON(w io.Writer, out domain.TrialOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// renderOutput prints the answer followed by a coloured summary.
func renderOutput(w io.Writer, out domain.TrialOutput) {
	bold := color.New(color.Bold)
	pass := color.New(color.FgGreen, color.Bold)
	fail := color.New(color.FgRed, color.Bold)
	warn := color.New(color.FgYellow)
	faint := color.New(color.Faint)

	if out.FinalText != "" {
		fmt.Fprintln(w, out.FinalText)
		fmt.Fprintln(w)
	}

	d := out.Diagnostics
	bold.Fprint(w, "Quality: ")
	switch {
	case d.State == domain.StageFailed:
		fail.Fprintln(w, "NOT RUN")
	case out.QualityPassed:
		pass.Fprintln(w, "PASSED")
	default:
		fail.Fprintln(w, "FAILED")
	}
	for _, r := range out.QualityReasons {
		warn.Fprintf(w, "  - %s\n", r)
	}

	mode := d.AssemblyMode
	if d.AssemblyFallback {
		mode += " (fallback)"
	}
	faint.Fprintf(w, "trial %s | state %s | %d generators | %d judges | %d/%d sections | %s | $%.4f | %dms\n",
		out.TrialID, d.State, d.GeneratorsUsed, d.JudgesUsed, d.ComponentsResolved,
		len(domain.AllComponents()), mode, out.CostEstimate, out.ProcessingTimeMs)

	for _, wmsg := range d.Warnings {
		warn.Fprintf(w, "warning: %s\n", wmsg)
	}
}
