// concord answers one question with an ensemble of LLM backends: every
// generator answers, judges pick the best section from each answer, and the
// consensus sections are assembled, verified and recorded.
//
// Usage:
//
//	concord run "How is annual leave calculated?" [--config concord.yaml] [--mode smoothed] [--json]
//	concord validate [--config concord.yaml]
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
