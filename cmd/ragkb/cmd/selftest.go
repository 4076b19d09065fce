package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kbindex/ragkb/internal/config"
	"github.com/kbindex/ragkb/internal/validation"
)

func newSelftestCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run known-answer search queries against the index",
		Long: `Run a suite of known-answer search queries against the current index and
report how many return the expected results.

Useful after a re-index, a chunker change, or an embedder swap to catch
search quality regressions before they reach interactive use. Queries are
data-driven from internal/validation/testdata/queries.yaml.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSelftest(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runSelftest(cmd *cobra.Command, jsonOutput bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	root, err := config.FindProjectRoot(".")
	if err != nil {
		cwd, _ := os.Getwd()
		root = cwd
	}

	validator, err := validation.NewValidator(ctx, root)
	if err != nil {
		if err == validation.ErrIndexLocked {
			return fmt.Errorf("index is locked by another process (stop 'ragkb serve' first)")
		}
		return fmt.Errorf("open index: %w", err)
	}
	defer validator.Close()

	result := validator.RunAll(ctx)

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	printSelftestResult(cmd, result)

	if result.Tier1Total > 0 && result.Tier1Pass*2 < result.Tier1Total {
		return fmt.Errorf("tier 1 pass rate below 50%%")
	}
	return nil
}

func printSelftestResult(cmd *cobra.Command, result *validation.ValidationResult) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Selftest (embedder: %s)\n", result.Embedder)
	fmt.Fprintf(w, "Tier 1:   %d/%d\n", result.Tier1Pass, result.Tier1Total)
	fmt.Fprintf(w, "Tier 2:   %d/%d\n", result.Tier2Pass, result.Tier2Total)
	fmt.Fprintf(w, "Negative: %d/%d\n", result.NegPass, result.NegTotal)

	for _, tr := range result.Tier1 {
		if !tr.Passed {
			fmt.Fprintf(w, "  FAIL %s: expected %v, got %v\n", tr.Spec.ID, tr.Spec.Expected, tr.TopResults)
		}
	}
}
