package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kbindex/ragkb/internal/config"
	"github.com/kbindex/ragkb/internal/quarantine"
)

// newQuarantineCmd manages files the validation chain moved out of the
// tree for a dangerous reason (disguised executable, archive bomb,
// shebang script) rather than just tracking as a rejection.
func newQuarantineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "List and restore quarantined files",
	}

	cmd.AddCommand(newQuarantineListCmd())
	cmd.AddCommand(newQuarantineRestoreCmd())

	return cmd
}

func newQuarantineListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list [path]",
		Short: "List quarantined files awaiting review",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runQuarantineList(path, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newQuarantineRestoreCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore <quarantined-filename> [path]",
		Short: "Move a quarantined file back to its original location",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 1 {
				path = args[1]
			}
			return runQuarantineRestore(args[0], path, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite the original path if it already exists")
	return cmd
}

func quarantineManagerFor(path string) (*quarantine.Manager, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}
	return quarantine.NewManager(filepath.Join(root, ".ragkb")), nil
}

func runQuarantineList(path string, jsonOutput bool) error {
	mgr, err := quarantineManagerFor(path)
	if err != nil {
		return err
	}

	entries, err := mgr.List()
	if err != nil {
		return fmt.Errorf("failed to list quarantined files: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Println("no quarantined files")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  reason=%q check=%s quarantined_at=%s\n",
			e.OriginalPath, e.Reason, e.ValidationCheck, e.QuarantinedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func runQuarantineRestore(filename, path string, force bool) error {
	mgr, err := quarantineManagerFor(path)
	if err != nil {
		return err
	}
	if err := mgr.Restore(filename, force); err != nil {
		return fmt.Errorf("failed to restore %s: %w", filename, err)
	}
	fmt.Printf("restored %s\n", filename)
	return nil
}
