package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kbindex/ragkb/internal/config"
	"github.com/kbindex/ragkb/internal/graph"
	"github.com/kbindex/ragkb/internal/store"
)

// newGraphCmd exposes the Obsidian knowledge-graph overlay from the
// terminal: node/edge counts and backlinks to a given note.
func newGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect the knowledge-graph overlay",
	}

	cmd.AddCommand(newGraphStatsCmd())
	cmd.AddCommand(newGraphBacklinksCmd())

	return cmd
}

func newGraphStatsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats [path]",
		Short: "Count graph nodes by type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runGraphStats(cmd.Context(), path, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newGraphBacklinksCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "backlinks <node-id> [path]",
		Short: "List nodes with an edge pointing at node-id",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 1 {
				path = args[1]
			}
			return runGraphBacklinks(cmd.Context(), args[0], path, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func openGraphMetadata(path string) (store.MetadataStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}
	metadataPath := filepath.Join(root, ".ragkb", "metadata.db")
	if !fileExists(metadataPath) {
		return nil, fmt.Errorf("no index found at %s - run 'ragkb index' first", filepath.Dir(metadataPath))
	}
	return store.NewSQLiteStore(metadataPath)
}

type graphStatsResult struct {
	Notes   int `json:"notes"`
	Tags    int `json:"tags"`
	Headers int `json:"headers"`
	NoteRef int `json:"note_refs"`
	Concept int `json:"concepts"`
}

func graphStatsFor(ctx context.Context, metadata store.MetadataStore) (graphStatsResult, error) {
	result := graphStatsResult{}
	for _, nt := range []struct {
		typ   store.GraphNodeType
		count *int
	}{
		{store.GraphNodeNote, &result.Notes},
		{store.GraphNodeTag, &result.Tags},
		{store.GraphNodeHeader, &result.Headers},
		{store.GraphNodeNoteRef, &result.NoteRef},
		{store.GraphNodeConcept, &result.Concept},
	} {
		nodes, err := metadata.ListGraphNodesByType(ctx, nt.typ)
		if err != nil {
			return result, fmt.Errorf("failed to list %s nodes: %w", nt.typ, err)
		}
		*nt.count = len(nodes)
	}
	return result, nil
}

func runGraphStats(ctx context.Context, path string, jsonOutput bool) error {
	metadata, err := openGraphMetadata(path)
	if err != nil {
		return err
	}
	defer func() { _ = metadata.Close() }()

	result, err := graphStatsFor(ctx, metadata)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	fmt.Printf("notes:    %d\n", result.Notes)
	fmt.Printf("tags:     %d\n", result.Tags)
	fmt.Printf("headers:  %d\n", result.Headers)
	fmt.Printf("noterefs: %d\n", result.NoteRef)
	fmt.Printf("concepts: %d\n", result.Concept)
	return nil
}

func runGraphBacklinks(ctx context.Context, nodeID, path string, jsonOutput bool) error {
	metadata, err := openGraphMetadata(path)
	if err != nil {
		return err
	}
	defer func() { _ = metadata.Close() }()

	ids, err := graph.Backlinks(ctx, metadata, nodeID)
	if err != nil {
		return fmt.Errorf("failed to compute backlinks: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ids)
	}
	if len(ids) == 0 {
		fmt.Println("no backlinks")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}
