package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kbindex/ragkb/internal/pipeline"
	"github.com/kbindex/ragkb/internal/store"
)

// pathReindexMaxResults caps how many per-file results a single
// PathReindexer.Reindex call reports, matching the original maintenance
// tool's cap so a directory of thousands of files doesn't blow up a
// response payload; everything beyond the cap is still processed, just
// not individually reported.
const pathReindexMaxResults = 100

// PathReindexResult reports one file's outcome within a PathReindexer run.
type PathReindexResult struct {
	FilePath      string
	DeletedFromDB bool
	Queued        bool
	ChunksDeleted int
	Error         string
}

// PathReindexSummary reports a whole PathReindexer.Reindex call.
type PathReindexSummary struct {
	Path               string
	IsDirectory        bool
	FilesFound         int
	FilesDeleted       int
	FilesQueued        int
	TotalChunksDeleted int
	DryRun             bool
	Results            []PathReindexResult
}

// PathReindexer deletes a file's (or a directory tree's) existing index
// entries and re-queues it for fresh ingestion, for recovering a single
// known-bad file without a full project reindex.
type PathReindexer struct {
	metadata            store.MetadataStore
	vector              store.VectorStore
	bm25                store.BM25Index
	queue               *pipeline.Queue
	supportedExtensions map[string]bool
}

// NewPathReindexer builds a reindexer. supportedExtensions, if non-empty,
// restricts directory walks to files with one of the given extensions
// (including the leading dot); pass nil to accept every regular file.
func NewPathReindexer(metadata store.MetadataStore, vector store.VectorStore, bm25 store.BM25Index, queue *pipeline.Queue, supportedExtensions []string) *PathReindexer {
	exts := make(map[string]bool, len(supportedExtensions))
	for _, e := range supportedExtensions {
		exts[e] = true
	}
	return &PathReindexer{metadata: metadata, vector: vector, bm25: bm25, queue: queue, supportedExtensions: exts}
}

// Reindex deletes the index entries for path (a file or directory) and
// re-queues each file at the given priority. dryRun reports what would
// happen without deleting or queuing anything.
func (r *PathReindexer) Reindex(ctx context.Context, projectID, path string, priority pipeline.Priority, dryRun bool) (*PathReindexSummary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}

	var files []string
	if info.IsDir() {
		err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if len(r.supportedExtensions) > 0 && !r.supportedExtensions[strings.ToLower(filepath.Ext(p))] {
				return nil
			}
			files = append(files, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk directory: %w", err)
		}
	} else {
		files = []string{path}
	}

	summary := &PathReindexSummary{
		Path:        path,
		IsDirectory: info.IsDir(),
		FilesFound:  len(files),
		DryRun:      dryRun,
	}

	for i, f := range files {
		res := r.reindexOne(ctx, projectID, f, priority, dryRun)
		if res.DeletedFromDB {
			summary.FilesDeleted++
		}
		if res.Queued {
			summary.FilesQueued++
		}
		summary.TotalChunksDeleted += res.ChunksDeleted
		if i < pathReindexMaxResults {
			summary.Results = append(summary.Results, res)
		}
	}

	return summary, nil
}

func (r *PathReindexer) reindexOne(ctx context.Context, projectID, path string, priority pipeline.Priority, dryRun bool) PathReindexResult {
	res := PathReindexResult{FilePath: path}

	file, err := r.metadata.GetFileByPath(ctx, projectID, path)
	if err == nil && file != nil {
		chunks, err := r.metadata.GetChunksByFile(ctx, file.ID)
		if err != nil {
			res.Error = fmt.Sprintf("load chunks: %v", err)
			return res
		}
		res.ChunksDeleted = len(chunks)

		if !dryRun {
			ids := make([]string, len(chunks))
			for i, ch := range chunks {
				ids[i] = ch.ID
			}
			if len(ids) > 0 {
				if err := r.bm25.Delete(ctx, ids); err != nil {
					res.Error = fmt.Sprintf("delete from BM25: %v", err)
				}
				if err := r.vector.Delete(ctx, ids); err != nil {
					res.Error = fmt.Sprintf("delete from vector store: %v", err)
				}
			}
			if err := r.metadata.DeleteFile(ctx, file.ID); err != nil {
				res.Error = fmt.Sprintf("delete file record: %v", err)
				return res
			}
		}
		res.DeletedFromDB = true
	}

	if !dryRun {
		res.Queued = r.queue.Add(path, priority, true)
	} else {
		res.Queued = true
	}

	return res
}
