package index

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kbindex/ragkb/internal/store"
)

// mockRebuildMetadata is a configurable store.MetadataStore for exercising
// the recovery operations, where the hardcoded-nil MockMetadataForConsistency
// and MockMetadataStore mocks elsewhere in this package aren't enough since
// these tests need ListFiles/GetChunksByFile/GetFileByPath/GetChunks to
// actually return data.
type mockRebuildMetadata struct {
	files        []*store.File
	chunksByFile map[string][]*store.Chunk
	embeddings   map[string][]float32
	deletedFiles []string
	savedEmbeds  map[string][]float32
	getChunksErr error
}

func newMockRebuildMetadata() *mockRebuildMetadata {
	return &mockRebuildMetadata{
		chunksByFile: make(map[string][]*store.Chunk),
		embeddings:   make(map[string][]float32),
		savedEmbeds:  make(map[string][]float32),
	}
}

func (m *mockRebuildMetadata) addFile(f *store.File, chunks []*store.Chunk) {
	m.files = append(m.files, f)
	m.chunksByFile[f.ID] = chunks
}

func (m *mockRebuildMetadata) SaveProject(ctx context.Context, project *store.Project) error { return nil }
func (m *mockRebuildMetadata) GetProject(ctx context.Context, id string) (*store.Project, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	return nil
}
func (m *mockRebuildMetadata) RefreshProjectStats(ctx context.Context, id string) error { return nil }
func (m *mockRebuildMetadata) SaveFiles(ctx context.Context, files []*store.File) error  { return nil }

func (m *mockRebuildMetadata) GetFileByPath(ctx context.Context, projectID, path string) (*store.File, error) {
	for _, f := range m.files {
		if f.Path == path {
			return f, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockRebuildMetadata) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*store.File, error) {
	return nil, nil
}

func (m *mockRebuildMetadata) ListFiles(ctx context.Context, projectID string, cursor string, limit int) ([]*store.File, string, error) {
	return m.files, "", nil
}

func (m *mockRebuildMetadata) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*store.File, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	return nil, nil
}

func (m *mockRebuildMetadata) DeleteFile(ctx context.Context, fileID string) error {
	m.deletedFiles = append(m.deletedFiles, fileID)
	kept := m.files[:0]
	for _, f := range m.files {
		if f.ID != fileID {
			kept = append(kept, f)
		}
	}
	m.files = kept
	delete(m.chunksByFile, fileID)
	return nil
}
func (m *mockRebuildMetadata) DeleteFilesByProject(ctx context.Context, projectID string) error {
	return nil
}
func (m *mockRebuildMetadata) SaveChunks(ctx context.Context, chunks []*store.Chunk) error {
	return nil
}
func (m *mockRebuildMetadata) GetChunk(ctx context.Context, id string) (*store.Chunk, error) {
	return nil, nil
}

func (m *mockRebuildMetadata) GetChunks(ctx context.Context, ids []string) ([]*store.Chunk, error) {
	if m.getChunksErr != nil {
		return nil, m.getChunksErr
	}
	var out []*store.Chunk
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, chunks := range m.chunksByFile {
		for _, ch := range chunks {
			if want[ch.ID] {
				out = append(out, ch)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRebuildMetadata) GetChunksByFile(ctx context.Context, fileID string) ([]*store.Chunk, error) {
	return m.chunksByFile[fileID], nil
}
func (m *mockRebuildMetadata) DeleteChunks(ctx context.Context, ids []string) error { return nil }
func (m *mockRebuildMetadata) DeleteChunksByFile(ctx context.Context, fileID string) error {
	delete(m.chunksByFile, fileID)
	return nil
}
func (m *mockRebuildMetadata) SearchSymbols(ctx context.Context, name string, limit int) ([]*store.Symbol, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) GetState(ctx context.Context, key string) (string, error) {
	return "", nil
}
func (m *mockRebuildMetadata) SetState(ctx context.Context, key, value string) error { return nil }

func (m *mockRebuildMetadata) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	for i, id := range chunkIDs {
		m.savedEmbeds[id] = embeddings[i]
	}
	return nil
}

func (m *mockRebuildMetadata) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	return m.embeddings, nil
}
func (m *mockRebuildMetadata) GetEmbeddingStats(ctx context.Context) (int, int, error) {
	return len(m.embeddings), 0, nil
}
func (m *mockRebuildMetadata) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	return nil
}
func (m *mockRebuildMetadata) LoadIndexCheckpoint(ctx context.Context) (*store.IndexCheckpoint, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) ClearIndexCheckpoint(ctx context.Context) error { return nil }
func (m *mockRebuildMetadata) Close() error                                  { return nil }

func (m *mockRebuildMetadata) SaveProgress(ctx context.Context, p *store.ProcessingProgress) error {
	return nil
}
func (m *mockRebuildMetadata) GetProgress(ctx context.Context, filePath string) (*store.ProcessingProgress, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) ListProgressByStatus(ctx context.Context, status store.ProgressStatus) ([]*store.ProcessingProgress, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) DeleteProgress(ctx context.Context, filePath string) error {
	return nil
}
func (m *mockRebuildMetadata) SaveGraphNode(ctx context.Context, n *store.GraphNode) error {
	return nil
}
func (m *mockRebuildMetadata) GetGraphNode(ctx context.Context, nodeID string) (*store.GraphNode, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) DeleteGraphNode(ctx context.Context, nodeID string) error {
	return nil
}
func (m *mockRebuildMetadata) SaveGraphEdge(ctx context.Context, e *store.GraphEdge) error {
	return nil
}
func (m *mockRebuildMetadata) DeleteGraphEdgesByNode(ctx context.Context, nodeID string) error {
	return nil
}
func (m *mockRebuildMetadata) GetGraphEdgesFrom(ctx context.Context, sourceID string) ([]*store.GraphEdge, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) GetGraphEdgesTo(ctx context.Context, targetID string) ([]*store.GraphEdge, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) ListGraphNodesByType(ctx context.Context, nodeType store.GraphNodeType) ([]*store.GraphNode, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) DeleteNoteNodes(ctx context.Context, notePath string) error {
	return nil
}
func (m *mockRebuildMetadata) SaveGraphMetadata(ctx context.Context, md []*store.GraphMetadata) error {
	return nil
}
func (m *mockRebuildMetadata) GetGraphMetadata(ctx context.Context, nodeID string) (*store.GraphMetadata, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) SaveChunkGraphLink(ctx context.Context, l *store.ChunkGraphLink) error {
	return nil
}
func (m *mockRebuildMetadata) GetChunkGraphLinksByNode(ctx context.Context, nodeID string) ([]*store.ChunkGraphLink, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) GetSecurityScanCache(ctx context.Context, fileHash string) (*store.SecurityScanCache, error) {
	return nil, nil
}
func (m *mockRebuildMetadata) SaveSecurityScanCache(ctx context.Context, c *store.SecurityScanCache) error {
	return nil
}
