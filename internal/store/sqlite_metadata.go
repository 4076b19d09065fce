package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteStore implements MetadataStore on top of a single SQLite database,
// following the same WAL/pragma/single-writer-pool conventions as
// SQLiteBM25Index so both can share a knowledge-base directory without
// lock contention between readers and the store worker.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the metadata database at path. An empty
// path opens an in-memory database, used by tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		project_type TEXT,
		chunk_count INTEGER DEFAULT 0,
		file_count INTEGER DEFAULT 0,
		indexed_at DATETIME,
		version TEXT
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER,
		mod_time DATETIME,
		content_hash TEXT,
		language TEXT,
		content_type TEXT,
		indexed_at DATETIME,
		extraction_method TEXT,
		UNIQUE(project_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		file_path TEXT,
		content TEXT,
		raw_content TEXT,
		context TEXT,
		content_type TEXT,
		language TEXT,
		start_line INTEGER,
		end_line INTEGER,
		page INTEGER,
		chunk_index INTEGER,
		symbols_json TEXT,
		metadata_json TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

	CREATE TABLE IF NOT EXISTS chunk_embeddings (
		chunk_id TEXT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
		embedding_json TEXT,
		model TEXT
	);

	CREATE TABLE IF NOT EXISTS kv_state (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS processing_progress (
		file_path TEXT PRIMARY KEY,
		content_hash TEXT,
		total_chunks INTEGER,
		chunks_processed INTEGER,
		status TEXT,
		last_chunk_end INTEGER,
		error_message TEXT,
		started_at DATETIME,
		last_updated DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_progress_status ON processing_progress(status);

	CREATE TABLE IF NOT EXISTS graph_nodes (
		node_id TEXT PRIMARY KEY,
		node_type TEXT,
		title TEXT,
		content TEXT,
		metadata_json TEXT,
		created_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_graph_nodes_type ON graph_nodes(node_type);

	CREATE TABLE IF NOT EXISTS graph_edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL REFERENCES graph_nodes(node_id) ON DELETE CASCADE,
		target_id TEXT NOT NULL REFERENCES graph_nodes(node_id) ON DELETE CASCADE,
		edge_type TEXT,
		metadata_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target_id);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_type ON graph_edges(edge_type);

	CREATE TABLE IF NOT EXISTS graph_metadata (
		node_id TEXT PRIMARY KEY REFERENCES graph_nodes(node_id) ON DELETE CASCADE,
		pagerank_score REAL,
		in_degree INTEGER,
		out_degree INTEGER,
		last_computed DATETIME
	);

	CREATE TABLE IF NOT EXISTS chunk_graph_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
		node_id TEXT NOT NULL REFERENCES graph_nodes(node_id) ON DELETE CASCADE,
		link_type TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_graph_links_node ON chunk_graph_links(node_id);

	CREATE TABLE IF NOT EXISTS security_scan_cache (
		file_hash TEXT PRIMARY KEY,
		is_valid INTEGER,
		severity TEXT,
		reason TEXT,
		validation_check TEXT,
		matches_json TEXT,
		scanned_at DATETIME,
		scanner_version TEXT
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (2);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---- Project operations ----

func (s *SQLiteStore) SaveProject(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, project_type, chunk_count, file_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, root_path=excluded.root_path, project_type=excluded.project_type,
			chunk_count=excluded.chunk_count, file_count=excluded.file_count,
			indexed_at=excluded.indexed_at, version=excluded.version`,
		p.ID, p.Name, p.RootPath, p.ProjectType, p.ChunkCount, p.FileCount, p.IndexedAt, p.Version)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, name, root_path, project_type, chunk_count, file_count, indexed_at, version FROM projects WHERE id = ?`, id)
	p := &Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.RootPath, &p.ProjectType, &p.ChunkCount, &p.FileCount, &p.IndexedAt, &p.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("project %s not found: %w", id, err)
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET file_count = ?, chunk_count = ? WHERE id = ?`, fileCount, chunkCount, id)
	if err != nil {
		return fmt.Errorf("update project stats: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RefreshProjectStats(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fileCount, chunkCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE project_id = ?`, id).Scan(&fileCount); err != nil {
		return fmt.Errorf("refresh project stats (files): %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks c JOIN files f ON c.file_id = f.id WHERE f.project_id = ?`, id).Scan(&chunkCount); err != nil {
		return fmt.Errorf("refresh project stats (chunks): %w", err)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET file_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?`,
		fileCount, chunkCount, time.Now(), id)
	if err != nil {
		return fmt.Errorf("refresh project stats: %w", err)
	}
	return nil
}

// ---- File operations ----

func (s *SQLiteStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at, extraction_method)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path=excluded.path, size=excluded.size, mod_time=excluded.mod_time,
			content_hash=excluded.content_hash, language=excluded.language,
			content_type=excluded.content_type, indexed_at=excluded.indexed_at,
			extraction_method=excluded.extraction_method`)
	if err != nil {
		return fmt.Errorf("prepare file insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size, f.ModTime, f.ContentHash, f.Language, f.ContentType, f.IndexedAt, f.ExtractionMethod); err != nil {
			return fmt.Errorf("save file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

func scanFile(row interface {
	Scan(dest ...any) error
}) (*File, error) {
	f := &File{}
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &f.ModTime, &f.ContentHash, &f.Language, &f.ContentType, &f.IndexedAt, &f.ExtractionMethod); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SQLiteStore) GetFileByPath(ctx context.Context, projectID, path string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at, extraction_method FROM files WHERE project_id = ? AND path = ?`, projectID, path)
	f, err := scanFile(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("file %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at, extraction_method FROM files WHERE project_id = ? AND mod_time > ?`, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("get changed files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan changed file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListFiles(ctx context.Context, projectID string, cursor string, limit int) ([]*File, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at, extraction_method
		FROM files WHERE project_id = ? AND id > ? ORDER BY id LIMIT ?`, projectID, cursor, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(out) > limit {
		nextCursor = out[limit-1].ID
		out = out[:limit]
	}
	return out, nextCursor, nil
}

func (s *SQLiteStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get file paths: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at, extraction_method FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get files for reconciliation: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*File)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out[f.Path] = f
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ? AND path LIKE ? || '%'`, projectID, dirPrefix)
	if err != nil {
		return nil, fmt.Errorf("list file paths under: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("delete files by project: %w", err)
	}
	return nil
}

// ---- Chunk operations ----

func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, file_id, file_path, content, raw_content, context, content_type, language,
			start_line, end_line, page, chunk_index, symbols_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_id=excluded.file_id, file_path=excluded.file_path, content=excluded.content,
			raw_content=excluded.raw_content, context=excluded.context, content_type=excluded.content_type,
			language=excluded.language, start_line=excluded.start_line, end_line=excluded.end_line,
			page=excluded.page, chunk_index=excluded.chunk_index, symbols_json=excluded.symbols_json,
			metadata_json=excluded.metadata_json, updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		symbolsJSON, err := json.Marshal(c.Symbols)
		if err != nil {
			return fmt.Errorf("marshal symbols for chunk %s: %w", c.ID, err)
		}
		metaJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for chunk %s: %w", c.ID, err)
		}
		var page any
		if c.Page != nil {
			page = *c.Page
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.FileID, c.FilePath, c.Content, c.RawContent, c.Context,
			string(c.ContentType), c.Language, c.StartLine, c.EndLine, page, c.ChunkIndex,
			string(symbolsJSON), string(metaJSON), c.CreatedAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("save chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func scanChunk(row interface {
	Scan(dest ...any) error
}) (*Chunk, error) {
	c := &Chunk{}
	var contentType string
	var symbolsJSON, metaJSON sql.NullString
	var page sql.NullInt64
	if err := row.Scan(&c.ID, &c.FileID, &c.FilePath, &c.Content, &c.RawContent, &c.Context, &contentType,
		&c.Language, &c.StartLine, &c.EndLine, &page, &c.ChunkIndex, &symbolsJSON, &metaJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ContentType = ContentType(contentType)
	if page.Valid {
		v := int(page.Int64)
		c.Page = &v
	}
	if symbolsJSON.Valid && symbolsJSON.String != "" {
		_ = json.Unmarshal([]byte(symbolsJSON.String), &c.Symbols)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &c.Metadata)
	}
	return c, nil
}

const chunkSelectCols = `id, file_id, file_path, content, raw_content, context, content_type, language, start_line, end_line, page, chunk_index, symbols_json, metadata_json, created_at, updated_at`

func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkSelectCols+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("chunk %s not found: %w", id, err)
		}
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM chunks WHERE id IN (%s)`, chunkSelectCols, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetChunksByFile(ctx context.Context, fileID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkSelectCols+` FROM chunks WHERE file_id = ? ORDER BY chunk_index`, fileID)
	if err != nil {
		return nil, fmt.Errorf("get chunks by file: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM chunks WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete chunks by file: %w", err)
	}
	return nil
}

// ---- Symbol operations ----

func (s *SQLiteStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT symbols_json FROM chunks WHERE symbols_json LIKE ? LIMIT ?`,
		"%\""+name+"%", limit*5)
	if err != nil {
		return nil, fmt.Errorf("search symbols: %w", err)
	}
	defer rows.Close()

	var out []*Symbol
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if !raw.Valid || raw.String == "" {
			continue
		}
		var symbols []*Symbol
		if err := json.Unmarshal([]byte(raw.String), &symbols); err != nil {
			continue
		}
		for _, sym := range symbols {
			if strings.Contains(strings.ToLower(sym.Name), strings.ToLower(name)) {
				out = append(out, sym)
				if len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, rows.Err()
}

// ---- State operations ----

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("get state: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// ---- Embedding operations ----

func (s *SQLiteStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("chunkIDs and embeddings length mismatch: %d vs %d", len(chunkIDs), len(embeddings))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_embeddings (chunk_id, embedding_json, model) VALUES (?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET embedding_json=excluded.embedding_json, model=excluded.model`)
	if err != nil {
		return fmt.Errorf("prepare embedding insert: %w", err)
	}
	defer stmt.Close()

	for i, id := range chunkIDs {
		data, err := json.Marshal(embeddings[i])
		if err != nil {
			return fmt.Errorf("marshal embedding for %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, string(data), model); err != nil {
			return fmt.Errorf("save embedding for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, embedding_json FROM chunk_embeddings`)
	if err != nil {
		return nil, fmt.Errorf("get all embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal([]byte(data), &vec); err != nil {
			continue
		}
		out[id] = vec
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEmbeddingStats(ctx context.Context) (withEmbedding, withoutEmbedding int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_embeddings`).Scan(&withEmbedding); err != nil {
		return 0, 0, fmt.Errorf("embedding stats (with): %w", err)
	}
	var total int
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("embedding stats (total): %w", err)
	}
	withoutEmbedding = total - withEmbedding
	if withoutEmbedding < 0 {
		withoutEmbedding = 0
	}
	return withEmbedding, withoutEmbedding, nil
}

// ---- Checkpoint operations ----

func (s *SQLiteStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Format(time.RFC3339Nano)
	kv := map[string]string{
		StateKeyCheckpointStage:         stage,
		StateKeyCheckpointTotal:         fmt.Sprintf("%d", total),
		StateKeyCheckpointEmbedded:      fmt.Sprintf("%d", embeddedCount),
		StateKeyCheckpointTimestamp:     now,
		StateKeyCheckpointEmbedderModel: embedderModel,
	}
	for k, v := range kv {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO kv_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return fmt.Errorf("save checkpoint %s: %w", k, err)
		}
	}
	return nil
}

func (s *SQLiteStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	get := func(key string) string {
		var v string
		_ = s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&v)
		return v
	}
	stage := get(StateKeyCheckpointStage)
	if stage == "" {
		return nil, fmt.Errorf("no checkpoint found")
	}
	var total, embedded int
	fmt.Sscanf(get(StateKeyCheckpointTotal), "%d", &total)
	fmt.Sscanf(get(StateKeyCheckpointEmbedded), "%d", &embedded)
	ts, _ := time.Parse(time.RFC3339Nano, get(StateKeyCheckpointTimestamp))
	return &IndexCheckpoint{
		Stage:         stage,
		Total:         total,
		EmbeddedCount: embedded,
		Timestamp:     ts,
		EmbedderModel: get(StateKeyCheckpointEmbedderModel),
	}, nil
}

func (s *SQLiteStore) ClearIndexCheckpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []string{StateKeyCheckpointStage, StateKeyCheckpointTotal, StateKeyCheckpointEmbedded, StateKeyCheckpointTimestamp, StateKeyCheckpointEmbedderModel}
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, k); err != nil {
			return fmt.Errorf("clear checkpoint %s: %w", k, err)
		}
	}
	return nil
}

// ---- ProcessingProgress operations ----

func (s *SQLiteStore) SaveProgress(ctx context.Context, p *ProcessingProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_progress (file_path, content_hash, total_chunks, chunks_processed, status,
			last_chunk_end, error_message, started_at, last_updated, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			content_hash=excluded.content_hash, total_chunks=excluded.total_chunks,
			chunks_processed=excluded.chunks_processed, status=excluded.status,
			last_chunk_end=excluded.last_chunk_end, error_message=excluded.error_message,
			last_updated=excluded.last_updated, completed_at=excluded.completed_at`,
		p.FilePath, p.ContentHash, p.TotalChunks, p.ChunksProcessed, string(p.Status),
		p.LastChunkEnd, p.ErrorMessage, p.StartedAt, p.LastUpdated, p.CompletedAt)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func scanProgress(row interface {
	Scan(dest ...any) error
}) (*ProcessingProgress, error) {
	p := &ProcessingProgress{}
	var status string
	var completedAt sql.NullTime
	if err := row.Scan(&p.FilePath, &p.ContentHash, &p.TotalChunks, &p.ChunksProcessed, &status,
		&p.LastChunkEnd, &p.ErrorMessage, &p.StartedAt, &p.LastUpdated, &completedAt); err != nil {
		return nil, err
	}
	p.Status = ProgressStatus(status)
	if completedAt.Valid {
		p.CompletedAt = completedAt.Time
	}
	return p, nil
}

const progressSelectCols = `file_path, content_hash, total_chunks, chunks_processed, status, last_chunk_end, error_message, started_at, last_updated, completed_at`

func (s *SQLiteStore) GetProgress(ctx context.Context, filePath string) (*ProcessingProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+progressSelectCols+` FROM processing_progress WHERE file_path = ?`, filePath)
	p, err := scanProgress(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("progress for %s not found: %w", filePath, err)
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListProgressByStatus(ctx context.Context, status ProgressStatus) ([]*ProcessingProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+progressSelectCols+` FROM processing_progress WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list progress by status: %w", err)
	}
	defer rows.Close()
	var out []*ProcessingProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteProgress(ctx context.Context, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processing_progress WHERE file_path = ?`, filePath); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

// ---- Graph operations ----

func (s *SQLiteStore) SaveGraphNode(ctx context.Context, n *GraphNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metaJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshal node metadata: %w", err)
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (node_id, node_type, title, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			node_type=excluded.node_type, title=excluded.title, content=excluded.content, metadata_json=excluded.metadata_json`,
		n.NodeID, string(n.NodeType), n.Title, n.Content, string(metaJSON), createdAt)
	if err != nil {
		return fmt.Errorf("save graph node: %w", err)
	}
	return nil
}

func scanGraphNode(row interface {
	Scan(dest ...any) error
}) (*GraphNode, error) {
	n := &GraphNode{}
	var nodeType string
	var metaJSON sql.NullString
	if err := row.Scan(&n.NodeID, &nodeType, &n.Title, &n.Content, &metaJSON, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.NodeType = GraphNodeType(nodeType)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &n.Metadata)
	}
	return n, nil
}

func (s *SQLiteStore) GetGraphNode(ctx context.Context, nodeID string) (*GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT node_id, node_type, title, content, metadata_json, created_at FROM graph_nodes WHERE node_id = ?`, nodeID)
	n, err := scanGraphNode(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("graph node %s not found: %w", nodeID, err)
		}
		return nil, fmt.Errorf("get graph node: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteGraphNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM graph_nodes WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("delete graph node: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveGraphEdge(ctx context.Context, e *GraphEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal edge metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO graph_edges (source_id, target_id, edge_type, metadata_json) VALUES (?, ?, ?, ?)`,
		e.SourceID, e.TargetID, string(e.EdgeType), string(metaJSON))
	if err != nil {
		return fmt.Errorf("save graph edge: %w", err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		e.ID = id
	}
	return nil
}

func scanGraphEdge(row interface {
	Scan(dest ...any) error
}) (*GraphEdge, error) {
	e := &GraphEdge{}
	var edgeType string
	var metaJSON sql.NullString
	if err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &edgeType, &metaJSON); err != nil {
		return nil, err
	}
	e.EdgeType = GraphEdgeType(edgeType)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
	}
	return e, nil
}

func (s *SQLiteStore) DeleteGraphEdgesByNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM graph_edges WHERE source_id = ? OR target_id = ?`, nodeID, nodeID); err != nil {
		return fmt.Errorf("delete graph edges by node: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetGraphEdgesFrom(ctx context.Context, sourceID string) ([]*GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_id, target_id, edge_type, metadata_json FROM graph_edges WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("get graph edges from: %w", err)
	}
	defer rows.Close()
	var out []*GraphEdge
	for rows.Next() {
		e, err := scanGraphEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetGraphEdgesTo(ctx context.Context, targetID string) ([]*GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_id, target_id, edge_type, metadata_json FROM graph_edges WHERE target_id = ?`, targetID)
	if err != nil {
		return nil, fmt.Errorf("get graph edges to: %w", err)
	}
	defer rows.Close()
	var out []*GraphEdge
	for rows.Next() {
		e, err := scanGraphEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListGraphNodesByType(ctx context.Context, nodeType GraphNodeType) ([]*GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, node_type, title, content, metadata_json, created_at FROM graph_nodes WHERE node_type = ?`, string(nodeType))
	if err != nil {
		return nil, fmt.Errorf("list graph nodes by type: %w", err)
	}
	defer rows.Close()
	var out []*GraphNode
	for rows.Next() {
		n, err := scanGraphNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNoteNodes removes the note node and all header nodes keyed under
// it, cascading their edges, then runs the reference-counted cleanup pass
// for any tag/note_ref node left with no incoming edges.
func (s *SQLiteStore) DeleteNoteNodes(ctx context.Context, notePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	noteID := "note:" + notePath
	rows, err := tx.QueryContext(ctx, `SELECT node_id FROM graph_nodes WHERE node_id = ? OR node_id LIKE ? || ':h%'`, noteID, noteID)
	if err != nil {
		return fmt.Errorf("select note nodes: %w", err)
	}
	var nodeIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		nodeIDs = append(nodeIDs, id)
	}
	rows.Close()

	for _, id := range nodeIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE node_id = ?`, id); err != nil {
			return fmt.Errorf("delete note node %s: %w", id, err)
		}
	}

	if err := reapOrphanGraphNodes(ctx, tx); err != nil {
		return err
	}

	return tx.Commit()
}

// reapOrphanGraphNodes deletes tag/note_ref nodes with zero incoming
// edges, in one transaction.
func reapOrphanGraphNodes(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM graph_nodes
		WHERE node_type IN ('tag', 'note_ref')
		AND node_id NOT IN (SELECT target_id FROM graph_edges)`)
	if err != nil {
		return fmt.Errorf("reap orphan graph nodes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveGraphMetadata(ctx context.Context, metas []*GraphMetadata) error {
	if len(metas) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO graph_metadata (node_id, pagerank_score, in_degree, out_degree, last_computed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			pagerank_score=excluded.pagerank_score, in_degree=excluded.in_degree,
			out_degree=excluded.out_degree, last_computed=excluded.last_computed`)
	if err != nil {
		return fmt.Errorf("prepare graph metadata insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range metas {
		if _, err := stmt.ExecContext(ctx, m.NodeID, m.PageRankScore, m.InDegree, m.OutDegree, m.LastComputed); err != nil {
			return fmt.Errorf("save graph metadata for %s: %w", m.NodeID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetGraphMetadata(ctx context.Context, nodeID string) (*GraphMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := &GraphMetadata{}
	err := s.db.QueryRowContext(ctx, `SELECT node_id, pagerank_score, in_degree, out_degree, last_computed FROM graph_metadata WHERE node_id = ?`, nodeID).
		Scan(&m.NodeID, &m.PageRankScore, &m.InDegree, &m.OutDegree, &m.LastComputed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("graph metadata for %s not found: %w", nodeID, err)
		}
		return nil, fmt.Errorf("get graph metadata: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) SaveChunkGraphLink(ctx context.Context, l *ChunkGraphLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `INSERT INTO chunk_graph_links (chunk_id, node_id, link_type) VALUES (?, ?, ?)`,
		l.ChunkID, l.NodeID, string(l.LinkType))
	if err != nil {
		return fmt.Errorf("save chunk graph link: %w", err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		l.ID = id
	}
	return nil
}

func (s *SQLiteStore) GetChunkGraphLinksByNode(ctx context.Context, nodeID string) ([]*ChunkGraphLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, chunk_id, node_id, link_type FROM chunk_graph_links WHERE node_id = ?`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("get chunk graph links by node: %w", err)
	}
	defer rows.Close()
	var out []*ChunkGraphLink
	for rows.Next() {
		l := &ChunkGraphLink{}
		var linkType string
		if err := rows.Scan(&l.ID, &l.ChunkID, &l.NodeID, &linkType); err != nil {
			return nil, err
		}
		l.LinkType = ChunkGraphLinkType(linkType)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ---- Security scan cache ----

func (s *SQLiteStore) GetSecurityScanCache(ctx context.Context, fileHash string) (*SecurityScanCache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &SecurityScanCache{}
	var isValid int
	var severity string
	err := s.db.QueryRowContext(ctx, `
		SELECT file_hash, is_valid, severity, reason, validation_check, matches_json, scanned_at, scanner_version
		FROM security_scan_cache WHERE file_hash = ?`, fileHash).
		Scan(&c.FileHash, &isValid, &severity, &c.Reason, &c.ValidationCheck, &c.MatchesJSON, &c.ScannedAt, &c.ScannerVersion)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("security scan cache for %s not found: %w", fileHash, err)
		}
		return nil, fmt.Errorf("get security scan cache: %w", err)
	}
	c.IsValid = isValid != 0
	c.Severity = ScanSeverity(severity)
	return c, nil
}

func (s *SQLiteStore) SaveSecurityScanCache(ctx context.Context, c *SecurityScanCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	isValid := 0
	if c.IsValid {
		isValid = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_scan_cache (file_hash, is_valid, severity, reason, validation_check, matches_json, scanned_at, scanner_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_hash) DO UPDATE SET
			is_valid=excluded.is_valid, severity=excluded.severity, reason=excluded.reason,
			validation_check=excluded.validation_check, matches_json=excluded.matches_json,
			scanned_at=excluded.scanned_at, scanner_version=excluded.scanner_version`,
		c.FileHash, isValid, string(c.Severity), c.Reason, c.ValidationCheck, c.MatchesJSON, c.ScannedAt, c.ScannerVersion)
	if err != nil {
		return fmt.Errorf("save security scan cache: %w", err)
	}
	return nil
}

// ---- Lifecycle ----

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		if err := s.db.Close(); err != nil {
			slog.Warn("sqlite_store_close_error", slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}
