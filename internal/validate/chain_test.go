package validate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbindex/ragkb/internal/store"
)

func writeTempFile(t *testing.T, dir, name string, content []byte, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, mode))
	return path
}

func TestChain_RejectsMissingFile(t *testing.T) {
	chain := NewChain(DefaultChain(500, 100), nil, nil)
	result, err := chain.Run(context.Background(), filepath.Join(t.TempDir(), "nope.pdf"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "FileExistenceStrategy", result.ValidationCheck)
}

func TestChain_RejectsUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "data.bin", []byte("hello world"), 0o644)

	chain := NewChain(DefaultChain(500, 100), nil, nil)
	result, err := chain.Run(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "ExtensionStrategy", result.ValidationCheck)
}

func TestChain_AcceptsPlainTextFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "notes.txt", []byte("just some plain notes about a project"), 0o644)

	chain := NewChain(DefaultChain(500, 100), nil, nil)
	result, err := chain.Run(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "text", result.FileType)
}

func TestChain_RejectsExecutableMasqueradingAsText(t *testing.T) {
	dir := t.TempDir()
	elfHeader := append([]byte("\x7fELF"), make([]byte, 60)...)
	path := writeTempFile(t, dir, "report.txt", elfHeader, 0o644)

	chain := NewChain(DefaultChain(500, 100), nil, nil)
	result, err := chain.Run(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "ExtensionMismatchStrategy", result.ValidationCheck)
}

func TestChain_RejectsExecutablePermission(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "script.txt", []byte("plain text content here"), 0o755)

	chain := NewChain(DefaultChain(500, 100), nil, nil)
	result, err := chain.Run(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "ExecutablePermissionStrategy", result.ValidationCheck)
}

func TestChain_RejectsShebangScriptAsScriptType(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "run.txt", []byte("#!/bin/sh\necho hi\n"), 0o755)

	chain := NewChain(DefaultChain(500, 100), nil, nil)
	result, err := chain.Run(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "script", result.FileType)
}

func TestChain_RejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 2*1024*1024)
	for i := range content {
		content[i] = 'a'
	}
	path := writeTempFile(t, dir, "big.txt", content, 0o644)

	chain := NewChain(DefaultChain(1, 0), nil, nil)
	result, err := chain.Run(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "FileSizeStrategy", result.ValidationCheck)
}

func TestChain_RunUncachedBypassesStaleVerdict(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "script.txt", []byte("plain text content here"), 0o755)

	metadata, err := store.NewSQLiteStore(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	defer metadata.Close()

	chain := NewChain(DefaultChain(500, 100), metadata, nil)
	result, err := chain.Run(context.Background(), path)
	require.NoError(t, err)
	require.False(t, result.IsValid)
	require.Equal(t, "ExecutablePermissionStrategy", result.ValidationCheck)

	// Remediate out of band, then a plain Run would still return the
	// cached rejection since content hash didn't change.
	require.NoError(t, os.Chmod(path, 0o644))
	cached, err := chain.Run(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, cached.IsValid, "cached verdict should still be the stale rejection")

	// RunUncached re-evaluates and sees the file is valid now.
	fresh, err := chain.RunUncached(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, fresh.IsValid)
}
