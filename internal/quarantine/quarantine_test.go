package quarantine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuarantine_MovesDangerousFile(t *testing.T) {
	kbRoot := t.TempDir()
	original := filepath.Join(kbRoot, "malware.pdf")
	require.NoError(t, os.WriteFile(original, []byte("MZ fake exe"), 0o644))

	mgr := NewManager(kbRoot)
	moved, err := mgr.Quarantine(original, "executable masquerading as pdf", "ExtensionMismatchStrategy", "abc123")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.NoFileExists(t, original)

	entries, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, original, entries[0].OriginalPath)
	assert.Equal(t, "ExtensionMismatchStrategy", entries[0].ValidationCheck)
	assert.False(t, entries[0].Restored)
}

func TestQuarantine_TrackOnlyCheckLeavesFileInPlace(t *testing.T) {
	kbRoot := t.TempDir()
	original := filepath.Join(kbRoot, "huge.pdf")
	require.NoError(t, os.WriteFile(original, []byte("%PDF-1.4"), 0o644))

	mgr := NewManager(kbRoot)
	moved, err := mgr.Quarantine(original, "file too large", "FileSizeStrategy", "")
	require.NoError(t, err)
	assert.False(t, moved)
	assert.FileExists(t, original)
}

func TestQuarantine_RestoreRoundTrip(t *testing.T) {
	kbRoot := t.TempDir()
	original := filepath.Join(kbRoot, "sub", "malware.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(original), 0o755))
	require.NoError(t, os.WriteFile(original, []byte("MZ fake exe"), 0o644))

	mgr := NewManager(kbRoot)
	_, err := mgr.Quarantine(original, "masquerade", "ExtensionMismatchStrategy", "")
	require.NoError(t, err)

	entries, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	quarantinedName := "malware.pdf.REJECTED"
	require.NoError(t, mgr.Restore(quarantinedName, false))
	assert.FileExists(t, original)

	entries, err = mgr.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQuarantine_RestoreRefusesToOverwriteWithoutForce(t *testing.T) {
	kbRoot := t.TempDir()
	original := filepath.Join(kbRoot, "malware.pdf")
	require.NoError(t, os.WriteFile(original, []byte("MZ fake exe"), 0o644))

	mgr := NewManager(kbRoot)
	_, err := mgr.Quarantine(original, "masquerade", "ExtensionMismatchStrategy", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(original, []byte("replacement"), 0o644))

	err = mgr.Restore("malware.pdf.REJECTED", false)
	assert.Error(t, err)

	require.NoError(t, mgr.Restore("malware.pdf.REJECTED", true))
	content, err := os.ReadFile(original)
	require.NoError(t, err)
	assert.Equal(t, "MZ fake exe", string(content))
}

func TestQuarantine_NameConflictAppendsCounter(t *testing.T) {
	kbRoot := t.TempDir()
	mgr := NewManager(kbRoot)

	first := filepath.Join(kbRoot, "malware.pdf")
	require.NoError(t, os.WriteFile(first, []byte("one"), 0o644))
	_, err := mgr.Quarantine(first, "masquerade", "ExtensionMismatchStrategy", "")
	require.NoError(t, err)

	second := filepath.Join(kbRoot, "sub", "malware.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(second), 0o755))
	require.NoError(t, os.WriteFile(second, []byte("two"), 0o644))
	_, err = mgr.Quarantine(second, "masquerade", "ExtensionMismatchStrategy", "")
	require.NoError(t, err)

	entries, err := mgr.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestQuarantine_PurgeOlderThanDryRun(t *testing.T) {
	kbRoot := t.TempDir()
	original := filepath.Join(kbRoot, "malware.pdf")
	require.NoError(t, os.WriteFile(original, []byte("x"), 0o644))

	mgr := NewManager(kbRoot)
	_, err := mgr.Quarantine(original, "masquerade", "ExtensionMismatchStrategy", "")
	require.NoError(t, err)

	count, err := mgr.PurgeOlderThan(0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	entries, err := mgr.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1, "dry run must not remove the quarantined file")
}

func TestQuarantine_ShouldQuarantine(t *testing.T) {
	assert.True(t, ShouldQuarantine("ExtensionMismatchStrategy"))
	assert.True(t, ShouldQuarantine("ArchiveBombStrategy"))
	assert.True(t, ShouldQuarantine("ExecutablePermissionStrategy"))
	assert.False(t, ShouldQuarantine("FileSizeStrategy"))
	assert.False(t, ShouldQuarantine("PDFIntegrityStrategy"))
}
