// Package quarantine implements the hybrid quarantine policy: files
// rejected by the validation chain for a dangerous reason (a disguised
// executable, an archive bomb, a shebang script) are moved into a
// dedicated directory; files rejected for a merely inconvenient reason
// (too large, empty, a truncated PDF) are left in place and only
// recorded. All quarantine bookkeeping lives in one JSON sidecar file
// guarded by a cross-process file lock, so concurrent ingestion workers
// never race writing it.
package quarantine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

const metadataFile = ".metadata.json"

// dangerousChecks are the validation_check names that earn a move into
// quarantine. Everything else is tracked but left where it was found.
var dangerousChecks = map[string]bool{
	"ExtensionMismatchStrategy":    true,
	"ArchiveBombStrategy":          true,
	"ExecutablePermissionStrategy": true,
}

// ShouldQuarantine reports whether a rejection from the given
// validation check warrants moving the file, as opposed to merely
// tracking the rejection.
func ShouldQuarantine(validationCheck string) bool {
	return dangerousChecks[validationCheck]
}

// Metadata records why and when a file was quarantined, and its restore
// state.
type Metadata struct {
	OriginalPath    string     `json:"original_path"`
	QuarantinedAt   time.Time  `json:"quarantined_at"`
	Reason          string     `json:"reason"`
	ValidationCheck string     `json:"validation_check"`
	FileHash        string     `json:"file_hash,omitempty"`
	CanRestore      bool       `json:"can_restore"`
	Restored        bool       `json:"restored"`
	RestoredAt      *time.Time `json:"restored_at,omitempty"`
}

// Manager owns the quarantine directory under a knowledge base root.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at <kbRoot>/.quarantine.
func NewManager(kbRoot string) *Manager {
	return &Manager{dir: filepath.Join(kbRoot, ".quarantine")}
}

func (m *Manager) metadataPath() string { return filepath.Join(m.dir, metadataFile) }
func (m *Manager) lockPath() string     { return filepath.Join(m.dir, ".metadata.lock") }

// Quarantine moves path into the quarantine directory and records why,
// if validationCheck is dangerous enough to warrant it. It returns
// false, nil if the check is track-only and nothing was moved.
func (m *Manager) Quarantine(path, reason, validationCheck, fileHash string) (bool, error) {
	if !ShouldQuarantine(validationCheck) {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		return false, fmt.Errorf("cannot quarantine %s: %w", path, err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return false, fmt.Errorf("create quarantine dir: %w", err)
	}

	lock := flock.New(m.lockPath())
	if err := lock.Lock(); err != nil {
		return false, fmt.Errorf("lock quarantine metadata: %w", err)
	}
	defer lock.Unlock()

	name := filepath.Base(path)
	quarantinedName := name + ".REJECTED"
	destPath := filepath.Join(m.dir, quarantinedName)
	for counter := 1; fileExists(destPath); counter++ {
		quarantinedName = fmt.Sprintf("%s.REJECTED.%d", name, counter)
		destPath = filepath.Join(m.dir, quarantinedName)
	}

	if err := os.Rename(path, destPath); err != nil {
		return false, fmt.Errorf("move %s to quarantine: %w", path, err)
	}

	all, err := m.loadAllLocked()
	if err != nil {
		return false, err
	}
	all[quarantinedName] = Metadata{
		OriginalPath:    path,
		QuarantinedAt:   time.Now().UTC(),
		Reason:          reason,
		ValidationCheck: validationCheck,
		FileHash:        fileHash,
		CanRestore:      true,
	}
	if err := m.saveAllLocked(all); err != nil {
		return false, err
	}
	return true, nil
}

// Restore moves a quarantined file back to its original location.
// Restoring over an existing file at that location requires force.
func (m *Manager) Restore(quarantinedFilename string, force bool) error {
	quarantinePath := filepath.Join(m.dir, quarantinedFilename)
	if !fileExists(quarantinePath) {
		return fmt.Errorf("file not found in quarantine: %s", quarantinedFilename)
	}

	lock := flock.New(m.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock quarantine metadata: %w", err)
	}
	defer lock.Unlock()

	all, err := m.loadAllLocked()
	if err != nil {
		return err
	}
	meta, ok := all[quarantinedFilename]
	if !ok {
		return fmt.Errorf("no metadata found for %s", quarantinedFilename)
	}
	if meta.Restored {
		return fmt.Errorf("file already restored at %s", meta.RestoredAt)
	}
	if fileExists(meta.OriginalPath) && !force {
		return fmt.Errorf("original path already exists: %s (use force to overwrite)", meta.OriginalPath)
	}

	if err := os.MkdirAll(filepath.Dir(meta.OriginalPath), 0o755); err != nil {
		return fmt.Errorf("create original directory: %w", err)
	}
	if err := os.Rename(quarantinePath, meta.OriginalPath); err != nil {
		return fmt.Errorf("restore %s: %w", quarantinedFilename, err)
	}

	now := time.Now().UTC()
	meta.Restored = true
	meta.RestoredAt = &now
	all[quarantinedFilename] = meta
	return m.saveAllLocked(all)
}

// List returns metadata for every quarantined file not yet restored,
// ordered by quarantine time, oldest first.
func (m *Manager) List() ([]Metadata, error) {
	if !fileExists(m.dir) {
		return nil, nil
	}
	all, err := m.loadAllLocked()
	if err != nil {
		return nil, err
	}
	var out []Metadata
	for _, meta := range all {
		if !meta.Restored {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuarantinedAt.Before(out[j].QuarantinedAt) })
	return out, nil
}

// PurgeOlderThan deletes non-restored quarantined files older than the
// given age, returning the number purged (or that would be purged, in
// a dry run).
func (m *Manager) PurgeOlderThan(maxAge time.Duration, dryRun bool) (int, error) {
	if !fileExists(m.dir) {
		return 0, nil
	}

	lock := flock.New(m.lockPath())
	if err := lock.Lock(); err != nil {
		return 0, fmt.Errorf("lock quarantine metadata: %w", err)
	}
	defer lock.Unlock()

	all, err := m.loadAllLocked()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	purged := 0
	for filename, meta := range all {
		if meta.Restored || meta.QuarantinedAt.After(cutoff) {
			continue
		}
		purged++
		if dryRun {
			continue
		}
		_ = os.Remove(filepath.Join(m.dir, filename))
		delete(all, filename)
	}
	if purged > 0 && !dryRun {
		if err := m.saveAllLocked(all); err != nil {
			return purged, err
		}
	}
	return purged, nil
}

func (m *Manager) loadAllLocked() (map[string]Metadata, error) {
	data, err := os.ReadFile(m.metadataPath())
	if os.IsNotExist(err) {
		return make(map[string]Metadata), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read quarantine metadata: %w", err)
	}
	all := make(map[string]Metadata)
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse quarantine metadata: %w", err)
	}
	return all, nil
}

func (m *Manager) saveAllLocked(all map[string]Metadata) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal quarantine metadata: %w", err)
	}
	if err := os.WriteFile(m.metadataPath(), data, 0o644); err != nil {
		return fmt.Errorf("write quarantine metadata: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
