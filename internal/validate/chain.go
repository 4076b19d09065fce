package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kbindex/ragkb/internal/store"
)

// ScannerVersion is bumped whenever a strategy's rejection logic changes
// in a way that should invalidate previously cached verdicts.
const ScannerVersion = "1"

// DefaultChain returns the validation chain in the order fixed for this
// pipeline: existence and extension first since nothing downstream is
// worth running without them, then size and archive-bomb checks before
// the file is trusted enough to open, then the content-shape checks.
// ExecutablePermissionStrategy runs after ExtensionMismatchStrategy and
// before TextFileStrategy, so a renamed executable is caught by its
// magic bytes before permission-based remediation is attempted, and a
// +x text file is still rejected even though its content looks fine.
func DefaultChain(maxSizeMB, warnSizeMB int) []Strategy {
	return []Strategy{
		FileExistenceStrategy{},
		ExtensionStrategy{},
		NewFileSizeStrategy(maxSizeMB, warnSizeMB),
		NewArchiveBombStrategy(),
		ExtensionMismatchStrategy{},
		ExecutablePermissionStrategy{},
		TextFileStrategy{},
		MagicSignatureStrategy{},
		PDFIntegrityStrategy{},
	}
}

// Chain runs an ordered list of strategies over a candidate file,
// stopping at the first rejection, and memoises the verdict by content
// hash so repeated scans of identical bytes skip straight to the cache.
type Chain struct {
	strategies []Strategy
	cache      store.MetadataStore
	logger     *slog.Logger
}

func NewChain(strategies []Strategy, cache store.MetadataStore, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{strategies: strategies, cache: cache, logger: logger}
}

// Run validates path, consulting and populating the security scan cache
// when a MetadataStore is configured.
func (c *Chain) Run(ctx context.Context, path string) (Result, error) {
	return c.run(ctx, path, true)
}

// RunUncached behaves like Run but skips the cached-verdict lookup and
// overwrites any stale cache entry with the fresh result. Used to re-run
// the chain after remediation (e.g. stripping an accidental executable
// bit): the file's content hash is unchanged, but the cache key is
// content-hash-only and would otherwise keep returning the pre-remediation
// rejection.
func (c *Chain) RunUncached(ctx context.Context, path string) (Result, error) {
	return c.run(ctx, path, false)
}

func (c *Chain) run(ctx context.Context, path string, useCache bool) (Result, error) {
	info, statErr := os.Lstat(path)
	st := NewState(path, info)
	if statErr != nil {
		st.Info = nil
	}

	var hash string
	if statErr == nil {
		if h, err := st.ContentHash(); err == nil {
			hash = h
			if useCache && c.cache != nil {
				if cached, err := c.cache.GetSecurityScanCache(ctx, hash); err == nil && cached != nil && cached.ScannerVersion == ScannerVersion {
					return resultFromCache(cached), nil
				}
			}
		}
	}

	result := ok("unknown")
	for _, strat := range c.strategies {
		r, err := strat.Validate(st)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", strat.Name(), err)
		}
		result = r
		if !r.IsValid {
			c.logger.Warn("validation chain rejected file",
				"path", path, "check", r.ValidationCheck, "reason", r.Reason, "severity", r.Severity)
			break
		}
	}

	if hash != "" && c.cache != nil {
		c.save(ctx, hash, result)
	}

	return result, nil
}

func (c *Chain) save(ctx context.Context, hash string, r Result) {
	matches, err := json.Marshal(r.Matches)
	if err != nil {
		matches = []byte("[]")
	}
	entry := &store.SecurityScanCache{
		FileHash:        hash,
		IsValid:         r.IsValid,
		Severity:        store.ScanSeverity(r.Severity),
		Reason:          r.Reason,
		ValidationCheck: r.ValidationCheck,
		MatchesJSON:     string(matches),
		ScannedAt:       time.Now(),
		ScannerVersion:  ScannerVersion,
	}
	if err := c.cache.SaveSecurityScanCache(ctx, entry); err != nil {
		c.logger.Warn("failed to persist security scan cache entry", "hash", hash, "error", err)
	}
}

func resultFromCache(c *store.SecurityScanCache) Result {
	var matches []string
	_ = json.Unmarshal([]byte(c.MatchesJSON), &matches)
	return Result{
		IsValid:         c.IsValid,
		Reason:          c.Reason,
		ValidationCheck: c.ValidationCheck,
		Severity:        Severity(c.Severity),
		Matches:         matches,
	}
}
