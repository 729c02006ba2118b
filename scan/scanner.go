// Package scan runs the worker pool that hashes files, screens them
// against the active ruleset snapshot, and persists file alerts.
package scan

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"argus/config"
	"argus/core"
	"argus/metrics"
	"argus/rules"
	"argus/storage"

	"go.uber.org/zap"
)

// ComponentName is the health registry key for the scanner.
const ComponentName = "scanner"

// Per-file failure sentinels. Both are recorded and isolated to the file
// that caused them; they never affect other queued or in-flight work.
var (
	ErrScanTimeout = errors.New("scan timed out")
	ErrScanIO      = errors.New("scan i/o failure")
)

// sidecarMeta is the optional flow metadata the extraction collaborator
// writes next to each carved file as <file>.meta.json.
type sidecarMeta struct {
	FlowID string `json:"flow_id"`
	SrcIP  string `json:"src_ip"`
	DestIP string `json:"dest_ip"`
}

// Scanner processes one ScanTask at a time: size gate, hash, match,
// persist. Safe for concurrent use by all pool workers because the
// ruleset snapshot is immutable and the store is pooled.
type Scanner struct {
	cfg    config.ScannerConfig
	rules  *rules.Holder
	store  *storage.AlertStore
	health *core.HealthRegistry
	logger *zap.SugaredLogger
}

// NewScanner wires a scanner over the active ruleset holder and the store.
func NewScanner(cfg config.ScannerConfig, holder *rules.Holder, store *storage.AlertStore, health *core.HealthRegistry, logger *zap.SugaredLogger) *Scanner {
	return &Scanner{cfg: cfg, rules: holder, store: store, health: health, logger: logger}
}

// Process handles a single task under the per-file scan timeout.
// Oversize files are skipped (logged, no alert, no error); timeouts and
// I/O failures are recorded per file and swallowed.
func (s *Scanner) Process(ctx context.Context, task core.ScanTask) {
	if task.SizeBytes > s.cfg.MaxFileSize {
		metrics.FilesScanned.WithLabelValues("skipped").Inc()
		s.logger.Infow("File exceeds maximum size, skipping",
			"file", task.FilePath, "size", task.SizeBytes, "max", s.cfg.MaxFileSize)
		return
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	start := time.Now()
	err := s.scanFile(scanCtx, task)
	metrics.ScanDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, ErrScanTimeout):
		metrics.FilesScanned.WithLabelValues("timeout").Inc()
		s.logger.Errorw("Scan timed out, abandoning file",
			"file", task.FilePath, "timeout", s.cfg.ScanTimeout)
	default:
		metrics.FilesScanned.WithLabelValues("error").Inc()
		s.logger.Errorw("Scan failed", "file", task.FilePath, "error", err)
	}
}

// scanFile reads, hashes, matches, and persists. The timeout is
// cooperative: ctx is checked between phases, not inside them, so a phase
// already running completes before the deadline is honored. Each phase is
// bounded in practice by the size cap and linear-time regex matching.
func (s *Scanner) scanFile(ctx context.Context, task core.ScanTask) error {
	data, err := os.ReadFile(task.FilePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScanIO, err)
	}
	if err := ctx.Err(); err != nil {
		return ErrScanTimeout
	}

	md5sum := md5.Sum(data)
	sha := sha256.Sum256(data)
	hashes := core.FileHashes{
		MD5:    hex.EncodeToString(md5sum[:]),
		SHA256: hex.EncodeToString(sha[:]),
	}

	matches := s.rules.Load().Match(data)
	if err := ctx.Err(); err != nil {
		return ErrScanTimeout
	}
	if len(matches) == 0 {
		metrics.FilesScanned.WithLabelValues("clean").Inc()
		return nil
	}

	meta := s.readSidecar(task.FilePath)

	for _, m := range matches {
		alert := core.NewFileAlert()
		alert.FilePath = task.FilePath
		alert.FileHash = hashes
		alert.FileSize = int64(len(data))
		alert.MatchedRule = core.MatchedRule{
			Name:      m.Rule.Name,
			Namespace: m.Rule.Namespace,
			Tags:      m.Rule.Tags,
			Meta:      m.Rule.Meta,
		}
		for _, sm := range m.Strings {
			alert.MatchedStrings = append(alert.MatchedStrings, sm.ID)
		}
		alert.Severity = ruleSeverity(m.Rule)
		if meta != nil {
			alert.CorrelationRef = meta.FlowID
			alert.SrcIP = meta.SrcIP
			alert.DestIP = meta.DestIP
		}

		if err := s.persist(ctx, alert); err != nil {
			return err
		}
	}

	metrics.FilesScanned.WithLabelValues("matched").Inc()
	return nil
}

// persist writes the alert, retrying pool exhaustion with backoff before
// reporting the scanner degraded. Duplicate alerts are a successful no-op
// enforced by the store's uniqueness constraint.
func (s *Scanner) persist(ctx context.Context, alert *core.FileAlert) error {
	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= s.cfg.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ErrScanTimeout
			}
		}

		inserted, err := s.store.InsertFileAlert(ctx, alert)
		if err == nil {
			s.health.SetHealthy(ComponentName)
			if inserted {
				s.logger.Infow("File alert persisted",
					"rule", alert.MatchedRule.Name, "file", alert.FilePath, "sha256", alert.FileHash.SHA256)
			}
			return nil
		}
		lastErr = err
		if !errors.Is(err, storage.ErrPoolExhausted) {
			break
		}
		s.logger.Warnw("Store pool exhausted, backing off",
			"attempt", attempt+1, "backoff", backoff)
	}

	s.health.SetDegraded(ComponentName, "store unreachable")
	return fmt.Errorf("failed to persist alert for %s: %w", alert.FilePath, lastErr)
}

// readSidecar loads <file>.meta.json when present. A missing or corrupt
// sidecar only means no correlation ref for this file.
func (s *Scanner) readSidecar(path string) *sidecarMeta {
	data, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		return nil
	}
	var meta sidecarMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		s.logger.Warnw("Corrupt sidecar metadata, ignoring", "file", path, "error", err)
		return nil
	}
	return &meta
}

func ruleSeverity(r rules.Rule) string {
	switch r.Meta["severity"] {
	case core.SeverityCritical, core.SeverityHigh, core.SeverityMedium, core.SeverityLow, core.SeverityInfo:
		return r.Meta["severity"]
	}
	return core.SeverityMedium
}
