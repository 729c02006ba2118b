// Package ingest tails the network-IDS event stream (one JSON object per
// line) and turns alert records into NetworkAlerts in the store.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"argus/config"
	"argus/core"
	"argus/metrics"
	"argus/storage"
	"argus/util/goroutine"

	"go.uber.org/zap"
)

// ComponentName is the health registry key for the ingester.
const ComponentName = "ingester"

// offsetKey is the ingest_state key holding the stream byte offset.
const offsetKey = "eve_offset"

// eveRecord is the subset of the IDS event schema the ingester consumes.
type eveRecord struct {
	Timestamp string      `json:"timestamp"`
	EventType string      `json:"event_type"`
	SrcIP     string      `json:"src_ip"`
	DestIP    string      `json:"dest_ip"`
	Proto     string      `json:"proto"`
	FlowID    json.Number `json:"flow_id"`
	Alert     *struct {
		SignatureID int64  `json:"signature_id"`
		Signature   string `json:"signature"`
		Category    string `json:"category"`
		Severity    int    `json:"severity"`
	} `json:"alert"`
	Fileinfo *struct {
		MD5    string `json:"md5"`
		SHA256 string `json:"sha256"`
	} `json:"fileinfo"`
}

// eveTimeLayout is the IDS timestamp format; RFC3339 is the fallback.
const eveTimeLayout = "2006-01-02T15:04:05.999999-0700"

// Reader tails the event stream file from a persisted byte offset, so a
// restart resumes where it left off. Truncation (log rotation) resets the
// offset to the start of the new file.
type Reader struct {
	cfg    config.IngestConfig
	store  *storage.AlertStore
	health *core.HealthRegistry
	logger *zap.SugaredLogger

	offset int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReader creates a reader over the configured stream file.
func NewReader(cfg config.IngestConfig, store *storage.AlertStore, health *core.HealthRegistry, logger *zap.SugaredLogger) *Reader {
	return &Reader{cfg: cfg, store: store, health: health, logger: logger}
}

// Start restores the offset and begins polling the stream file.
func (r *Reader) Start(ctx context.Context) error {
	offset, err := r.store.GetIngestOffset(ctx, offsetKey)
	if err != nil {
		return fmt.Errorf("failed to restore ingest offset: %w", err)
	}
	r.offset = offset

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.health.SetHealthy(ComponentName)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer goroutine.Recover("eve-reader", r.logger)
		r.run(runCtx)
	}()

	r.logger.Infow("IDS event stream reader started",
		"file", r.cfg.EveFile, "offset", offset, "poll_interval", r.cfg.PollInterval)
	return nil
}

// Stop cancels the poll loop and waits for it to finish.
func (r *Reader) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("IDS event stream reader stopped")
}

func (r *Reader) run(ctx context.Context) {
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.readNew(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.health.SetDegraded(ComponentName, "store unreachable")
				r.logger.Errorw("Event stream read failed, will retry", "error", err)
			} else {
				r.health.SetHealthy(ComponentName)
			}
		}
	}
}

// readNew consumes complete lines appended since the saved offset. The
// offset only advances past lines whose alerts were persisted, so a
// mid-batch store failure re-reads from the failed line on the next tick
// (safe: inserts are idempotent).
func (r *Reader) readNew(ctx context.Context) error {
	info, err := os.Stat(r.cfg.EveFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // collaborator has not produced the stream yet
		}
		return err
	}

	if info.Size() < r.offset {
		r.logger.Warnw("Event stream truncated, resetting offset",
			"file", r.cfg.EveFile, "size", info.Size(), "offset", r.offset)
		r.offset = 0
	}
	if info.Size() == r.offset {
		return nil
	}

	f, err := os.Open(r.cfg.EveFile)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	consumed := r.offset
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Partial trailing line: leave it for the next tick once the
			// writer finishes it.
			break
		}
		if err := r.ingestLine(ctx, line); err != nil {
			r.saveOffset(ctx, consumed)
			return err
		}
		consumed += int64(len(line))
	}

	if consumed != r.offset {
		r.saveOffset(ctx, consumed)
	}
	return nil
}

func (r *Reader) saveOffset(ctx context.Context, offset int64) {
	r.offset = offset
	if err := r.store.SetIngestOffset(ctx, offsetKey, offset); err != nil {
		r.logger.Warnw("Failed to persist ingest offset", "error", err)
	}
}

// ingestLine parses one stream line. Malformed lines and non-alert event
// types are counted and skipped; only store failures propagate.
func (r *Reader) ingestLine(ctx context.Context, line []byte) error {
	var rec eveRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		metrics.EveLines.WithLabelValues("malformed").Inc()
		r.logger.Debugw("Malformed event stream line skipped", "error", err)
		return nil
	}
	if rec.EventType != "alert" || rec.Alert == nil {
		metrics.EveLines.WithLabelValues("skipped").Inc()
		return nil
	}

	alert := core.NewNetworkAlert()
	alert.Timestamp = parseEveTime(rec.Timestamp)
	alert.SrcIP = rec.SrcIP
	alert.DestIP = rec.DestIP
	alert.Proto = rec.Proto
	alert.SignatureID = rec.Alert.SignatureID
	alert.Signature = rec.Alert.Signature
	alert.Category = rec.Alert.Category
	alert.Severity = mapSeverity(rec.Alert.Severity)
	alert.FlowID = rec.FlowID.String()
	if rec.Fileinfo != nil {
		if rec.Fileinfo.MD5 != "" {
			alert.Indicators = append(alert.Indicators, rec.Fileinfo.MD5)
		}
		if rec.Fileinfo.SHA256 != "" {
			alert.Indicators = append(alert.Indicators, rec.Fileinfo.SHA256)
		}
	}

	if _, err := r.store.InsertNetworkAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to persist network alert: %w", err)
	}
	metrics.EveLines.WithLabelValues("ingested").Inc()
	return nil
}

func parseEveTime(s string) time.Time {
	if t, err := time.Parse(eveTimeLayout, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// mapSeverity converts the IDS numeric scale (1 = most severe) to the
// shared severity strings.
func mapSeverity(n int) string {
	switch n {
	case 1:
		return core.SeverityHigh
	case 2:
		return core.SeverityMedium
	case 3:
		return core.SeverityLow
	default:
		return core.SeverityInfo
	}
}
