// Package correlate groups file-alerts and network-alerts into incidents
// with a reproducible, bounded-false-positive confidence score.
package correlate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"argus/config"
	"argus/core"
	"argus/metrics"
	"argus/storage"
	"argus/util/goroutine"

	"go.uber.org/zap"
)

// ComponentName is the health registry key for the correlation engine.
const ComponentName = "correlator"

// Edge weights for the three independent correlation strategies.
const (
	weightHashMatch     = 40
	weightFlowIPMatch   = 30
	weightTimeProximity = 10
)

// node is one alert inside a correlation run, addressed by its index.
type node struct {
	alertID  string
	source   core.AlertSource
	ts       time.Time
	hashes   []string // file: md5+sha256; network: indicators
	ips      []string // src and dest, when known
	flowRef  string
	resolved bool // already stamped by a previous run
}

// edge links two node indices with the weight of the strategy that
// produced it.
type edge struct {
	a, b   int
	weight int
	method string
}

// Engine runs the correlation algorithm over a sliding window of the
// alert store. Runs are serialized; each run recomputes from scratch
// against one consistent snapshot, so aborting between steps is safe.
type Engine struct {
	cfg    config.CorrelationConfig
	store  *storage.AlertStore
	health *core.HealthRegistry
	logger *zap.SugaredLogger

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires the engine over the alert store.
func NewEngine(cfg config.CorrelationConfig, store *storage.AlertStore, health *core.HealthRegistry, logger *zap.SugaredLogger) *Engine {
	return &Engine{cfg: cfg, store: store, health: health, logger: logger}
}

// Start schedules periodic runs. On-demand runs via Run are still allowed
// while the ticker is active.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.health.SetHealthy(ComponentName)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer goroutine.Recover("correlation-engine", e.logger)

		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := e.Run(runCtx); err != nil {
					// Logged and retried on the next tick; re-running is
					// idempotent and cheap.
					e.logger.Errorw("Correlation run failed", "error", err)
				}
			}
		}
	}()

	e.logger.Infow("Correlation engine started",
		"interval", e.cfg.Interval, "window", e.cfg.Window, "min_confidence", e.cfg.MinConfidence)
}

// Stop cancels the scheduler and waits for any in-progress run.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("Correlation engine stopped")
}

// Run executes one correlation pass and returns the number of incidents
// created. A read failure aborts with zero partial writes.
func (e *Engine) Run(ctx context.Context) (int, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	now := time.Now().UTC()
	files, nets, err := e.store.LoadWindow(ctx, now.Add(-e.cfg.Window), now)
	if err != nil {
		metrics.CorrelationRuns.WithLabelValues("error").Inc()
		e.health.SetDegraded(ComponentName, "store unreachable")
		return 0, fmt.Errorf("correlation run aborted: %w", err)
	}

	incidents := e.correlate(files, nets)

	created, err := e.store.InsertIncidents(ctx, incidents)
	if err != nil {
		metrics.CorrelationRuns.WithLabelValues("error").Inc()
		e.health.SetDegraded(ComponentName, "store unreachable")
		return 0, fmt.Errorf("correlation run aborted: %w", err)
	}

	metrics.CorrelationRuns.WithLabelValues("ok").Inc()
	e.health.SetHealthy(ComponentName)
	if created > 0 {
		e.logger.Infow("Correlation run complete",
			"alerts", len(files)+len(nets), "incidents", created)
	}
	return created, nil
}

// correlate builds the alert graph and extracts candidate incidents.
// Deterministic for a fixed input set: nodes are ordered files-then-nets
// as loaded (timestamp, id), and all grouping is integer index math.
func (e *Engine) correlate(files []core.FileAlert, nets []core.NetworkAlert) []*core.CorrelatedIncident {
	nodes := buildNodes(files, nets)
	if len(nodes) < 2 {
		return nil
	}

	edges := e.buildEdges(nodes)
	if len(edges) == 0 {
		return nil
	}

	uf := newUnionFind(len(nodes))
	for _, ed := range edges {
		uf.union(ed.a, ed.b)
	}

	// Group node indices and edge weights by component root.
	members := make(map[int][]int)
	for i := range nodes {
		root := uf.find(i)
		members[root] = append(members[root], i)
	}
	weights := make(map[int]int)
	methods := make(map[int]map[string]bool)
	for _, ed := range edges {
		root := uf.find(ed.a)
		weights[root] += ed.weight
		if methods[root] == nil {
			methods[root] = make(map[string]bool)
		}
		methods[root][ed.method] = true
	}

	roots := make([]int, 0, len(members))
	for root := range members {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	var incidents []*core.CorrelatedIncident
	for _, root := range roots {
		idxs := members[root]
		if len(idxs) < 2 {
			continue
		}
		if !multiSource(nodes, idxs) {
			continue
		}
		if allResolved(nodes, idxs) {
			// Every member was already grouped by a previous run over the
			// same set; the fingerprint constraint would reject it anyway.
			continue
		}

		confidence := confidenceFor(weights[root], len(idxs))
		if confidence < e.cfg.MinConfidence {
			continue
		}

		ids := make([]string, 0, len(idxs))
		for _, i := range idxs {
			ids = append(ids, nodes[i].alertID)
		}
		sort.Strings(ids)

		inc := core.NewCorrelatedIncident(ids)
		inc.Confidence = confidence
		inc.CommonIndicators = commonIndicators(nodes, idxs)
		inc.MethodsUsed = sortedKeys(methods[root])
		incidents = append(incidents, inc)
	}
	return incidents
}

// confidenceFor normalizes the summed edge weights by member count and
// caps the result at 100.
func confidenceFor(totalWeight, memberCount int) int {
	c := totalWeight * 2 / memberCount
	if c > 100 {
		c = 100
	}
	return c
}

func buildNodes(files []core.FileAlert, nets []core.NetworkAlert) []node {
	nodes := make([]node, 0, len(files)+len(nets))
	for i := range files {
		a := &files[i]
		n := node{
			alertID:  a.ID,
			source:   core.SourceFile,
			ts:       a.Timestamp,
			flowRef:  a.CorrelationRef,
			resolved: a.CorrelatedAt != nil,
		}
		if a.FileHash.MD5 != "" {
			n.hashes = append(n.hashes, a.FileHash.MD5)
		}
		if a.FileHash.SHA256 != "" {
			n.hashes = append(n.hashes, a.FileHash.SHA256)
		}
		if a.SrcIP != "" {
			n.ips = append(n.ips, a.SrcIP)
		}
		if a.DestIP != "" {
			n.ips = append(n.ips, a.DestIP)
		}
		nodes = append(nodes, n)
	}
	for i := range nets {
		a := &nets[i]
		n := node{
			alertID:  a.ID,
			source:   core.SourceNetwork,
			ts:       a.Timestamp,
			flowRef:  a.FlowID,
			hashes:   a.Indicators,
			resolved: a.CorrelatedAt != nil,
		}
		if a.SrcIP != "" {
			n.ips = append(n.ips, a.SrcIP)
		}
		if a.DestIP != "" {
			n.ips = append(n.ips, a.DestIP)
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// buildEdges applies the three strategies pairwise. Pure time coincidence
// with no shared attribute never forms an edge.
func (e *Engine) buildEdges(nodes []node) []edge {
	var edges []edge
	for a := 0; a < len(nodes); a++ {
		for b := a + 1; b < len(nodes); b++ {
			na, nb := &nodes[a], &nodes[b]

			crossSource := na.source != nb.source
			hash := crossSource && sharesHash(na, nb)
			flowIP := crossSource && (sharesFlowRef(na, nb) || sharesIP(na, nb))

			if hash {
				edges = append(edges, edge{a: a, b: b, weight: weightHashMatch, method: core.MethodHashMatch})
			}
			if flowIP {
				edges = append(edges, edge{a: a, b: b, weight: weightFlowIPMatch, method: core.MethodFlowIPMatch})
			}

			// Proximity requires a shared non-time attribute from either
			// source pairing, same-source included.
			if absDuration(na.ts.Sub(nb.ts)) <= e.cfg.TimeProximity &&
				(sharesHash(na, nb) || sharesFlowRef(na, nb) || sharesIP(na, nb)) {
				edges = append(edges, edge{a: a, b: b, weight: weightTimeProximity, method: core.MethodTimeProximity})
			}
		}
	}
	return edges
}

func sharesHash(a, b *node) bool {
	for _, ha := range a.hashes {
		for _, hb := range b.hashes {
			if ha != "" && ha == hb {
				return true
			}
		}
	}
	return false
}

func sharesFlowRef(a, b *node) bool {
	return a.flowRef != "" && a.flowRef == b.flowRef
}

func sharesIP(a, b *node) bool {
	for _, ia := range a.ips {
		for _, ib := range b.ips {
			if ia != "" && ia == ib {
				return true
			}
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func multiSource(nodes []node, idxs []int) bool {
	var file, network bool
	for _, i := range idxs {
		switch nodes[i].source {
		case core.SourceFile:
			file = true
		case core.SourceNetwork:
			network = true
		}
	}
	return file && network
}

func allResolved(nodes []node, idxs []int) bool {
	for _, i := range idxs {
		if !nodes[i].resolved {
			return false
		}
	}
	return true
}

// commonIndicators collects hashes and IPs appearing in at least two
// distinct members of the component.
func commonIndicators(nodes []node, idxs []int) core.CommonIndicators {
	hashCount := make(map[string]int)
	ipCount := make(map[string]int)
	for _, i := range idxs {
		for _, h := range dedup(nodes[i].hashes) {
			hashCount[h]++
		}
		for _, ip := range dedup(nodes[i].ips) {
			ipCount[ip]++
		}
	}

	var out core.CommonIndicators
	for h, n := range hashCount {
		if n >= 2 {
			out.Hashes = append(out.Hashes, h)
		}
	}
	for ip, n := range ipCount {
		if n >= 2 {
			out.IPs = append(out.IPs, ip)
		}
	}
	sort.Strings(out.Hashes)
	sort.Strings(out.IPs)
	return out
}

func dedup(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
