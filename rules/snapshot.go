package rules

import (
	"sync/atomic"

	"argus/metrics"
	"go.uber.org/zap"
)

// Holder publishes the active RuleSet snapshot to the scan workers.
// The snapshot is replaced wholesale on reload; in-flight matches keep
// using the snapshot they loaded, so no mutation is ever visible to them.
type Holder struct {
	current atomic.Pointer[RuleSet]
	ruleDir string
	logger  *zap.SugaredLogger
}

// NewHolder compiles ruleDir once and wraps the result. A compile failure
// here is fatal to the caller: the process must not start without rules.
func NewHolder(ruleDir string, logger *zap.SugaredLogger) (*Holder, error) {
	rs, err := Compile(ruleDir, logger)
	if err != nil {
		return nil, err
	}
	h := &Holder{ruleDir: ruleDir, logger: logger}
	h.current.Store(rs)
	metrics.RuleSetSize.Set(float64(rs.Len()))
	return h, nil
}

// Load returns the active snapshot.
func (h *Holder) Load() *RuleSet {
	return h.current.Load()
}

// Reload recompiles the rule directory and atomically swaps the snapshot.
// On compile failure the previous snapshot stays active and the error is
// returned to the operator.
func (h *Holder) Reload() error {
	rs, err := Compile(h.ruleDir, h.logger)
	if err != nil {
		h.logger.Errorw("Ruleset reload failed, keeping active snapshot", "error", err)
		return err
	}
	old := h.current.Swap(rs)
	metrics.RuleSetSize.Set(float64(rs.Len()))
	h.logger.Infow("Ruleset reloaded", "rules", rs.Len(), "previous", old.Len())
	return nil
}
