// Package trust implements the trust & scope engine: a
// score-and-freeze model that maps accumulated positive/negative
// signals and critical failures onto an allowed set of action tiers.
// State is workspace-file backed (working-memory/trust-metrics.json)
// and rewritten atomically on every signal.
package trust

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loomwork/aster/internal/workspace"
)

// StatePath is the trust state's location in the workspace.
const StatePath = "working-memory/trust-metrics.json"

// maxSignals bounds the signal ring.
const maxSignals = 50

// criticalFailureFreezeWindow is how long a critical-failure signal
// forces allowedTiers to {autonomous}.
const criticalFailureFreezeWindow = 14 * 24 * time.Hour

// Tier derivation thresholds over the trust score.
const (
	scoreThresholdRestricted = 0.7
	scoreThresholdPropose    = 0.4
)

// criticalFailureSourcePrefix marks a signal as a critical failure.
const criticalFailureSourcePrefix = "critical-failure: "

// Tier is one of the three action tiers.
type Tier string

const (
	TierAutonomous Tier = "autonomous"
	TierPropose    Tier = "propose"
	TierRestricted Tier = "restricted"
)

// Signal is one trust-affecting event.
type Signal struct {
	Positive  bool      `json:"positive"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// IsCriticalFailure reports whether s originated from
// record_critical_failure.
func (s Signal) IsCriticalFailure() bool {
	return len(s.Source) >= len(criticalFailureSourcePrefix) && s.Source[:len(criticalFailureSourcePrefix)] == criticalFailureSourcePrefix
}

// State is the persisted trust state.
type State struct {
	TrustScore   float64   `json:"trustScore"`
	Signals      []Signal  `json:"signals"`
	AllowedTiers []Tier    `json:"allowedTiers"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// defaultState returns a fresh trust state: neutral score 0.5, which
// scopes the autonomous and propose tiers (not restricted), matching a
// brand-new agent's starting trust posture.
func defaultState(now time.Time) State {
	return State{
		TrustScore:   0.5,
		Signals:      nil,
		AllowedTiers: tiersForScore(0.5),
		LastUpdated:  now,
	}
}

// Engine owns the persisted trust state for one workspace. It is the
// exclusive owner of trust-metrics.json.
type Engine struct {
	ws     *workspace.Workspace
	logger *slog.Logger
}

// New returns an Engine scoped to ws.
func New(ws *workspace.Workspace, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ws: ws, logger: logger}
}

// Load reads the persisted state, or a default state if the file is
// missing or malformed. Malformed JSON is logged and replaced, never
// fatal.
func (e *Engine) Load() State {
	if !e.ws.Exists(StatePath) {
		return defaultState(time.Now().UTC())
	}
	raw, err := e.ws.ReadFile(StatePath)
	if err != nil {
		e.logger.Warn("trust: read state failed, using default", "error", err)
		return defaultState(time.Now().UTC())
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		e.logger.Warn("trust: malformed state, using default", "error", err)
		return defaultState(time.Now().UTC())
	}
	return s
}

// save persists s atomically as 2-space-indented JSON.
func (e *Engine) save(s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("trust: marshal state: %w", err)
	}
	return e.ws.WriteFileAtomic(StatePath, data, 0o644)
}

// tiersForScore derives allowedTiers purely from score.
func tiersForScore(score float64) []Tier {
	switch {
	case score >= scoreThresholdRestricted:
		return []Tier{TierAutonomous, TierPropose, TierRestricted}
	case score >= scoreThresholdPropose:
		return []Tier{TierAutonomous, TierPropose}
	default:
		return []Tier{TierAutonomous}
	}
}

// isFrozen reports whether any critical-failure signal in s.Signals
// falls within the 14-day freeze window of now. Freeze is always
// re-derived from persisted signals, so it survives restarts.
func isFrozen(s State, now time.Time) bool {
	for _, sig := range s.Signals {
		if sig.IsCriticalFailure() && now.Sub(sig.Timestamp) < criticalFailureFreezeWindow {
			return true
		}
	}
	return false
}

// clamp01 bounds v to [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RecordSignal appends a positive or negative signal, updates the
// score, prunes the ring, and re-derives allowedTiers unless frozen.
// Returns the resulting state.
func (e *Engine) RecordSignal(positive bool, value float64, source string) (State, error) {
	return e.recordSignalAt(positive, value, source, time.Now().UTC())
}

func (e *Engine) recordSignalAt(positive bool, value float64, source string, now time.Time) (State, error) {
	s := e.Load()

	sig := Signal{Positive: positive, Value: value, Source: source, Timestamp: now}
	s.Signals = append(s.Signals, sig)
	pruneSignals(&s)

	delta := value
	if !positive {
		delta = -value
	}
	s.TrustScore = clamp01(s.TrustScore + delta)

	if isFrozen(s, now) {
		s.AllowedTiers = []Tier{TierAutonomous}
	} else {
		s.AllowedTiers = tiersForScore(s.TrustScore)
	}
	s.LastUpdated = now

	if err := e.save(s); err != nil {
		return s, err
	}
	return s, nil
}

// pruneSignals keeps only the maxSignals most recent entries, pruned
// from the front.
func pruneSignals(s *State) {
	if len(s.Signals) <= maxSignals {
		return
	}
	sort.SliceStable(s.Signals, func(i, j int) bool {
		return s.Signals[i].Timestamp.Before(s.Signals[j].Timestamp)
	})
	s.Signals = s.Signals[len(s.Signals)-maxSignals:]
}

// RecordCriticalFailure sets score = 0.1, appends a critical-failure
// signal, and forces allowedTiers to {autonomous}.
func (e *Engine) RecordCriticalFailure(reason string) (State, error) {
	return e.recordCriticalFailureAt(reason, time.Now().UTC())
}

func (e *Engine) recordCriticalFailureAt(reason string, now time.Time) (State, error) {
	s := e.Load()
	s.TrustScore = 0.1
	s.Signals = append(s.Signals, Signal{
		Positive:  false,
		Value:     0,
		Source:    criticalFailureSourcePrefix + reason,
		Timestamp: now,
	})
	pruneSignals(&s)
	s.AllowedTiers = []Tier{TierAutonomous}
	s.LastUpdated = now

	e.logger.Warn("trust: critical failure recorded, scope frozen", "reason", reason)

	if err := e.save(s); err != nil {
		return s, err
	}
	return s, nil
}

// EvaluateScope returns the currently permitted tiers: {autonomous} if
// frozen, otherwise derived from score.
func (e *Engine) EvaluateScope() []Tier {
	s := e.Load()
	now := time.Now().UTC()
	if isFrozen(s, now) {
		return []Tier{TierAutonomous}
	}
	return tiersForScore(s.TrustScore)
}

// IsFrozen reports whether the engine is currently frozen.
func (e *Engine) IsFrozen() bool {
	s := e.Load()
	return isFrozen(s, time.Now().UTC())
}
