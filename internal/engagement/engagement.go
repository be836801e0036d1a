// Package engagement implements the engagement tracker: a
// bounded-ring outcome log for proactive messages, used by the
// proactive-message governor to adaptively suppress behaviors that
// users consistently ignore or reject. The log lives in
// engagement-state.json and is rewritten atomically on each record.
package engagement

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loomwork/aster/internal/workspace"
)

// StatePath is engagement-state.json's location in the workspace.
const StatePath = "memory/engagement-state.json"

// maxRecords bounds the ring; older records evict FIFO.
const maxRecords = 500

// Outcome is how a user responded to a behavior.
type Outcome string

const (
	OutcomeEngaged      Outcome = "engaged"
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeRejected     Outcome = "rejected"
)

// Record is one logged outcome.
type Record struct {
	MessageID    string    `json:"messageId"`
	BehaviorType string    `json:"behaviorType"`
	Outcome      Outcome   `json:"outcome"`
	Timestamp    time.Time `json:"timestamp"`
}

// Tracker owns engagement-state.json for one workspace.
type Tracker struct {
	ws     *workspace.Workspace
	logger *slog.Logger
}

// New returns a Tracker scoped to ws.
func New(ws *workspace.Workspace, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{ws: ws, logger: logger}
}

func (t *Tracker) load() []Record {
	if !t.ws.Exists(StatePath) {
		return nil
	}
	raw, err := t.ws.ReadFile(StatePath)
	if err != nil {
		t.logger.Warn("engagement: read failed", "error", err)
		return nil
	}
	var list []Record
	if err := json.Unmarshal(raw, &list); err != nil {
		t.logger.Warn("engagement: malformed state, treating as empty", "error", err)
		return nil
	}
	return list
}

func (t *Tracker) save(list []Record) error {
	// FIFO eviction: oldest records drop off the front once the ring is
	// over capacity.
	if len(list) > maxRecords {
		list = list[len(list)-maxRecords:]
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return t.ws.WriteFileAtomic(StatePath, data, 0o644)
}

// RecordOutcome appends an outcome to the ring.
func (t *Tracker) RecordOutcome(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return t.save(append(t.load(), r))
}

// byBehavior returns records for a behavior type, oldest first.
func (t *Tracker) byBehavior(behaviorType string) []Record {
	var out []Record
	for _, r := range t.load() {
		if r.BehaviorType == behaviorType {
			out = append(out, r)
		}
	}
	return out
}

// ShouldSuppress reports whether behaviorType should be suppressed:
// true if either the tail has >= 2 consecutive rejections, or
// total >= 5 and the engagement rate (engaged+acknowledged)/total is
// below 0.20.
func (t *Tracker) ShouldSuppress(behaviorType string) bool {
	records := t.byBehavior(behaviorType)
	if consecutiveTailRejections(records) >= 2 {
		return true
	}
	if len(records) >= 5 {
		good := 0
		for _, r := range records {
			if r.Outcome == OutcomeEngaged || r.Outcome == OutcomeAcknowledged {
				good++
			}
		}
		rate := float64(good) / float64(len(records))
		if rate < 0.20 {
			return true
		}
	}
	return false
}

func consecutiveTailRejections(records []Record) int {
	count := 0
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Outcome != OutcomeRejected {
			break
		}
		count++
	}
	return count
}
