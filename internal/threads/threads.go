// Package threads tracks active conversation threads in threads.json.
// Threads are lightweight enough for a JSON-backed slice; staleness is
// a pure function of status and now minus lastActivity.
package threads

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/loomwork/aster/internal/workspace"
)

// StatePath is threads.json's location in the workspace.
const StatePath = "memory/threads.json"

// Status is a thread's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Thread is one tracked conversation.
type Thread struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Status       Status    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
	Participants []string  `json:"participants,omitempty"`
	MessageCount int       `json:"messageCount"`
}

// IsStale reports whether the thread is active and its last activity
// is more than d old as of now. Threads with any other status are
// never stale.
func (t Thread) IsStale(now time.Time, d time.Duration) bool {
	return t.Status == StatusActive && now.Sub(t.LastActivity) > d
}

// Tracker owns threads.json for one workspace; nothing else writes
// that file.
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

// List returns all tracked threads, or an empty slice if none exist
// yet or the file is malformed.
func (t *Tracker) List() []Thread {
	if !t.ws.Exists(StatePath) {
		return nil
	}
	raw, err := t.ws.ReadFile(StatePath)
	if err != nil {
		t.logger.Warn("threads: read failed", "error", err)
		return nil
	}
	var list []Thread
	if err := json.Unmarshal(raw, &list); err != nil {
		t.logger.Warn("threads: malformed state, treating as empty", "error", err)
		return nil
	}
	return list
}

func (t *Tracker) save(list []Thread) error {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return t.ws.WriteFileAtomic(StatePath, data, 0o644)
}

// Upsert creates or updates a thread by ID.
func (t *Tracker) Upsert(th Thread) error {
	list := t.List()
	for i, existing := range list {
		if existing.ID == th.ID {
			list[i] = th
			return t.save(list)
		}
	}
	return t.save(append(list, th))
}

// RecordActivity bumps a thread's lastActivity and message count,
// creating it as active if it does not yet exist.
func (t *Tracker) RecordActivity(id, topic string, now time.Time) error {
	list := t.List()
	for i, existing := range list {
		if existing.ID == id {
			list[i].LastActivity = now
			list[i].MessageCount++
			if list[i].Status == StatusResolved {
				list[i].Status = StatusActive
			}
			return t.save(list)
		}
	}
	return t.save(append(list, Thread{
		ID:           id,
		Topic:        topic,
		Status:       StatusActive,
		LastActivity: now,
		MessageCount: 1,
	}))
}

// Resolve marks a thread resolved.
func (t *Tracker) Resolve(id string) error {
	list := t.List()
	for i, existing := range list {
		if existing.ID == id {
			list[i].Status = StatusResolved
			return t.save(list)
		}
	}
	return nil
}

// Active returns threads with Status == active.
func (t *Tracker) Active() []Thread {
	var out []Thread
	for _, th := range t.List() {
		if th.Status == StatusActive {
			out = append(out, th)
		}
	}
	return out
}

// Stale returns active threads whose last activity is more than d old.
func (t *Tracker) Stale(now time.Time, d time.Duration) []Thread {
	var out []Thread
	for _, th := range t.Active() {
		if th.IsStale(now, d) {
			out = append(out, th)
		}
	}
	return out
}

// HasStale reports whether any active thread is stale beyond d.
func (t *Tracker) HasStale(now time.Time, d time.Duration) bool {
	return len(t.Stale(now, d)) > 0
}
