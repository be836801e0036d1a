// Package scheduler implements the cognitive scheduler: it
// decides when the agent thinks, without ever blocking on user
// activity. It produces no text of its own — it only decides when to
// invoke a caller-supplied callback. The interval self-adjusts: high
// urgency shortens the next tick, low urgency stretches it toward the
// max bound, and the time-of-day rhythm windows are gronx-matched cron
// expressions.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/loomwork/aster/internal/memory"
	"github.com/loomwork/aster/internal/threads"
	"github.com/loomwork/aster/internal/trust"
	"github.com/loomwork/aster/internal/workspace"
)

// Interval bounds.
const (
	DefaultMinInterval = 60 * time.Second
	DefaultMaxInterval = 15 * time.Minute
)

// Rhythm cron-window expressions (rhythm windows
// expressed as gronx cron expressions rather than hand-rolled hour
// arithmetic). Each fires on every minute within its window.
const (
	morningWindowCron = "* 6-9 * * *"
	eveningWindowCron = "* 18-22 * * *"
	nightWindowCron   = "* 23,0-5 * * *"
)

const staleThreadThreshold = 2 * time.Hour

// AttentionSnapshot is the pure-read result of evaluate_attention.
type AttentionSnapshot struct {
	Now                 time.Time
	ActiveConcernsCount int
	PendingActionsCount int
	TimeSinceReflection time.Duration
	HasStaleThread      bool
	UserSilentFor       time.Duration
	Urgency             float64
}

// Config holds the scheduler's tunables.
type Config struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Threshold   float64 // urgency threshold for should_think
}

// DefaultConfig returns the default interval bounds and a 0.5 urgency
// threshold, the formula's midpoint between "nothing pending" and
// "everything pending at once".
func DefaultConfig() Config {
	return Config{MinInterval: DefaultMinInterval, MaxInterval: DefaultMaxInterval, Threshold: 0.5}
}

// Deps are the read-only sources evaluate_attention consults.
type Deps struct {
	Workspace *workspace.Workspace
	Threads   *threads.Tracker
	Trust     *trust.Engine
	Logger    *slog.Logger
}

// Callback is invoked when urgency crosses the configured threshold.
// Errors are caught and logged; they never kill the loop.
type Callback func(ctx context.Context, snapshot AttentionSnapshot) error

// Scheduler is the cognitive scheduler.
type Scheduler struct {
	cfg  Config
	deps Deps

	mu                sync.Mutex
	started           bool
	cancel            context.CancelFunc
	done              chan struct{}
	lastReflection    time.Time
	lastUserMessage   time.Time
	reflectionPending bool // non-reentrancy guard for the in-flight tick
}

// New constructs a Scheduler. It does not start the background loop;
// call Start for that.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	now := time.Now()
	return &Scheduler{cfg: cfg, deps: deps, lastReflection: now, lastUserMessage: now}
}

// Start begins periodic evaluation. Idempotent: calling Start on
// an already-running scheduler logs a warning and returns nil.
func (s *Scheduler) Start(ctx context.Context, cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.deps.Logger.Warn("scheduler: start called while already running")
		return nil
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(loopCtx, cb)
	return nil
}

// Stop halts the loop and prevents further ticks. Any in-flight tick
// completes before Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RecordUserMessage timestamps the most recent user input. Used only as
// urgency input; it never gates whether the loop thinks.
func (s *Scheduler) RecordUserMessage(now time.Time) {
	s.mu.Lock()
	s.lastUserMessage = now
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, cb Callback) {
	defer close(s.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		snapshot, err := s.EvaluateAttention(time.Now())
		if err != nil {
			s.deps.Logger.Warn("scheduler: evaluate_attention failed, backing off", "error", err)
			timer.Reset(s.cfg.MaxInterval)
			continue
		}

		if s.ShouldThink(snapshot) {
			s.runTick(ctx, cb, snapshot)
			// Re-evaluate after the callback so the next interval reflects
			// the post-tick state, not the pre-tick urgency.
			if post, err := s.EvaluateAttention(time.Now()); err == nil {
				snapshot = post
			}
		}
		next := s.nextInterval(snapshot.Urgency)

		if ctx.Err() != nil {
			return
		}
		timer.Reset(next)
	}
}

// runTick enforces non-reentrancy: only one tick's callback runs at a
// time. A tick that fires while the previous one is still
// in-flight is simply skipped rather than queued.
func (s *Scheduler) runTick(ctx context.Context, cb Callback, snapshot AttentionSnapshot) {
	s.mu.Lock()
	if s.reflectionPending {
		s.mu.Unlock()
		s.deps.Logger.Warn("scheduler: tick skipped, previous tick still in flight")
		return
	}
	s.reflectionPending = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reflectionPending = false
		s.lastReflection = time.Now()
		s.mu.Unlock()
	}()

	if cb == nil {
		return
	}
	if err := cb(ctx, snapshot); err != nil {
		s.deps.Logger.Error("scheduler: callback failed", "error", err)
	}
}

func (s *Scheduler) nextInterval(urgency float64) time.Duration {
	span := s.cfg.MaxInterval - s.cfg.MinInterval
	return s.cfg.MaxInterval - time.Duration(urgency*float64(span))
}

// EvaluateAttention is a pure read: it loads concerns, working
// memory, and the thread list, computes urgency, and returns a
// snapshot without side effects.
func (s *Scheduler) EvaluateAttention(now time.Time) (AttentionSnapshot, error) {
	s.mu.Lock()
	lastReflection := s.lastReflection
	lastUserMessage := s.lastUserMessage
	s.mu.Unlock()

	snap := AttentionSnapshot{
		Now:                 now,
		TimeSinceReflection: now.Sub(lastReflection),
		UserSilentFor:       now.Sub(lastUserMessage),
	}

	concerns, err := memory.ReadConcerns(s.deps.Workspace)
	if err != nil {
		s.deps.Logger.Warn("scheduler: concerns load failed, using defaults", "error", err)
	}
	snap.ActiveConcernsCount = len(concerns.Active)

	pendingBody, err := memory.ReadWorkingMemoryFile(s.deps.Workspace, memory.PendingActionsPath)
	if err != nil {
		s.deps.Logger.Warn("scheduler: pending actions load failed, using defaults", "error", err)
	}
	snap.PendingActionsCount = countSubstantiveLines(pendingBody)

	if s.deps.Threads != nil {
		snap.HasStaleThread = s.deps.Threads.HasStale(now, staleThreadThreshold)
	}

	snap.Urgency = computeUrgency(snap, s.cfg.MaxInterval)
	return snap, nil
}

// ShouldThink compares urgency to the configured threshold.
func (s *Scheduler) ShouldThink(snapshot AttentionSnapshot) bool {
	return snapshot.Urgency >= s.cfg.Threshold
}

func countSubstantiveLines(body string) int {
	count := 0
	for _, line := range splitLines(body) {
		if memory.IsSubstantiveLine(line) {
			count++
		}
	}
	return count
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

var matcher = gronx.New()

// computeUrgency implements the urgency formula: a pure,
// deterministic function of its inputs.
func computeUrgency(snap AttentionSnapshot, maxInterval time.Duration) float64 {
	score := 0.15 * minF(float64(snap.ActiveConcernsCount), 3)
	score += 0.20 * minF(float64(snap.PendingActionsCount), 2)
	score += 0.15 * clamp(snap.TimeSinceReflection.Seconds()/maxInterval.Seconds(), 0, 1)
	if snap.HasStaleThread {
		score += 0.10
	}
	score += rhythmBonus(snap)
	return clamp(score, 0, 1)
}

// rhythmBonus evaluates the additive time-of-day adjustments against
// the current local time.
func rhythmBonus(snap AttentionSnapshot) float64 {
	var bonus float64
	now := snap.Now

	if due, _ := matcher.IsDue(morningWindowCron, now); due && snap.TimeSinceReflection > 6*time.Hour {
		bonus += 0.15
	}
	if due, _ := matcher.IsDue(eveningWindowCron, now); due && snap.TimeSinceReflection > 4*time.Hour {
		bonus += 0.10
	}
	if snap.UserSilentFor > 4*time.Hour {
		bonus += 0.10
	}
	if due, _ := matcher.IsDue(nightWindowCron, now); due {
		bonus -= 0.15
	}
	return bonus
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
