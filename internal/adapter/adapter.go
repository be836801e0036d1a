// Package adapter defines the pluggable contract over the underlying
// LLM backend: batch and streaming invocation, health checks, and a
// registry for invocation-type routing.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomwork/aster/internal/directive"
)

// Input is the request passed to an adapter.
type Input struct {
	Message       string
	History       []HistoryTurn
	SystemPrompt  string
	Route         string // invocation type name, e.g. "reflection"
	WorkspacePath string
	EffectiveMode string // e.g. "yolo", "print", "api"
}

// HistoryTurn is one prior turn of conversation supplied to an
// adapter.
type HistoryTurn struct {
	Role    string
	Content string
}

// ThoughtResult is the batch invocation result.
type ThoughtResult struct {
	Text        string
	Writebacks  []directive.Directive
	CleanText   string
	Mode        string
	Model       string
	Elapsed     time.Duration
	Err         error
}

// ChunkKind tags a streamed chunk.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkDirective ChunkKind = "directive"
	ChunkError     ChunkKind = "error"
	ChunkDone      ChunkKind = "done"
)

// Chunk is one piece of a streaming response. Text carries the
// visible-text payload for ChunkText, the raw buffered response for
// ChunkDone, or the failure message for ChunkError. Directive
// is set only on ChunkDirective, one completed directive recognized
// mid-stream by the incremental parser.
type Chunk struct {
	Kind      ChunkKind
	Text      string
	Directive directive.Directive
}

// StreamHandle exposes a chunk channel and an abort operation for one
// streaming invocation.
type StreamHandle interface {
	Chunks() <-chan Chunk
	Abort()
}

// Health is the result of a health check.
type Health struct {
	Healthy   bool
	Message   string
	LatencyMs int64
}

// Adapter is the contract every LLM backend implementation satisfies.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, input Input) (ThoughtResult, error)
	InvokeStreaming(ctx context.Context, input Input) (StreamHandle, error)
	HealthCheck(ctx context.Context) Health
	Shutdown(ctx context.Context) error
}

// Registry keeps a name -> Adapter map plus a default name. It
// is a process-wide singleton in practice; register/unregister are not
// expected to race with invocations, but HealthCheckAll and
// ShutdownAll tolerate per-adapter failures without corrupting state.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string // registration order, for deterministic default-shift
	def      string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Names must be unique; registering a name
// twice returns an error. The first adapter registered becomes the
// default.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter: %q already registered", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	if r.def == "" {
		r.def = name
	}
	return nil
}

// Unregister removes an adapter by name. If it was the default, the
// default shifts to the next remaining adapter in registration order.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.def == name {
		r.def = ""
		if len(r.order) > 0 {
			r.def = r.order[0]
		}
	}
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Default returns the current default adapter, if any.
func (r *Registry) Default() (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.def == "" {
		return nil, false
	}
	a, ok := r.adapters[r.def]
	return a, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// List returns all registered adapter names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// HealthCheckAll runs HealthCheck on every registered adapter,
// tolerating individual failures/panics-as-unhealthy rather than
// aborting the sweep.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]Health {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	adapters := make(map[string]Adapter, len(r.adapters))
	for k, v := range r.adapters {
		adapters[k] = v
	}
	r.mu.RUnlock()

	out := make(map[string]Health, len(names))
	for _, name := range names {
		out[name] = safeHealthCheck(ctx, adapters[name])
	}
	return out
}

func safeHealthCheck(ctx context.Context, a Adapter) (h Health) {
	defer func() {
		if rec := recover(); rec != nil {
			h = Health{Healthy: false, Message: fmt.Sprintf("panic: %v", rec)}
		}
	}()
	return a.HealthCheck(ctx)
}

// ShutdownAll calls Shutdown on every registered adapter and clears
// the map even when some fail.
// Returns the first error encountered, if any, after attempting every
// shutdown.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[string]Adapter)
	r.order = nil
	r.def = ""
	r.mu.Unlock()

	var firstErr error
	for _, a := range adapters {
		if err := safeShutdown(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func safeShutdown(ctx context.Context, a Adapter) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during shutdown: %v", rec)
		}
	}()
	return a.Shutdown(ctx)
}

// CollectStreamToResult buffers a StreamHandle's chunks into a single
// ThoughtResult. Text is the raw buffered response (carried on the
// ChunkDone chunk when the adapter provides it). Extraction runs once,
// over the accumulated visible text: an adapter whose stream parser
// already withheld directive bytes and emitted ChunkDirective events
// contributes those directives directly and extract finds nothing
// more, while an adapter that streams unparsed text gets its
// directives recognized and stripped here. On an error chunk, it
// returns immediately with the error text as CleanText, no writebacks,
// and Err set so callers can distinguish the apology from a real
// response.
func CollectStreamToResult(handle StreamHandle, extract func(string) (clean string, writebacks []directive.Directive)) ThoughtResult {
	var visible strings.Builder
	var directives []directive.Directive
	raw := ""
	for chunk := range handle.Chunks() {
		switch chunk.Kind {
		case ChunkText:
			visible.WriteString(chunk.Text)
		case ChunkDirective:
			directives = append(directives, chunk.Directive)
		case ChunkError:
			return ThoughtResult{Text: chunk.Text, CleanText: chunk.Text, Err: errors.New(chunk.Text)}
		case ChunkDone:
			raw = chunk.Text
		}
	}
	clean, extracted := extract(visible.String())
	if raw == "" {
		raw = visible.String()
	}
	return ThoughtResult{Text: raw, CleanText: clean, Writebacks: append(directives, extracted...)}
}
