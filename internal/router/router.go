// Package router resolves each invocation type to a concrete route
// (model, mode, timeout), with environment-variable overrides applied
// at resolve time. Invocation types are a closed set of four, so
// routing is table lookup plus override resolution.
package router

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// InvocationType is one of the four fixed invocation kinds.
type InvocationType string

const (
	InvocationConversation  InvocationType = "conversation"
	InvocationReflection    InvocationType = "reflection"
	InvocationSummarization InvocationType = "summarization"
	InvocationExtraction    InvocationType = "extraction"
)

// Mode is the adapter invocation mode.
type Mode string

const (
	ModeYolo  Mode = "yolo"
	ModePrint Mode = "print"
	ModeAPI   Mode = "api"
)

// Route is a {model, mode, timeout} triple selected by invocation
// type.
type Route struct {
	Model     string
	Mode      Mode
	TimeoutMs int
}

// Timeout returns the route's timeout as a time.Duration.
func (r Route) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Table is the invocation-type -> route mapping.
type Table map[InvocationType]Route

// DefaultTable returns the built-in route defaults before any
// environment override is applied. Reflection runs on a short timeout:
// a private thinking pass that stalls should give up, not hold the
// heartbeat.
func DefaultTable() Table {
	return Table{
		InvocationConversation:  {Model: "default", Mode: ModeYolo, TimeoutMs: 120_000},
		InvocationReflection:    {Model: "default", Mode: ModePrint, TimeoutMs: 60_000},
		InvocationSummarization: {Model: "default", Mode: ModePrint, TimeoutMs: 45_000},
		InvocationExtraction:    {Model: "default", Mode: ModePrint, TimeoutMs: 30_000},
	}
}

// Router resolves routes by invocation type, applying
// <PREFIX>_<TYPE>_MODEL / <PREFIX>_<TYPE>_TIMEOUT_MS environment
// overrides at resolve time. <PREFIX> is the upper-cased agent
// name.
type Router struct {
	logger *slog.Logger
	prefix string
	table  Table
}

// New returns a Router with the given base table and environment
// prefix (e.g. "ASTER").
func New(logger *slog.Logger, prefix string, table Table) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if table == nil {
		table = DefaultTable()
	}
	return &Router{logger: logger, prefix: strings.ToUpper(prefix), table: table}
}

// typeEnvSegment upper-cases an invocation type for env var construction,
// e.g. "reflection" -> "REFLECTION".
func typeEnvSegment(t InvocationType) string {
	return strings.ToUpper(string(t))
}

// Resolve returns the effective route for an invocation type,
// overridden by environment variables if present and valid. A
// malformed timeout override falls back to the table default with a
// logged warning.
func (r *Router) Resolve(t InvocationType) Route {
	route, ok := r.table[t]
	if !ok {
		route = DefaultTable()[t]
	}

	modelVar := r.prefix + "_" + typeEnvSegment(t) + "_MODEL"
	if v := os.Getenv(modelVar); v != "" {
		route.Model = v
	}

	timeoutVar := r.prefix + "_" + typeEnvSegment(t) + "_TIMEOUT_MS"
	if v := os.Getenv(timeoutVar); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			route.TimeoutMs = ms
		} else {
			r.logger.Warn("router: malformed timeout override, using default",
				"var", timeoutVar, "value", v)
		}
	}

	return route
}

// ResolveMode resolves the effective mode: for conversation, the
// caller may override the route's mode; for every other invocation
// type, the route's mode is binding.
func (r *Router) ResolveMode(t InvocationType, callerOverride Mode) Mode {
	route := r.Resolve(t)
	if t == InvocationConversation && callerOverride != "" {
		return callerOverride
	}
	return route.Mode
}
