// Package corerun assembles every cognitive-core package into one
// running value. Rather than module-level singletons, every
// collaborator (adapter registry, reflection pipeline, cognitive
// scheduler, the external callback surface a transport layer drives)
// hangs off an explicit CoreRuntime handle, so tests construct fresh
// runtimes per case and a transport of any kind wires itself by
// calling New.
package corerun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loomwork/aster/internal/adapter"
	"github.com/loomwork/aster/internal/cliadapter"
	"github.com/loomwork/aster/internal/config"
	"github.com/loomwork/aster/internal/continuity"
	"github.com/loomwork/aster/internal/directive"
	"github.com/loomwork/aster/internal/engagement"
	"github.com/loomwork/aster/internal/errref"
	"github.com/loomwork/aster/internal/memorycontext"
	"github.com/loomwork/aster/internal/preparations"
	"github.com/loomwork/aster/internal/proactive"
	"github.com/loomwork/aster/internal/reflection"
	"github.com/loomwork/aster/internal/router"
	"github.com/loomwork/aster/internal/scheduler"
	"github.com/loomwork/aster/internal/snapshot"
	"github.com/loomwork/aster/internal/threads"
	"github.com/loomwork/aster/internal/trust"
	"github.com/loomwork/aster/internal/workspace"
)

// ThoughtResult is the think() callback's return value.
type ThoughtResult struct {
	Response   string
	Writebacks continuity.ApplyResult
	Failed     bool
	RefCode    string
}

// ProactiveHandler is the one-way event hook registered via
// OnProactiveMessage at startup. Making delivery a callback keeps the
// reflection -> proactive -> engagement dependency chain acyclic.
type ProactiveHandler func(ctx context.Context, message, threadID string) error

// CoreRuntime owns every long-lived collaborator for one agent
// deployment.
type CoreRuntime struct {
	cfg    *config.Config
	logger *slog.Logger

	Workspace    *workspace.Workspace
	Adapters     *adapter.Registry
	Router       *router.Router
	Grammar      directive.Grammar
	Continuity   *continuity.Manager
	Trust        *trust.Engine
	Authority    *trust.Authority
	Threads      *threads.Tracker
	Preparations *preparations.Manager
	Engagement   *engagement.Tracker
	Proactive    *proactive.Governor
	Snapshots    *snapshot.Store
	Scheduler    *scheduler.Scheduler
	Reflection   *reflection.Pipeline

	mu       sync.RWMutex
	onSend   ProactiveHandler
}

// New wires every collaborator from cfg. The only fatal-at-startup
// condition is the workspace's own: everything else degrades to
// logged warnings at call time rather than failing construction.
func New(cfg *config.Config, logger *slog.Logger) (*CoreRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ws, err := workspace.New(cfg.Workspace.Path)
	if err != nil {
		return nil, fmt.Errorf("corerun: %w", err)
	}

	grammar := directive.NewGrammar(cfg.Identity.AgentName)
	reg := adapter.NewRegistry()

	cliCfg := cliadapter.Config{
		Name:     cfg.Adapter.Name,
		Binary:   cfg.Adapter.Binary,
		Model:    cfg.Adapter.Model,
		YoloFlag: cfg.Adapter.YoloFlag,
		Timeout:  cfg.Adapter.Timeout(),
	}
	if cliCfg.Binary != "" {
		if err := reg.Register(cliadapter.New(cliCfg, grammar, logger)); err != nil {
			return nil, fmt.Errorf("corerun: register adapter: %w", err)
		}
	}

	rtr := router.New(logger, cfg.Identity.EnvPrefix(), cfg.Router.Table())

	snapPath := filepath.Join(ws.Root(), ".aster", "snapshots.db")
	var snapStore *snapshot.Store
	if err := os.MkdirAll(filepath.Dir(snapPath), 0o755); err != nil {
		logger.Warn("corerun: snapshot dir unavailable, running without snapshots", "error", err)
	} else if snapStore, err = snapshot.Open(snapPath); err != nil {
		logger.Warn("corerun: snapshot store unavailable, running without one", "error", err)
		snapStore = nil
	}

	trustEngine := trust.New(ws, logger)
	authority := trust.NewAuthority(trustEngine)

	continuityMgr := continuity.NewManager(ws, grammar, logger)
	if snapStore != nil {
		continuityMgr.UseSnapshots(snapStore)
	}
	continuityMgr.UseAuthority(authority)

	threadsTracker := threads.New(ws, logger)
	prepMgr := preparations.New(ws, logger)
	engagementTracker := engagement.New(ws, logger)
	proactiveGov := proactive.New(ws, reg, rtr, engagementTracker, logger, cfg.Proactive.ShadowEnvVar)

	cr := &CoreRuntime{
		cfg:          cfg,
		logger:       logger,
		Workspace:    ws,
		Adapters:     reg,
		Router:       rtr,
		Grammar:      grammar,
		Continuity:   continuityMgr,
		Trust:        trustEngine,
		Authority:    authority,
		Threads:      threadsTracker,
		Preparations: prepMgr,
		Engagement:   engagementTracker,
		Proactive:    proactiveGov,
		Snapshots:    snapStore,
	}

	cr.Reflection = reflection.New(reflection.Deps{
		Workspace:      ws,
		Adapters:       reg,
		Router:         rtr,
		Continuity:     continuityMgr,
		Trust:          trustEngine,
		Authority:      authority,
		Threads:        threadsTracker,
		Preparations:   prepMgr,
		Proactive:      proactiveGov,
		Logger:         logger,
		ProactiveSend:  cr.dispatchProactive,
		MinGap:         cfg.Reflection.MinGap(),
		StaleThreshold: cfg.Reflection.StaleThreshold(),
	})

	cr.Scheduler = scheduler.New(scheduler.Config{
		MinInterval: cfg.Scheduler.MinInterval(),
		MaxInterval: cfg.Scheduler.MaxInterval(),
		Threshold:   cfg.Scheduler.ShouldThink,
	}, scheduler.Deps{
		Workspace: ws,
		Threads:   threadsTracker,
		Trust:     trustEngine,
		Logger:    logger,
	})

	return cr, nil
}

// Start begins the cognitive scheduler, which drives reflection
// heartbeats on its own timer. Callers typically also drive a
// transport (HTTP/CLI/IM bridge) that calls Think directly.
func (c *CoreRuntime) Start(ctx context.Context) error {
	return c.Scheduler.Start(ctx, func(ctx context.Context, _ scheduler.AttentionSnapshot) error {
		c.Reflection.RunHeartbeat(ctx)
		return nil
	})
}

// Stop halts the scheduler (waiting for any in-flight tick), shuts
// down every registered adapter, and closes the snapshot store.
// Shutdown failures are logged, not returned, so teardown always
// completes.
func (c *CoreRuntime) Stop(ctx context.Context) {
	c.Scheduler.Stop()
	if err := c.Adapters.ShutdownAll(ctx); err != nil {
		c.logger.Warn("corerun: adapter shutdown failed", "error", err)
	}
	if c.Snapshots != nil {
		if err := c.Snapshots.Close(); err != nil {
			c.logger.Warn("corerun: snapshot store close failed", "error", err)
		}
	}
}

// OnProactiveMessage registers the one-way hook the proactive governor
// and reflection pipeline dispatch through.
func (c *CoreRuntime) OnProactiveMessage(handler ProactiveHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = handler
}

// dispatchProactive is the single point every outbound proactive send
// funnels through, so it is also the single point the trust scope is
// applied to outbound messages. A governed send has already been
// approved by the proactive governor; the trust check here only blocks
// it when the current scope no longer extends to the outbound-message
// tier at all (a critical-failure freeze or a collapsed trust score),
// rather than re-running the proposal workflow that RequestAction
// applies to ungoverned propose-tier actions.
func (c *CoreRuntime) dispatchProactive(ctx context.Context, message, threadID string) error {
	if c.Trust != nil {
		want := trust.DefaultTier(trust.CategoryOutboundMessage)
		if !trust.ScopeAllows(c.Trust.EvaluateScope(), want) {
			return fmt.Errorf("corerun: proactive send blocked: outbound messages are outside the current trust scope")
		}
	}

	c.mu.RLock()
	handler := c.onSend
	c.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("corerun: no proactive handler registered")
	}
	return handler(ctx, message, threadID)
}

// RecordUserActivity informs the scheduler of user input timing.
// It never gates whether the loop thinks; it only feeds urgency.
func (c *CoreRuntime) RecordUserActivity(now time.Time) {
	c.Scheduler.RecordUserMessage(now)
}

// Think runs one conversation-turn invocation. It assembles the
// memory context, invokes the
// default adapter at the conversation route (caller-overridable mode),
// applies any writebacks the response contains, and returns the clean
// response. A failed LLM call yields a short apology with a reference
// code rather than propagating.
func (c *CoreRuntime) Think(ctx context.Context, message, chatID string, history []adapter.HistoryTurn, modeOverride router.Mode) ThoughtResult {
	c.RecordUserActivity(time.Now())
	if chatID != "" {
		if err := c.Threads.RecordActivity(chatID, "", time.Now()); err != nil {
			c.logger.Warn("corerun: thread activity record failed", "thread", chatID, "error", err)
		}
	}

	a, ok := c.Adapters.Default()
	if !ok {
		apology, code := errref.UserMessage("I can't reach my thinking process right now.")
		return ThoughtResult{Response: apology, Failed: true, RefCode: code}
	}

	memCtx, _ := memorycontext.Build(memorycontext.Deps{
		Workspace:    c.Workspace,
		Preparations: c.Preparations,
		Logger:       c.logger,
	}, message, chatID)

	mode := c.Router.ResolveMode(router.InvocationConversation, modeOverride)
	route := c.Router.Resolve(router.InvocationConversation)
	invokeCtx, cancel := context.WithTimeout(ctx, route.Timeout())
	defer cancel()

	if c.Snapshots != nil {
		if err := c.Snapshots.RecordRouterDecision(snapshot.RouterAuditEntry{
			InvocationType: string(router.InvocationConversation),
			Model:          route.Model,
			Mode:           string(mode),
			TimeoutMs:      int(route.Timeout().Milliseconds()),
			Overridden:     modeOverride != "",
		}); err != nil {
			c.logger.Warn("corerun: router audit log failed", "error", err)
		}
	}

	systemPrompt := memCtx
	result, err := a.Invoke(invokeCtx, adapter.Input{
		Message:       message,
		History:       history,
		SystemPrompt:  systemPrompt,
		Route:         string(router.InvocationConversation),
		WorkspacePath: c.Workspace.Root(),
		EffectiveMode: string(mode),
	})
	if err == nil {
		err = result.Err
	}
	if err != nil {
		c.logger.Warn("corerun: conversation invocation failed", "error", err)
		// The adapter's own failure message already carries a reference
		// code; fall back to a fresh apology only when there isn't one.
		if response := strings.TrimSpace(result.CleanText); response != "" {
			return ThoughtResult{Response: response, Failed: true}
		}
		apology, code := errref.UserMessage("Something went wrong while I was thinking about that.")
		return ThoughtResult{Response: apology, Failed: true, RefCode: code}
	}

	processed := c.Continuity.ProcessResponse(result.Text)
	response := processed.CleanResponse
	if len(processed.WritebackResults.Failed) > 0 {
		response = strings.TrimSpace(response + "\n\n" + continuity.DisclosureNote(processed.WritebackResults.Failed))
	}
	return ThoughtResult{Response: response, Writebacks: processed.WritebackResults}
}
