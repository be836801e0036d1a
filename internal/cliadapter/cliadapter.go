// Package cliadapter implements a concrete adapter over a
// subprocess CLI: it spawns the CLI with streaming flags, feeds
// conversation turns over stdin, and decodes NDJSON off stdout line
// by line. Timeouts escalate SIGTERM then SIGKILL; every failure mode
// surfaces as a final error chunk on the stream, never a panic or a
// bare error to the consumer.
package cliadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/loomwork/aster/internal/adapter"
	"github.com/loomwork/aster/internal/directive"
	"github.com/loomwork/aster/internal/errref"
	"github.com/loomwork/aster/internal/streamparse"
)

// killGrace is how long SIGTERM gets to work before SIGKILL follows.
const killGrace = 3 * time.Second

// Config configures one CLIAdapter.
type Config struct {
	Name     string // adapter name (registry key)
	Binary   string // CLI executable path
	Model    string
	YoloFlag string // permission-skip flag used when EffectiveMode == "yolo"
	Timeout  time.Duration
}

// CLIAdapter is a concrete Adapter driving a subprocess CLI.
type CLIAdapter struct {
	cfg     Config
	logger  *slog.Logger
	grammar directive.Grammar
}

// New returns a CLIAdapter.
func New(cfg Config, grammar directive.Grammar, logger *slog.Logger) *CLIAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &CLIAdapter{cfg: cfg, logger: logger, grammar: grammar}
}

// Name implements adapter.Adapter.
func (c *CLIAdapter) Name() string { return c.cfg.Name }

// Shutdown implements adapter.Adapter. The CLI adapter holds no
// persistent resources between invocations, so this is a no-op.
func (c *CLIAdapter) Shutdown(ctx context.Context) error { return nil }

// HealthCheck implements adapter.Adapter by checking the binary is
// resolvable on PATH or as an absolute path.
func (c *CLIAdapter) HealthCheck(ctx context.Context) adapter.Health {
	start := time.Now()
	if _, err := exec.LookPath(c.cfg.Binary); err != nil {
		return adapter.Health{Healthy: false, Message: "CLI not installed: " + c.cfg.Binary}
	}
	return adapter.Health{Healthy: true, LatencyMs: time.Since(start).Milliseconds()}
}

// buildArgs assembles the CLI's invocation flags.
func (c *CLIAdapter) buildArgs(input adapter.Input) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose", "--model", c.cfg.Model}
	if input.EffectiveMode == "yolo" && c.cfg.YoloFlag != "" {
		args = append(args, c.cfg.YoloFlag)
	}
	return args
}

// buildStdin renders history + message as Human:/Assistant: turns.
func buildStdin(input adapter.Input) string {
	var sb strings.Builder
	for _, turn := range input.History {
		label := "Human"
		if strings.EqualFold(turn.Role, "assistant") {
			label = "Assistant"
		}
		sb.WriteString(label + ": " + turn.Content + "\n")
	}
	sb.WriteString("Human: " + input.Message + "\n")
	return sb.String()
}

// ndjsonLine is the shape of one line of CLI stdout; only the
// fields used for dispatch are decoded eagerly, the rest on demand.
type ndjsonLine struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result string `json:"result"`
}

// chanHandle is the StreamHandle implementation backing one
// invocation.
type chanHandle struct {
	ch     chan adapter.Chunk
	cancel context.CancelFunc
}

func (h *chanHandle) Chunks() <-chan adapter.Chunk { return h.ch }
func (h *chanHandle) Abort()                       { h.cancel() }

// Invoke implements adapter.Adapter's batch form by collecting the
// streaming form to completion. A stream that ended in an error chunk
// surfaces as a non-nil error alongside the result, whose CleanText
// still carries the user-facing failure message.
func (c *CLIAdapter) Invoke(ctx context.Context, input adapter.Input) (adapter.ThoughtResult, error) {
	handle, err := c.InvokeStreaming(ctx, input)
	if err != nil {
		return adapter.ThoughtResult{}, err
	}
	start := time.Now()
	result := adapter.CollectStreamToResult(handle, func(text string) (string, []directive.Directive) {
		return text, nil
	})
	result.Model = c.cfg.Model
	result.Elapsed = time.Since(start)
	return result, result.Err
}

// InvokeStreaming spawns the CLI and streams decoded NDJSON events as
// chunks. Errors during spawn, non-zero exit, or timeout never
// propagate as a Go error from this call; they arrive as a final
// ChunkError on the stream.
func (c *CLIAdapter) InvokeStreaming(ctx context.Context, input adapter.Input) (adapter.StreamHandle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	ch := make(chan adapter.Chunk, 16)
	handle := &chanHandle{ch: ch, cancel: cancel}

	go c.run(runCtx, input, ch)

	return handle, nil
}

func (c *CLIAdapter) run(ctx context.Context, input adapter.Input, ch chan<- adapter.Chunk) {
	defer close(ch)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		// Belt-and-suspenders: every caller wraps ctx with the route's
		// timeout already, but a caller that forgets one still gets the
		// adapter's configured ceiling rather than running forever.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.cfg.Binary, c.buildArgs(input)...)
	cmd.Dir = input.WorkspacePath
	cmd.Stdin = strings.NewReader(buildStdin(input))
	// The route's own context deadline (wrapped by every caller) drives
	// the escalation: on cancellation send SIGTERM, then give the
	// process killGrace to exit before Wait force-kills it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.emitError(ch, "couldn't start the thinking process", err)
		return
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
			c.emitError(ch, "the CLI isn't installed", err)
			return
		}
		c.emitError(ch, "couldn't start the thinking process", err)
		return
	}

	gotFullResponse := false
	var raw strings.Builder
	parser := streamparse.New(c.grammar)
	emit := func(text string) {
		raw.WriteString(text)
		res := parser.Push(text)
		if res.VisibleText != "" {
			ch <- adapter.Chunk{Kind: adapter.ChunkText, Text: res.VisibleText}
		}
		for _, ev := range res.Events {
			ch <- adapter.Chunk{Kind: adapter.ChunkDirective, Directive: ev.Directive}
		}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed ndjsonLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue // non-JSON noise, ignored
		}
		switch parsed.Type {
		case "content_block_delta":
			if parsed.Delta.Type == "text_delta" && parsed.Delta.Text != "" {
				emit(parsed.Delta.Text)
			}
		case "assistant":
			var sb strings.Builder
			for _, block := range parsed.Message.Content {
				if block.Type == "text" {
					sb.WriteString(block.Text)
				}
			}
			if sb.Len() > 0 {
				emit(sb.String())
			}
			gotFullResponse = true
		case "result":
			if !gotFullResponse && parsed.Result != "" {
				emit(parsed.Result)
			}
		}
	}
	if flushed := parser.Flush(); flushed.VisibleText != "" {
		ch <- adapter.Chunk{Kind: adapter.ChunkText, Text: flushed.VisibleText}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		c.emitError(ch, "that took too long", ctx.Err())
		return
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			c.emitError(ch, fmt.Sprintf("the thinking process exited with status %d: %s", exitErr.ExitCode(), firstLine(stderrBuf.String())), waitErr)
			return
		}
		c.emitError(ch, "the thinking process failed", waitErr)
		return
	}
	ch <- adapter.Chunk{Kind: adapter.ChunkDone, Text: raw.String()}
}

func (c *CLIAdapter) emitError(ch chan<- adapter.Chunk, userMessage string, err error) {
	message, code := errref.UserMessage(userMessage)
	c.logger.Error("cliadapter invocation failed", "ref", code, "error", err)
	ch <- adapter.Chunk{Kind: adapter.ChunkError, Text: message}
	ch <- adapter.Chunk{Kind: adapter.ChunkDone}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
