// Command asterd is the process entry point for Aster's cognitive core.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomwork/aster/internal/buildinfo"
	"github.com/loomwork/aster/internal/config"
	"github.com/loomwork/aster/internal/corerun"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "ask":
			if flag.NArg() < 2 {
				fmt.Fprintln(os.Stderr, "usage: asterd ask <message>")
				os.Exit(1)
			}
			runAsk(logger, *configPath, flag.Args()[1:])
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("Aster - cognitive core for a persistent character-driven agent")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the cognitive scheduler and an interactive stdin/stdout loop")
	fmt.Println("  ask      Ask a single question against a built runtime (for testing)")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, configPath string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		*logger = *slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "agent", cfg.Identity.AgentName, "workspace", cfg.Workspace.Path)
	return cfg
}

func runAsk(logger *slog.Logger, configPath string, args []string) {
	question := args[0]
	for _, a := range args[1:] {
		question += " " + a
	}

	cfg := loadConfig(logger, configPath)

	// workspace.New's mkdir failure is the one fatal-at-startup condition;
	// corerun.New surfaces it directly.
	cr, err := corerun.New(cfg, logger)
	if err != nil {
		logger.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}

	result := cr.Think(context.Background(), question, "cli-ask", nil, "")
	if result.Failed {
		fmt.Fprintf(os.Stderr, "error (ref %s): %s\n", result.RefCode, result.Response)
		os.Exit(1)
	}
	fmt.Println(result.Response)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting asterd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch)

	cfg := loadConfig(logger, configPath)

	cr, err := corerun.New(cfg, logger)
	if err != nil {
		logger.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}

	cr.OnProactiveMessage(func(ctx context.Context, message, threadID string) error {
		fmt.Printf("\n[%s] %s\n> ", threadID, message)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cr.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				fmt.Print("> ")
				continue
			}
			result := cr.Think(ctx, line, "cli-serve", nil, "")
			if result.Failed {
				fmt.Printf("(ref %s) %s\n", result.RefCode, result.Response)
			} else {
				fmt.Println(result.Response)
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-done:
		logger.Info("stdin closed")
	}

	cancel()
	cr.Stop(context.Background())
	logger.Info("asterd stopped")
}
