// Command omoide runs the memory core as a small interactive daemon.
//
// Lines on stdin are ingested as memories for a single user. Slash commands
// query and inspect the core:
//
//	/query <text>     hybrid retrieval
//	/distill <text>   token-budgeted context block
//	/compress         evaluate and run compression
//	/lifecycle        run one lifecycle evaluation
//	/stats            storage and graph diagnostics
//
// Everything else is configured through the environment (see internal/config).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashita-ai/omoide"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("OMOIDE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	userID := flag.String("user", "local", "user id to ingest and query as")
	flag.Parse()

	core, err := omoide.New(
		omoide.WithLogger(logger),
		omoide.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	core.StartLifecycle()

	// Read stdin in the background so shutdown signals interrupt promptly.
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if err := handle(ctx, core, *userID, line); err != nil {
				logger.Error("command failed", "error", err)
			}
		}
	}

	logger.Info("omoide shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := core.Persist(shutdownCtx); err != nil {
		logger.Error("persist failed", "error", err)
	}
	return core.Close(shutdownCtx)
}

func handle(ctx context.Context, core *omoide.Core, userID, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	switch {
	case strings.HasPrefix(line, "/query "):
		res, err := core.Query(ctx, userID, strings.TrimPrefix(line, "/query "), omoide.QueryOptions{
			IncludeGraph:     true,
			IncludeConflicts: true,
		})
		if err != nil {
			return err
		}
		return printJSON(res)

	case strings.HasPrefix(line, "/distill "):
		d, err := core.DistillForContext(ctx, userID, strings.TrimPrefix(line, "/distill "), 2000)
		if err != nil {
			return err
		}
		fmt.Println(d.Distilled)
		fmt.Printf("(%d tokens, %d sources)\n", d.TokensUsed, len(d.Sources))
		return nil

	case line == "/compress":
		res, err := core.AutoCompress(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(res)

	case line == "/lifecycle":
		res, err := core.EvaluateLifecycle(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(res)

	case line == "/stats":
		return printJSON(core.Stats(userID))

	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %q", strings.Fields(line)[0])

	default:
		res, err := core.UpdateMemory(ctx, userID, line, omoide.UpdateOptions{
			AutoResolveConflicts: true,
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
