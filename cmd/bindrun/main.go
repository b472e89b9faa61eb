// Command bindrun validates and executes workflow specs against a configured
// backend adapter.
//
// Exit codes: 0 on success (including runs where every skip was an
// intentional condition skip), 1 when execution failed, 2 when the spec is
// invalid.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bindrun/bindrun/internal/adapter"
	"github.com/bindrun/bindrun/internal/authoring"
	"github.com/bindrun/bindrun/internal/engine"
	"github.com/bindrun/bindrun/internal/expressions"
	"github.com/bindrun/bindrun/internal/history"
	"github.com/bindrun/bindrun/internal/logging"
	"github.com/bindrun/bindrun/internal/scheduler"
	"github.com/bindrun/bindrun/internal/transform"
	"github.com/bindrun/bindrun/internal/validation"
	"github.com/bindrun/bindrun/pkg/mcp"
	"github.com/bindrun/bindrun/pkg/schema"
)

const (
	exitOK          = 0
	exitRunFailed   = 1
	exitInvalidSpec = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitInvalidSpec
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "validate":
		return cmdValidate(args[1:])
	case "run":
		return cmdRun(ctx, cfg, logger, args[1:])
	case "serve":
		return cmdServe(ctx, cfg, logger)
	case "history":
		return cmdHistory(ctx, cfg, args[1:])
	case "report":
		return cmdReport(ctx, cfg, args[1:])
	case "match":
		return cmdMatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitInvalidSpec
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: bindrun <command> [flags]

commands:
  validate <spec.json>          validate a spec and print every issue
  run [-canonical] <spec.json>  validate, execute, and print the report
  serve                         serve bindrun tools over MCP stdio
  history [-spec name] [-n max] list archived runs
  report <run_id>               print an archived report
  match <name> <candidate>...   suggest the closest candidate names
`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

// newValidator wires the builtin transform registry and the CEL evaluator
// into a validator.
func newValidator() (*validation.Validator, *transform.Registry, *expressions.CELEvaluator, error) {
	registry := transform.NewBuiltinRegistry()
	conditions, err := expressions.NewCELEvaluator()
	if err != nil {
		return nil, nil, nil, err
	}
	validator, err := validation.NewValidator(registry, conditions)
	if err != nil {
		return nil, nil, nil, err
	}
	return validator, registry, conditions, nil
}

func buildAdapter(cfg Config) (adapter.Adapter, error) {
	switch cfg.Adapter {
	case "replay":
		data, err := os.ReadFile(cfg.Fixtures)
		if err != nil {
			return nil, fmt.Errorf("read fixtures: %w", err)
		}
		fixtures, err := adapter.ParseFixtures(data)
		if err != nil {
			return nil, err
		}
		return adapter.NewReplayAdapter(fixtures), nil
	case "graphql", "":
		return adapter.NewGraphQLAdapter(cfg.GraphQL)
	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
}

func loadSpec(path string) (*schema.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return schema.ParseSpec(data)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal output: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

func cmdValidate(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: bindrun validate <spec.json>")
		return exitInvalidSpec
	}

	validator, _, _, err := newValidator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return exitRunFailed
	}

	spec, err := loadSpec(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "spec does not parse: %v\n", err)
		return exitInvalidSpec
	}

	result := validator.Validate(spec)
	printJSON(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
	if !result.Valid() {
		return exitInvalidSpec
	}
	return exitOK
}

func cmdRun(ctx context.Context, cfg Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	canonical := fs.Bool("canonical", false, "print the timestamp-free canonical report")
	noHistory := fs.Bool("no-history", false, "skip archiving the report")
	if err := fs.Parse(args); err != nil {
		return exitInvalidSpec
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: bindrun run [-canonical] [-no-history] <spec.json>")
		return exitInvalidSpec
	}

	validator, registry, conditions, err := newValidator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return exitRunFailed
	}

	spec, err := loadSpec(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "spec does not parse: %v\n", err)
		return exitInvalidSpec
	}

	if result := validator.Validate(spec); !result.Valid() {
		printJSON(map[string]any{"valid": false, "errors": result.Errors})
		return exitInvalidSpec
	}

	backend, err := buildAdapter(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "adapter setup failed: %v\n", err)
		return exitRunFailed
	}

	executor := engine.New(backend, registry, engine.Options{
		Concurrency:  cfg.Concurrency,
		Conditions:   conditions,
		DefaultRetry: cfg.Retry,
		Logger:       logger,
	})

	report, err := executor.Execute(ctx, spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run could not start: %v\n", err)
		return exitRunFailed
	}

	if cfg.History && !*noHistory {
		if archive, aerr := history.Open(ctx, cfg.DBPath); aerr == nil {
			if rerr := archive.Record(ctx, report); rerr != nil {
				logger.Warn("failed to archive report", "error", rerr)
			}
			_ = archive.Close()
		} else {
			logger.Warn("history unavailable", "error", aerr)
		}
	}

	if *canonical {
		out, cerr := report.Canonical()
		if cerr != nil {
			fmt.Fprintf(os.Stderr, "marshal report: %v\n", cerr)
			return exitRunFailed
		}
		fmt.Println(string(out))
	} else {
		printJSON(report)
	}

	if report.Failed() {
		return exitRunFailed
	}
	return exitOK
}

func cmdServe(ctx context.Context, cfg Config, logger *slog.Logger) int {
	validator, registry, conditions, err := newValidator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return exitRunFailed
	}

	backend, err := buildAdapter(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "adapter setup failed: %v\n", err)
		return exitRunFailed
	}

	executor := engine.New(backend, registry, engine.Options{
		Concurrency:  cfg.Concurrency,
		Conditions:   conditions,
		DefaultRetry: cfg.Retry,
		Logger:       logger,
	})

	var archive *history.Archive
	if cfg.History {
		archive, err = history.Open(ctx, cfg.DBPath)
		if err != nil {
			logger.Warn("history unavailable", "error", err)
		} else {
			defer archive.Close()
		}
	}

	if len(cfg.Schedules) > 0 {
		onDone := func(report *schema.Report) {
			if archive == nil {
				return
			}
			if err := archive.Record(context.Background(), report); err != nil {
				logger.Warn("failed to archive scheduled report", "error", err)
			}
		}
		sched := scheduler.New(executor, logger, onDone)
		for _, sc := range cfg.Schedules {
			spec, serr := loadSpec(sc.Spec)
			if serr != nil {
				logger.Error("schedule spec does not parse",
					"schedule", sc.Name, "error", serr)
				continue
			}
			if result := validator.Validate(spec); !result.Valid() {
				logger.Error("schedule spec is invalid",
					"schedule", sc.Name, "error", result.ToError())
				continue
			}
			if aerr := sched.Add(sc.Name, sc.Cron, spec); aerr != nil {
				logger.Error("failed to register schedule",
					"schedule", sc.Name, "error", aerr)
			}
		}
		if err := sched.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "scheduler failed to start: %v\n", err)
			return exitRunFailed
		}
		defer sched.Stop()
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Executor:  executor,
		Validator: validator,
		Archive:   archive,
		Logger:    logger,
	})
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
		return exitRunFailed
	}
	return exitOK
}

func cmdHistory(ctx context.Context, cfg Config, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	specName := fs.String("spec", "", "filter by spec name")
	limit := fs.Int("n", 50, "max runs to list")
	if err := fs.Parse(args); err != nil {
		return exitInvalidSpec
	}

	archive, err := history.Open(ctx, cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history unavailable: %v\n", err)
		return exitRunFailed
	}
	defer archive.Close()

	runs, err := archive.List(ctx, *specName, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing failed: %v\n", err)
		return exitRunFailed
	}
	printJSON(map[string]any{"runs": runs})
	return exitOK
}

func cmdReport(ctx context.Context, cfg Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: bindrun report <run_id>")
		return exitInvalidSpec
	}

	archive, err := history.Open(ctx, cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history unavailable: %v\n", err)
		return exitRunFailed
	}
	defer archive.Close()

	report, err := archive.Get(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "report lookup failed: %v\n", err)
		return exitRunFailed
	}
	printJSON(report)
	return exitOK
}

func cmdMatch(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bindrun match <name> <candidate>...")
		return exitInvalidSpec
	}
	suggestions := authoring.Suggest(args[0], args[1:], 5)
	printJSON(map[string]any{"suggestions": suggestions})
	return exitOK
}
