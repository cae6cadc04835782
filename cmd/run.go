// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/anassagd432/aether-agent/api/schemas"
	"github.com/anassagd432/aether-agent/internal/agentloop"
	"github.com/anassagd432/aether-agent/internal/config"
	"github.com/anassagd432/aether-agent/internal/events"
	"github.com/anassagd432/aether-agent/internal/healer"
	"github.com/anassagd432/aether-agent/internal/llmclient"
	"github.com/anassagd432/aether-agent/internal/memory"
	"github.com/anassagd432/aether-agent/internal/observability"
	"github.com/anassagd432/aether-agent/internal/plan"
	"github.com/anassagd432/aether-agent/internal/store"
	"github.com/anassagd432/aether-agent/internal/termination"
	"github.com/anassagd432/aether-agent/internal/toolexec"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	var (
		asJSON bool
		dryRun bool
	)

	runCmd := &cobra.Command{
		Use:   "run \"<goal>\"",
		Short: "Runs the agent against a natural-language goal",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags so the command line overrides config file and env.
			if err := viper.BindPFlag("agent.max_iterations", cmd.Flags().Lookup("max-iterations")); err != nil {
				return err
			}
			if err := viper.BindPFlag("agent.max_time", cmd.Flags().Lookup("max-time")); err != nil {
				return err
			}
			if err := viper.BindPFlag("agent.auto_heal", cmd.Flags().Lookup("heal")); err != nil {
				return err
			}
			if err := viper.BindPFlag("agent.persist_memory", cmd.Flags().Lookup("persist-memory")); err != nil {
				return err
			}
			if err := viper.BindPFlag("agent.dangerous_commands_allowed", cmd.Flags().Lookup("allow-dangerous")); err != nil {
				return err
			}
			return viper.BindPFlag("agent.work_dir", cmd.Flags().Lookup("work-dir"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			goal := strings.TrimSpace(strings.Join(args, " "))

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			result, err := runAgent(ctx, logger, cfg, goal, cmd.OutOrStdout(), asJSON, dryRun)
			if err != nil {
				return err
			}
			if !result.Success {
				cmd.SilenceUsage = true
				return fmt.Errorf("goal not achieved: %s", result.Report.Reason)
			}
			return nil
		},
	}

	runCmd.Flags().Int("max-iterations", 100, "maximum loop iterations before giving up")
	runCmd.Flags().Duration("max-time", 0, "maximum wall-clock run time (0 uses the configured default)")
	runCmd.Flags().Bool("heal", true, "automatically heal failures")
	runCmd.Flags().Bool("persist-memory", true, "persist long-term memory across runs")
	runCmd.Flags().Bool("allow-dangerous", false, "allow destructive shell commands in fixes")
	runCmd.Flags().String("work-dir", ".", "project directory the agent operates in")
	runCmd.Flags().BoolVar(&asJSON, "json", false, "emit the final report as JSON")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "skip the completion service and run on heuristics only")

	return runCmd
}

// runAgent wires every component and executes the goal.
func runAgent(ctx context.Context, logger *zap.Logger, cfg *config.Config, goal string, out io.Writer, asJSON, dryRun bool) (*agentloop.RunResult, error) {
	blob, cleanup, err := newBlobStore(ctx, logger, cfg.Storage)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var llm schemas.LLMClient
	switch {
	case dryRun:
		logger.Info("Dry run requested; planning and action selection use heuristics only")
	case cfg.LLM.APIKey != "":
		llm, err = llmclient.NewClient(cfg.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing completion client: %w", err)
		}
		defer llm.Close()
	default:
		logger.Warn("No LLM API key configured; planning and action selection degrade to heuristics")
	}

	exec := toolexec.NewLocalExecutor(logger, cfg.Agent.WorkDir, llm)
	mem := memory.NewStore(logger, cfg.Memory, blob, memoryKey(goal))
	planner := plan.NewPlanner(logger, llm, mem, cfg.Agent.MaxRetries, cfg.Agent.MaxPlanRevisions)
	heal := healer.NewHealer(logger, llm, exec, cfg.Healer, cfg.Agent.DangerousCommandsAllowed)
	evaluator := termination.NewEvaluator(logger, cfg.Agent)

	bus := events.NewBus(logger, 64)
	var renderWg sync.WaitGroup
	if cfg.Agent.Verbose {
		renderWg.Add(1)
		go renderEvents(bus, out, &renderWg)
	}

	loop := agentloop.NewLoop(logger, cfg.Agent, planner, mem, heal, exec, llm, evaluator, bus)
	result, err := loop.Run(ctx, goal)

	bus.Close()
	renderWg.Wait()
	if err != nil {
		return nil, err
	}

	if renderErr := renderReport(out, result.Report, asJSON); renderErr != nil {
		return nil, renderErr
	}
	return result, nil
}

// newBlobStore selects the persistence backend: postgres when a database
// URL is configured, the local file store otherwise.
func newBlobStore(ctx context.Context, logger *zap.Logger, cfg config.StorageConfig) (schemas.BlobStore, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		pg, err := store.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("initializing database store: %w", err)
		}
		return pg, pool.Close, nil
	}

	fs, err := store.NewFileStore(cfg.StateDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing state directory: %w", err)
	}
	return fs, func() {}, nil
}

// memoryKey derives a stable persistence key from the goal so reruns of the
// same goal pick up the memory of previous attempts.
func memoryKey(goal string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(goal))))
	return fmt.Sprintf("memory-%x", h.Sum64())
}

// renderEvents streams progress lines to the terminal until the bus closes.
func renderEvents(bus *events.Bus, out io.Writer, wg *sync.WaitGroup) {
	defer wg.Done()
	ch, unsubscribe := bus.Subscribe(
		schemas.EventPlanCreated,
		schemas.EventTaskStarted,
		schemas.EventTaskCompleted,
		schemas.EventTaskFailed,
		schemas.EventHealingStarted,
		schemas.EventHealingCompleted,
	)
	defer unsubscribe()

	for evt := range ch {
		switch evt.Type {
		case schemas.EventPlanCreated:
			fmt.Fprintf(out, "==> plan created (%v tasks)\n", payloadField(evt, "tasks"))
		case schemas.EventTaskStarted:
			fmt.Fprintf(out, "--> %v\n", payloadField(evt, "task"))
		case schemas.EventTaskCompleted:
			fmt.Fprintf(out, "    done: %v\n", payloadField(evt, "task"))
		case schemas.EventTaskFailed:
			fmt.Fprintf(out, "    FAILED: %v\n", payloadField(evt, "task"))
		case schemas.EventHealingStarted:
			fmt.Fprintf(out, "    healing...\n")
		case schemas.EventHealingCompleted:
			fmt.Fprintf(out, "    healing finished (fixed=%v)\n", payloadField(evt, "fixed"))
		}
		bus.Acknowledge(evt)
	}
}

func payloadField(evt schemas.Event, key string) any {
	if m, ok := evt.Payload.(map[string]any); ok {
		return m[key]
	}
	return ""
}

// renderReport writes the final report, either as human-readable text or as
// indented JSON for machine consumption.
func renderReport(out io.Writer, report termination.FinalReport, asJSON bool) error {
	if asJSON {
		blob, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("serializing report: %w", err)
		}
		fmt.Fprintln(out, string(blob))
		return nil
	}

	fmt.Fprintf(out, "\n== Final report: %s (%s) ==\n", strings.ToUpper(string(report.Status)), report.Reason)
	fmt.Fprintf(out, "Goal: %s\n", report.Goal)
	fmt.Fprintf(out, "%s\n", report.Summary)
	fmt.Fprintf(out, "Iterations: %d, elapsed: %s\n", report.Iterations, report.Elapsed.Round(time.Second))
	printTaskSection(out, "Completed", report.CompletedTasks)
	printTaskSection(out, "Failed", report.FailedTasks)
	printTaskSection(out, "Skipped", report.SkippedTasks)
	printListSection(out, "Files created", report.FilesCreated)
	printListSection(out, "Files modified", report.FilesModified)
	printListSection(out, "Commands executed", report.CommandsExecuted)
	printListSection(out, "Discoveries", report.Discoveries)
	printListSection(out, "Recommendations", report.Recommendations)
	printListSection(out, "Errors", report.Errors)
	return nil
}

func printListSection(out io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(out, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(out, "  - %s\n", firstLine(item))
	}
}

func printTaskSection(out io.Writer, title string, tasks []termination.TaskSummary) {
	if len(tasks) == 0 {
		return
	}
	fmt.Fprintf(out, "%s tasks:\n", title)
	for _, t := range tasks {
		if t.Detail != "" {
			fmt.Fprintf(out, "  - %s: %s\n", t.Name, firstLine(t.Detail))
		} else {
			fmt.Fprintf(out, "  - %s\n", t.Name)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
