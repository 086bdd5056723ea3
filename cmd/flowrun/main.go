package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/axiomiq/flowrun/internal/connector"
	"github.com/axiomiq/flowrun/internal/engine"
	"github.com/axiomiq/flowrun/internal/expressions"
	"github.com/axiomiq/flowrun/internal/logging"
	"github.com/axiomiq/flowrun/internal/model"
	"github.com/axiomiq/flowrun/internal/nodes"
	"github.com/axiomiq/flowrun/internal/store"
	"github.com/axiomiq/flowrun/internal/trigger"
	"github.com/axiomiq/flowrun/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = cmdRun(args)
	case "resume":
		err = cmdResume(args)
	case "status":
		err = cmdStatus(args)
	case "cancel":
		err = cmdCancel(args)
	case "serve":
		err = cmdServe(args)
	case "version":
		printVersion()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowrun:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: flowrun <command> [flags]

commands:
  run <workflow.json>     start an execution and drive it to completion
  resume <resume-token>   resume a suspended execution with a decision
  status <execution-id>   print an execution's persisted state
  cancel <execution-id>   cancel a running or suspended execution
  serve <workflow.json…>  run schedule triggers for the given workflows
  version                 print the build version`)
}

// app bundles the wired collaborators shared by every subcommand.
type app struct {
	cfg    Config
	logger *slog.Logger
	store  store.Store
	interp *engine.Interpreter
}

func newApp() (*app, error) {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.DBPath, err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	models := model.NewRegistry()
	if err := loadAgents(cfg.AgentsPath, models); err != nil {
		return nil, err
	}

	deps := nodes.Deps{
		Resolver: expressions.NewResolver(),
		Models:   models,
		Logger:   logger,
	}
	if cfg.ConnectorBaseURL != "" {
		conn, err := connector.NewHTTPConnector(connector.HTTPConfig{
			BaseURL: cfg.ConnectorBaseURL,
			APIKey:  cfg.ConnectorAPIKey,
		})
		if err != nil {
			return nil, err
		}
		deps.Connector = conn
	}

	interp, err := engine.New(engine.Config{
		MaxParallelBranches: cfg.PoolSize,
		MaxSteps:            cfg.MaxSteps,
	}, st, deps, logger)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: st, interp: interp}, nil
}

func (a *app) close() {
	a.interp.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// agentsFile is the on-disk format of agents.json: the model endpoints
// and agent definitions available to workflows.
type agentsFile struct {
	Models []model.Config   `json:"models"`
	Agents []model.AgentDef `json:"agents"`
}

func loadAgents(path string, registry *model.Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // workflows without agent nodes run fine
		}
		return fmt.Errorf("read agents file %s: %w", path, err)
	}
	var file agentsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse agents file %s: %w", path, err)
	}
	for _, m := range file.Models {
		if err := registry.RegisterModel(m); err != nil {
			return fmt.Errorf("register model %s: %w", m.ID, err)
		}
	}
	for _, a := range file.Agents {
		if err := registry.RegisterAgent(a); err != nil {
			return fmt.Errorf("register agent %s: %w", a.ID, err)
		}
	}
	return nil
}

func loadWorkflow(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	return &def, nil
}

func parseJSONFlag(value, name string) (map[string]any, error) {
	if value == "" {
		return nil, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return parsed, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	payload := fs.String("payload", "", "trigger payload as a JSON object")
	tenant := fs.String("tenant", "", "tenant ID for the execution")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run requires exactly one workflow file")
	}

	def, err := loadWorkflow(fs.Arg(0))
	if err != nil {
		return err
	}
	vars, err := parseJSONFlag(*payload, "payload")
	if err != nil {
		return err
	}
	event, err := trigger.Manual(def, *tenant, vars)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := a.interp.Start(ctx, def, event)
	if res != nil {
		if printErr := printJSON(res); printErr != nil {
			return printErr
		}
	}
	return err
}

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	decision := fs.String("decision", "", "resume decision as a JSON object")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("resume requires exactly one resume token")
	}

	payload, err := parseJSONFlag(*decision, "decision")
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := a.interp.Resume(ctx, fs.Arg(0), payload)
	if res != nil {
		if printErr := printJSON(res); printErr != nil {
			return printErr
		}
	}
	return err
}

func cmdStatus(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("status requires exactly one execution ID")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	exec, err := a.interp.Status(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printJSON(exec)
}

func cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	reason := fs.String("reason", "cancelled by operator", "reason recorded on the execution")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("cancel requires exactly one execution ID")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.interp.Cancel(context.Background(), fs.Arg(0), *reason); err != nil {
		return err
	}
	fmt.Println("cancelled", fs.Arg(0))
	return nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant ID for scheduled executions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("serve requires at least one workflow file")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	sched := trigger.NewScheduler(trigger.SchedulerConfig{
		TickInterval: time.Duration(a.cfg.TickSeconds) * time.Second,
	}, trigger.StarterFunc(func(ctx context.Context, def *schema.WorkflowDefinition, event *schema.TriggerEvent) error {
		_, err := a.interp.Start(ctx, def, event)
		return err
	}), a.logger)

	for _, path := range fs.Args() {
		def, err := loadWorkflow(path)
		if err != nil {
			return err
		}
		if err := sched.Register(def, *tenant); err != nil {
			return fmt.Errorf("register %s: %w", path, err)
		}
		next, _ := sched.NextRun(def.ID)
		a.logger.Info("workflow scheduled",
			slog.String("workflow_id", def.ID),
			slog.Time("next_run", next),
		)
	}

	recoverRunning(ctx, a)

	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return sched.Stop()
}

// recoverRunning re-drives executions a previous process left in the
// running state. The step sequence gate makes a re-run of an already
// committed step harmless.
func recoverRunning(ctx context.Context, a *app) {
	execs, err := a.store.ListExecutions(ctx, store.ExecutionFilter{
		Status: schema.ExecutionStatusRunning,
	})
	if err != nil {
		a.logger.Error("list running executions", "error", err)
		return
	}
	for _, exec := range execs {
		go func(id string) {
			if _, err := a.interp.ResumeExecution(ctx, id); err != nil {
				a.logger.Error("recover execution",
					slog.String("execution_id", id),
					slog.String("error", err.Error()),
				)
			}
		}(exec.ID)
	}
	if len(execs) > 0 {
		a.logger.Info("recovering interrupted executions", slog.Int("count", len(execs)))
	}
}
