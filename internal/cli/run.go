package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/roach88/roomcheck/internal/config"
	"github.com/roach88/roomcheck/internal/conn"
	"github.com/roach88/roomcheck/internal/fixture"
	"github.com/roach88/roomcheck/internal/harness"
	"github.com/roach88/roomcheck/internal/store"
	"github.com/roach88/roomcheck/internal/user"
	"github.com/roach88/roomcheck/internal/verify"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	Endpoint   string
	TimeoutMs  int
	Echo       bool
	Filter     string // scenario filter (glob pattern on the scenario name)
	Database   string

	// Environ replaces the process environment (for testing).
	Environ map[string]string
	// Dialer overrides the WebSocket dialer (for testing).
	Dialer user.Dialer
}

// ScenarioResult holds the outcome of a single scenario.
type ScenarioResult struct {
	Name   string         `json:"name"`
	File   string         `json:"file,omitempty"`
	Pass   bool           `json:"pass"`
	RunID  string         `json:"run_id,omitempty"`
	Report *verify.Report `json:"report,omitempty"`
	Errors []string       `json:"errors,omitempty"`
}

// RunResult holds the overall result of a run.
type RunResult struct {
	Scenarios []ScenarioResult  `json:"scenarios"`
	Skipped   []harness.Skipped `json:"skipped,omitempty"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Total     int               `json:"total"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [scenario files or dirs...]",
		Short: "Run scenarios against a chat server",
		Long: `Run scenarios against a room-based WebSocket chat server and verify
what every simulated user received.

Without arguments the built-in suite runs. Directories are searched for
.yaml and .yml scenario files.

Exit codes:
  0 - All scenarios passed
  1 - A violation, fault or timeout was found
  2 - Command error (bad config, unreadable files, etc.)

Examples:
  roomcheck run --config roomcheck.yaml
  roomcheck run --endpoint ws://localhost:8080/api/v1/chat/ws --echo=false
  roomcheck run ./scenarios --filter "leave_*" --db ./history.db
  roomcheck run ./scenarios --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "WebSocket endpoint (overrides config)")
	cmd.Flags().IntVar(&opts.TimeoutMs, "timeout", 0, "per-scenario timeout in milliseconds (overrides config)")
	cmd.Flags().BoolVar(&opts.Echo, "echo", true, "expect the server to echo a sender's own messages (overrides config)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite file to record run history in")

	return cmd
}

func runScenarios(cmd *cobra.Command, opts *RunOptions, args []string) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	ctx := commandContext(cmd)

	cfg, err := loadConfig(opts.ConfigPath, opts.Environ)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	applyRunFlags(cmd, opts, cfg)
	if err := cfg.Validate(); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}

	if cfg.Fixture.BaseURL != "" {
		formatter.VerboseLog("Provisioning users and rooms from %s", cfg.Fixture.BaseURL)
		client := fixture.New(cfg.Fixture.BaseURL, nil, logger)
		if err := fixture.Provision(ctx, client, cfg); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeProvision, "failed to provision fixtures", err)
		}
	}
	if err := cfg.CheckCredentials(); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "incomplete config", err)
	}

	result := RunResult{Scenarios: []ScenarioResult{}}
	var planned []plannedScenario
	if len(args) == 0 {
		suite, skipped, err := harness.DefaultSuite(cfg)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeConfig, "cannot build the built-in suite", err)
		}
		for _, sc := range suite {
			planned = append(planned, plannedScenario{scenario: sc})
		}
		result.Skipped = skipped
	} else {
		files, err := findScenarioFiles(args)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, "failed to find scenarios", err)
		}
		for _, file := range files {
			formatter.VerboseLog("Loading %s", file)
			sc, err := harness.LoadScenario(file)
			planned = append(planned, plannedScenario{file: file, scenario: sc, err: err})
		}
	}

	planned, err = filterScenarios(planned, opts.Filter)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "invalid filter", err)
	}

	var st *store.Store
	if cfg.DB != "" {
		st, err = store.Open(cfg.DB)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeHistory, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = user.WebSocketDialer{Options: conn.Options{
			Subprotocols: cfg.Subprotocols,
			Logger:       logger,
		}}
	}
	runner := harness.NewRunner(cfg, dialer, logger)

	w := cmd.OutOrStdout()
	for _, p := range planned {
		sr := runOne(ctx, runner, st, p, logger)
		result.Scenarios = append(result.Scenarios, sr)
		result.Total++
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		if !formatter.JSON() {
			writeScenarioText(w, sr)
		}
		if ctx.Err() != nil {
			break
		}
	}

	return outputRunResult(formatter, result)
}

type plannedScenario struct {
	file     string
	scenario *harness.Scenario
	err      error
}

func (p plannedScenario) name() string {
	if p.scenario != nil {
		return p.scenario.Name
	}
	return strings.TrimSuffix(filepath.Base(p.file), filepath.Ext(p.file))
}

func runOne(ctx context.Context, runner *harness.Runner, st *store.Store, p plannedScenario, logger *slog.Logger) ScenarioResult {
	sr := ScenarioResult{Name: p.name(), File: p.file}
	if p.err != nil {
		sr.Errors = []string{fmt.Sprintf("failed to load scenario: %v", p.err)}
		return sr
	}

	res, err := runner.Run(ctx, p.scenario)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return sr
	}
	sr.Pass = res.Pass
	sr.Report = res.Report
	sr.Errors = res.Errors

	if st != nil {
		run := &store.Run{
			Scenario: res.Scenario,
			Started:  res.Started,
			Duration: res.Duration,
			Report:   res.Report,
			Errors:   res.Errors,
		}
		// Use a fresh context: a cancelled run is still worth recording.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := st.WriteRun(wctx, run); err != nil {
			logger.Error("failed to record run", "scenario", res.Scenario, "error", err)
		} else {
			sr.RunID = run.ID
		}
	}
	return sr
}

// loadConfig loads path (if any) with environ, or the process environment
// when environ is nil.
func loadConfig(path string, environ map[string]string) (*config.Config, error) {
	if environ == nil {
		environ = env.ToMap(os.Environ())
	}
	return config.LoadWithEnv(path, environ)
}

// applyRunFlags overlays explicitly set flags on cfg.
func applyRunFlags(cmd *cobra.Command, opts *RunOptions, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Endpoint = opts.Endpoint
	}
	if flags.Changed("timeout") {
		cfg.TimeoutMs = opts.TimeoutMs
	}
	if flags.Changed("echo") {
		cfg.Echo = opts.Echo
	}
	if flags.Changed("db") {
		cfg.DB = opts.Database
	}
}

// findScenarioFiles expands args into scenario files. Directories are
// walked for .yaml and .yml files; files are taken as given.
func findScenarioFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}

		err = filepath.Walk(arg, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			ext := filepath.Ext(path)
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func filterScenarios(planned []plannedScenario, filter string) ([]plannedScenario, error) {
	if filter == "" {
		return planned, nil
	}
	var out []plannedScenario
	for _, p := range planned {
		matched, err := filepath.Match(filter, p.name())
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
		if matched {
			out = append(out, p)
		}
	}
	return out, nil
}

func writeScenarioText(w io.Writer, sr ScenarioResult) {
	if sr.Report == nil {
		fmt.Fprintf(w, "✗ %s\n", sr.Name)
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return
	}
	_ = verify.WriteText(w, sr.Report)
	for _, e := range sr.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	if sr.RunID != "" {
		fmt.Fprintf(w, "  run %s\n", sr.RunID)
	}
}

func outputRunResult(formatter *OutputFormatter, result RunResult) error {
	msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)

	if formatter.JSON() {
		if err := formatter.Result(result.Failed == 0, result, ErrCodeRunFailed, msg); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		for _, s := range result.Skipped {
			fmt.Fprintf(w, "- %s skipped: %s\n", s.Name, s.Reason)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
		if result.Failed == 0 {
			fmt.Fprintln(w, "✓ All scenarios passed")
		}
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, msg)
	}
	return nil
}
