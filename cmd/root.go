// Package cmd implements the CLI command structure for procpool.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nibzard/procpool/internal/config"
	"github.com/nibzard/procpool/internal/logging"
	"github.com/nibzard/procpool/internal/plan"
	"github.com/nibzard/procpool/internal/spawn"
	"github.com/nibzard/procpool/internal/supervisor"
	"github.com/nibzard/procpool/internal/task"
	"github.com/nibzard/procpool/internal/ui"
)

// Version is set via ldflags at build time.
var Version = "dev"

// WorkerCommand is the hidden subcommand run by worker child processes.
const WorkerCommand = "worker"

// Output streams, replaced in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// ExitCodeError asks the caller to exit with Code and print nothing.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// IsWorker reports whether args invoke the worker entrypoint.
func IsWorker(args []string) bool {
	return len(args) > 0 && args[0] == WorkerCommand
}

// Run executes the procpool CLI.
func Run(ctx context.Context, args []string) error {
	// Worker children skip configuration entirely.
	if IsWorker(args) {
		return workerCommand(args[1:])
	}

	fs := flag.NewFlagSet("procpool", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		printUsage(fs, stderr)
	}
	help := fs.Bool("help", false, "Show help")
	fs.BoolVar(help, "h", false, "Show help")
	showVersion := fs.Bool("version", false, "Show version")
	fs.BoolVar(showVersion, "v", false, "Show version")

	cws, err := config.LoadWithSources(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("loading config: %w", err)
	}
	if *help {
		printUsage(fs, stdout)
		return nil
	}
	if *showVersion {
		return versionCommand()
	}

	// If no args or first arg is a flag, use "run" as default
	subcommand := "run"
	remainingArgs := fs.Args()
	if len(remainingArgs) > 0 && !strings.HasPrefix(remainingArgs[0], "-") {
		subcommand = remainingArgs[0]
		remainingArgs = remainingArgs[1:]
	}

	err = dispatch(ctx, fs, cws, subcommand, remainingArgs)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}

func dispatch(ctx context.Context, fs *flag.FlagSet, cws *config.ConfigWithSources, subcommand string, args []string) error {
	cfg := cws.Config
	switch subcommand {
	case "run":
		return runCommand(ctx, cfg, args)
	case "poll":
		return pollCommand(ctx, cfg, args)
	case "tail":
		return tailCommand(ctx, cfg, args)
	case "ls":
		return lsCommand(cfg, args)
	case "config":
		return configCommand(cws, args)
	case "version":
		return versionCommand()
	case "help":
		printUsage(fs, stdout)
		return nil
	}

	// A bare number is a worker count; an existing file is a plan.
	if _, err := strconv.Atoi(subcommand); err == nil {
		return runCommand(ctx, cfg, append([]string{subcommand}, args...))
	}
	if fi, err := os.Stat(subcommand); err == nil && !fi.IsDir() {
		abs, err := filepath.Abs(subcommand)
		if err != nil {
			return err
		}
		cfg.PlanFile = abs
		return runCommand(ctx, cfg, args)
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n", subcommand)
	printUsage(fs, stderr)
	return fmt.Errorf("unknown command: %s", subcommand)
}

// batchRequest carries the command-line choices that are not configuration.
type batchRequest struct {
	json      bool
	uiMode    string
	failSpawn []int
	statuses  bool

	// pollTrace prints every poll and blocking fallback to stdout.
	pollTrace bool

	// delay and outcome, when set, apply to every unit.
	delay   *time.Duration
	outcome task.Outcome
}

// runCommand runs one batch.
func runCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("procpool run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(cfg, fs)
	jsonOut := fs.Bool("json", false, "Print the report as JSON")
	uiMode := fs.String("ui", "", "UI mode (tui for terminal UI)")
	failSpawn := fs.String("fail-spawn", "", "Comma-separated unit indices whose spawn is made to fail")
	statuses := fs.Bool("statuses", false, "List every harvested status in the report")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := applyWorkerCount(cfg, fs.Args()); err != nil {
		return err
	}
	if err := config.Finalize(cfg); err != nil {
		return err
	}
	indices, err := parseIndices(*failSpawn)
	if err != nil {
		return fmt.Errorf("-fail-spawn: %w", err)
	}

	return executeBatch(ctx, cfg, batchRequest{
		json:      *jsonOut,
		uiMode:    *uiMode,
		failSpawn: indices,
		statuses:  *statuses,
	})
}

// pollCommand runs a batch collected by poll-then-block and traces each poll.
func pollCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("procpool poll", flag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(cfg, fs)
	delay := fs.Duration("delay", -1, "Fixed worker delay (default: random below -bound)")
	outcome := fs.String("outcome", "", "Force the outcome (success, fail, crash)")
	jsonOut := fs.Bool("json", false, "Print the report as JSON")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := applyWorkerCount(cfg, fs.Args()); err != nil {
		return err
	}
	cfg.Strategy = string(supervisor.StrategyPoll)
	if err := config.Finalize(cfg); err != nil {
		return err
	}
	if !task.Outcome(*outcome).Valid() {
		return fmt.Errorf("unknown outcome %q (expected success, fail or crash)", *outcome)
	}

	req := batchRequest{
		json:      *jsonOut,
		pollTrace: !*jsonOut,
		outcome:   task.Outcome(*outcome),
	}
	if *delay >= 0 {
		req.delay = delay
	}
	return executeBatch(ctx, cfg, req)
}

// executeBatch wires configuration into a supervisor, runs it and prints the
// report. The run's events are always written to the run log.
func executeBatch(ctx context.Context, cfg *config.Config, req batchRequest) error {
	opts, err := buildOptions(cfg)
	if err != nil {
		return err
	}
	if req.delay != nil || req.outcome != task.OutcomeRandom {
		units, err := opts.BuildUnits()
		if err != nil {
			return err
		}
		for i := range units {
			if req.delay != nil {
				d := *req.delay
				units[i].Delay = &d
			}
			if req.outcome != task.OutcomeRandom {
				units[i].Force = req.outcome
			}
		}
		opts.Units = units
	}

	tui := false
	switch req.uiMode {
	case "":
	case "tui":
		tui = true
	default:
		return fmt.Errorf("unknown ui mode %q (expected tui)", req.uiMode)
	}

	var spawner spawn.Spawner = newSpawner(cfg, tui)
	if len(req.failSpawn) > 0 {
		spawner = spawn.NewFaultySpawner(spawner, req.failSpawn...)
	}

	opts.BatchID = uuid.NewString()
	runLog, err := logging.NewRunLogger(cfg.LogDir, cfg.ProjectRoot, opts.BatchID)
	if err != nil {
		return fmt.Errorf("creating run log: %w", err)
	}
	defer runLog.Close()

	logger := logging.NewLogger(consoleOptions(cfg, "procpool"))
	writers := []logging.LogWriter{runLog.Events()}
	if req.pollTrace && !tui {
		writers = append(writers, pollTracer(stdout))
	}
	run := func(ctx context.Context, events logging.LogWriter) (*supervisor.Report, error) {
		o := opts
		o.Events = logging.NewMultiLogWriter(append(writers, events)...)
		return supervisor.New(spawner, o).Run(ctx)
	}

	var rep *supervisor.Report
	var runErr error
	if tui {
		rep, runErr = ui.RunTUI(ctx, batchSize(opts), run)
	} else {
		rep, runErr = run(ctx, logging.NewConsoleLogWriterWithLogger(logger))
	}
	if rep == nil {
		return runErr
	}

	if err := runLog.WriteReport(rep); err != nil {
		logger.Warn("Could not store report", "err", err)
	}
	logger.Debug("Run logged", "log", runLog.LogPath, "report", runLog.ReportPath())

	if req.json {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else if err := ui.PrintReport(stdout, rep, ui.ReportOptions{Workers: req.statuses}); err != nil {
		return err
	}
	return runErr
}

// buildOptions maps configuration, and the plan file if any, onto batch
// options.
func buildOptions(cfg *config.Config) (supervisor.Options, error) {
	opts := supervisor.DefaultOptions()
	opts.Workers = cfg.Workers
	opts.SuccessProbability = cfg.SuccessProbability
	opts.DurationBound = cfg.DurationBound
	opts.Seed = cfg.Seed
	opts.Policy = supervisor.Policy(cfg.SpawnPolicy)
	opts.Strategy = supervisor.Strategy(cfg.Strategy)
	opts.SpawnRate = cfg.SpawnRate
	opts.Poll.Attempts = cfg.PollAttempts
	opts.Poll.Quantum = cfg.PollQuantum

	if cfg.PlanFile == "" {
		return opts, nil
	}
	p, err := plan.Load(cfg.PlanFile)
	if err != nil {
		return opts, err
	}
	opts.Units = p.WorkUnits(plan.Defaults{
		SuccessProbability: cfg.SuccessProbability,
		DurationBound:      cfg.DurationBound,
		Seed:               cfg.Seed,
	})
	opts.Workers = len(opts.Units)
	return opts, nil
}

func batchSize(opts supervisor.Options) int {
	if len(opts.Units) > 0 {
		return len(opts.Units)
	}
	return opts.Workers
}

// newSpawner returns the spawner for cfg.Mode. Worker output is silenced under
// the TUI so it cannot tear the screen.
func newSpawner(cfg *config.Config, quiet bool) spawn.Spawner {
	level := cfg.LogLevel
	if quiet {
		level = "error"
	}
	if cfg.Mode == config.ModeGoroutine {
		opts := consoleOptions(cfg, "worker")
		opts.Level = logging.ParseLogLevel(level)
		return spawn.NewGoroutineSpawner(logging.NewLogger(opts))
	}

	s := spawn.NewExecSpawner(WorkerCommand)
	s.Binary = cfg.WorkerBinary
	s.Env = []string{
		"PROCPOOL_LOG_LEVEL=" + level,
		"PROCPOOL_LOG_FORMAT=" + cfg.LogFormat,
		"PROCPOOL_LOG_TIMESTAMPS=" + strconv.FormatBool(cfg.LogTimestamps),
	}
	return s
}

func consoleOptions(cfg *config.Config, prefix string) logging.ConsoleLogOptions {
	return logging.ConsoleLogOptions{
		Level:           logging.ParseLogLevel(cfg.LogLevel),
		Formatter:       logging.ParseLogFormatter(cfg.LogFormat),
		ReportTimestamp: cfg.LogTimestamps,
		ReportCaller:    cfg.LogCaller,
		Prefix:          prefix,
		Output:          stderr,
	}
}

// pollTracer prints poll progress the way an operator watching one worker
// wants to read it.
func pollTracer(w io.Writer) logging.LogWriter {
	return logging.LogWriterFunc(func(e logging.LogEvent) error {
		var err error
		switch e.Type {
		case logging.EventPoll:
			state := "finished"
			if e.Running {
				state = "still running"
			}
			_, err = fmt.Fprintf(w, "unit %d: poll %d: %s\n", e.Index, e.Attempt, state)
		case logging.EventBlock:
			_, err = fmt.Fprintf(w, "unit %d: not finished after %d polls, waiting\n", e.Index, e.Attempt)
		case logging.EventHarvest:
			_, err = fmt.Fprintf(w, "unit %d: %s\n", e.Index, e.Outcome)
		}
		return err
	})
}

// workerCommand is the body of a worker child process.
func workerCommand(args []string) error {
	logger := logging.NewLogger(logging.ConsoleLogOptions{
		Level:           logging.ParseLogLevel(os.Getenv("PROCPOOL_LOG_LEVEL")),
		Formatter:       logging.ParseLogFormatter(os.Getenv("PROCPOOL_LOG_FORMAT")),
		ReportTimestamp: os.Getenv("PROCPOOL_LOG_TIMESTAMPS") == "true",
		Prefix:          fmt.Sprintf("worker %d", os.Getpid()),
		Output:          stderr,
	})
	if code := spawn.RunWorker(args, logger); code != task.ExitSuccess {
		return &ExitCodeError{Code: code}
	}
	return nil
}

// tailCommand tails the latest run log, or the run named by the argument.
func tailCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("procpool tail", flag.ContinueOnError)
	fs.SetOutput(stderr)
	follow := fs.Bool("f", false, "Follow the log (like tail -f)")
	fs.BoolVar(follow, "follow", false, "Follow the log (like tail -f)")
	n := fs.Int("n", 0, "Number of lines to show (0 = all)")
	pretty := fs.Bool("pretty", false, "Render events as log lines instead of JSON")

	if err := fs.Parse(args); err != nil {
		return err
	}
	remaining := fs.Args()
	if len(remaining) > 1 {
		return fmt.Errorf("unexpected arguments: %v", remaining[1:])
	}

	logDir, err := logging.FindLogDir(cfg.LogDir, cfg.ProjectRoot)
	if err != nil {
		return fmt.Errorf("finding log directory: %w", err)
	}

	var logPath string
	if len(remaining) == 1 {
		run, err := findRun(logDir, remaining[0])
		if err != nil {
			return err
		}
		logPath = run.LogFile
	} else {
		logPath, err = logging.FindLatestLog(logDir)
		if err != nil {
			return fmt.Errorf("finding latest log: %w", err)
		}
	}
	if logPath == "" {
		fmt.Fprintln(stdout, "No log files found.")
		return nil
	}

	fmt.Fprintf(stdout, "Tailing: %s\n", logPath)
	if *follow {
		fmt.Fprintln(stdout, "(Ctrl+C to stop)")
	}
	fmt.Fprintln(stdout)

	if !*pretty {
		return logging.TailLog(ctx, stdout, logPath, *n, *follow)
	}

	console := logging.NewConsoleLogWriterFromConfig(stdout, "debug", cfg.LogFormat, true, false)
	pr, pw := io.Pipe()
	tailErr := make(chan error, 1)
	go func() {
		err := logging.TailLog(ctx, pw, logPath, *n, *follow)
		pw.CloseWithError(err)
		tailErr <- err
	}()
	_, err = logging.ReplayEvents(pr, console)
	pr.CloseWithError(err)
	if terr := <-tailErr; terr != nil {
		return terr
	}
	return err
}

// findRun resolves a run id or unique run id prefix.
func findRun(logDir, id string) (logging.LogRun, error) {
	runs, err := logging.FindLogRuns(logDir)
	if err != nil {
		return logging.LogRun{}, err
	}
	var matches []logging.LogRun
	for _, run := range runs {
		if run.RunID == id {
			return run, nil
		}
		if strings.HasPrefix(run.RunID, id) {
			matches = append(matches, run)
		}
	}
	switch len(matches) {
	case 0:
		return logging.LogRun{}, fmt.Errorf("no run matches %q", id)
	case 1:
		return matches[0], nil
	default:
		return logging.LogRun{}, fmt.Errorf("run id %q is ambiguous (%d matches)", id, len(matches))
	}
}

// reportSummary is the part of a stored report that ls shows.
type reportSummary struct {
	Requested  int           `json:"requested"`
	Dispatched int           `json:"dispatched"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Elapsed    time.Duration `json:"elapsed"`
	Errors     []string      `json:"errors"`
}

// lsCommand lists stored runs, newest first.
func lsCommand(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("procpool ls", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("n", 10, "Number of runs to show (0 = all)")
	verbose := fs.Bool("v", false, "Show file paths")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	logDir, err := logging.FindLogDir(cfg.LogDir, cfg.ProjectRoot)
	if err != nil {
		return fmt.Errorf("finding log directory: %w", err)
	}
	runs, err := logging.FindLogRuns(logDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(stdout, "No runs found.")
			return nil
		}
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No runs found.")
		return nil
	}
	if *limit > 0 && len(runs) > *limit {
		runs = runs[:*limit]
	}

	headers := []string{"RUN", "WHEN", "DISPATCHED", "SUCCEEDED", "FAILED", "ELAPSED"}
	if *verbose {
		headers = append(headers, "LOG")
	}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		row := []string{run.RunID, run.ModTime.Local().Format(time.DateTime), "-", "-", "-", "-"}
		if sum, err := readSummary(run.Report); err == nil {
			row[2] = fmt.Sprintf("%d/%d", sum.Dispatched, sum.Requested)
			row[3] = strconv.Itoa(sum.Succeeded)
			row[4] = strconv.Itoa(sum.Failed)
			row[5] = sum.Elapsed.Round(time.Millisecond).String()
			if len(sum.Errors) > 0 {
				row[4] += " !"
			}
		}
		if *verbose {
			row = append(row, run.LogFile)
		}
		rows = append(rows, row)
	}
	fmt.Fprintln(stdout, ui.RenderTable(headers, rows))
	return nil
}

func readSummary(path string) (reportSummary, error) {
	var sum reportSummary
	if path == "" {
		return sum, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sum, err
	}
	err = json.Unmarshal(data, &sum)
	return sum, err
}

// configCommand prints the effective configuration and where each key came
// from.
func configCommand(cws *config.ConfigWithSources, args []string) error {
	fs := flag.NewFlagSet("procpool config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	example := fs.Bool("example", false, "Print an example config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *example {
		fmt.Fprint(stdout, config.ExampleConfig)
		return nil
	}

	if len(cws.Files) == 0 {
		fmt.Fprintf(stdout, "No config file found (create %s or ./procpool.toml)\n\n", config.UserConfigPath())
	} else {
		fmt.Fprintln(stdout, "Config files:")
		for _, f := range cws.Files {
			fmt.Fprintf(stdout, "  %s\n", f)
		}
		fmt.Fprintln(stdout)
	}

	rows := make([][]string, 0, len(cws.Sources))
	for _, key := range cws.Keys() {
		rows = append(rows, []string{key, cws.Config.Value(key), string(cws.Sources[key])})
	}
	fmt.Fprintln(stdout, ui.RenderTable([]string{"KEY", "VALUE", "SOURCE"}, rows))
	return nil
}

// versionCommand prints version information.
func versionCommand() error {
	fmt.Fprintf(stdout, "procpool version %s\n", Version)
	return nil
}

// applyWorkerCount reads the optional positional worker count.
func applyWorkerCount(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) > 1 {
		return fmt.Errorf("unexpected arguments: %v", args[1:])
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fmt.Errorf("worker count must be a non-negative integer, got %q", args[0])
	}
	if cfg.PlanFile != "" {
		return fmt.Errorf("worker count %d conflicts with plan file %s", n, cfg.PlanFile)
	}
	cfg.Workers = n
	return nil
}

// parseIndices parses a comma-separated list of 1-based unit indices.
func parseIndices(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid unit index %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// printUsage prints the usage message.
func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "procpool - run a batch of worker processes and harvest every exit status")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  procpool [options] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run [N]        Spawn N workers and collect them (default command)")
	fmt.Fprintln(w, "  poll [N]       Collect by polling each worker, then blocking")
	fmt.Fprintln(w, "  tail [run]     Print the latest (or named) run log")
	fmt.Fprintln(w, "  ls             List stored runs")
	fmt.Fprintln(w, "  config         Show the effective configuration and its sources")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w, "  help           Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global Options:")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run Options (also accept every global option):")
	fmt.Fprintln(w, "  -json            Print the report as JSON")
	fmt.Fprintln(w, "  -ui string       UI mode (tui for terminal UI)")
	fmt.Fprintln(w, "  -fail-spawn list Comma-separated unit indices whose spawn is made to fail")
	fmt.Fprintln(w, "  -statuses        List every harvested status in the report")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Poll Options:")
	fmt.Fprintln(w, "  -delay duration  Fixed worker delay (default: random below -bound)")
	fmt.Fprintln(w, "  -outcome string  Force the outcome (success, fail, crash)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Tail Options:")
	fmt.Fprintln(w, "  -f, -follow      Follow the log (like tail -f)")
	fmt.Fprintln(w, "  -n int           Number of lines to show (0 = all)")
	fmt.Fprintln(w, "  -pretty          Render events as log lines")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ls Options:")
	fmt.Fprintln(w, "  -n int           Number of runs to show (default 10, 0 = all)")
	fmt.Fprintln(w, "  -v               Show file paths")
}
