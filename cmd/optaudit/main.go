// Options Snapshot Audit CLI
// This application audits exported option tick snapshots: it validates
// every record against threshold rules, checks session continuity,
// resolves duplicates, applies the repair policy, and emits the
// corrected dataset, the rejected dataset and the audit report.
//
// Usage:
//
//	optaudit audit --input snapshots.csv --out ./artifacts
//	optaudit audit --source duckdb --input export.db --table snapshots
//	optaudit runs --limit 10
//	optaudit init
//
// For detailed help on any command, use: optaudit <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/johnayoung/go-option-audit/internal/audit"
	"github.com/johnayoung/go-option-audit/internal/config"
	autherr "github.com/johnayoung/go-option-audit/internal/errors"
	"github.com/johnayoung/go-option-audit/internal/ingest"
	"github.com/johnayoung/go-option-audit/internal/logger"
	"github.com/johnayoung/go-option-audit/internal/report"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "optaudit"
	ConfigFile = "optaudit.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
	ExitInterrupt   = 130
)

// main is the entry point for the CLI application
func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "audit":
		os.Exit(runAudit(ctx, args))
	case "runs":
		os.Exit(runHistory(ctx, args))
	case "init":
		os.Exit(runInit(args))
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}
}

// runAudit handles the 'audit' command: one full audit run.
func runAudit(ctx context.Context, args []string) int {
	flags, err := parseAuditFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	}
	if flags.Help {
		printCommandHelp("audit")
		return ExitSuccess
	}

	cfg, loggerMgr, code := setup(flags.ConfigPath, flags.apply)
	if code != ExitSuccess {
		return code
	}
	defer loggerMgr.Close()
	log := loggerMgr.GetLogger()

	source, err := buildSource(cfg, loggerMgr)
	if err != nil {
		log.Error("invalid ingest configuration", "error", err)
		return ExitConfigError
	}

	location, err := cfg.Session.Location()
	if err != nil {
		log.Error("invalid session timezone", "error", err)
		return ExitConfigError
	}
	var store report.RunStore
	if cfg.Artifacts.DatabaseURL != "" {
		store = report.NewDuckDBStore(cfg.Artifacts.DatabaseURL, log)
	}
	writer := report.NewWriter(cfg.Artifacts, location, store, log)

	pipeline, err := audit.NewPipeline(cfg, source, writer, loggerMgr)
	if err != nil {
		log.Error("failed to build pipeline", "error", err)
		return ExitConfigError
	}

	result, err := pipeline.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("audit run interrupted")
			return ExitInterrupt
		}
		log.Error("audit run failed",
			"error", err,
			"retryable", autherr.IsRetryable(err))
		return ExitDataError
	}

	fmt.Printf("Audit completed: %d records audited, %d repaired, %d rejected\n",
		result.Report.TotalRecords, result.Report.RecordsRepaired, result.Report.RecordsDropped)
	fmt.Printf("Artifacts written to %s\n\n", cfg.Artifacts.Dir)
	report.RenderSummary(os.Stdout, result)
	return ExitSuccess
}

// runHistory handles the 'runs' command: list persisted run summaries.
func runHistory(ctx context.Context, args []string) int {
	flags, err := parseRunsFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	}
	if flags.Help {
		printCommandHelp("runs")
		return ExitSuccess
	}

	cfg, loggerMgr, code := setup(flags.ConfigPath, nil)
	if code != ExitSuccess {
		return code
	}
	defer loggerMgr.Close()
	log := loggerMgr.GetLogger()

	if cfg.Artifacts.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "Error: no artifact database configured (artifacts.database_url)")
		return ExitConfigError
	}

	store := report.NewDuckDBStore(cfg.Artifacts.DatabaseURL, log)
	runs, err := store.Runs(ctx, flags.Limit)
	if err != nil {
		log.Error("failed to list runs", "error", err)
		return ExitDataError
	}
	if len(runs) == 0 {
		fmt.Println("No audit runs recorded.")
		return ExitSuccess
	}

	for _, run := range runs {
		fmt.Printf("%s  %s  total=%d flagged=%d repaired=%d dropped=%d\n",
			run.GeneratedAt.Format(time.RFC3339), run.RunID,
			run.TotalRecords, run.RecordsFlagged, run.RecordsRepaired, run.RecordsDropped)
	}
	return ExitSuccess
}

// runInit handles the 'init' command: write a default config file.
func runInit(args []string) int {
	path := ConfigFile
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --config requires a value")
				return ExitUsageError
			}
			path = args[i+1]
			i++
		case "--help", "-h":
			printCommandHelp("init")
			return ExitSuccess
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown flag: %s\n", args[i])
			return ExitUsageError
		}
	}

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "Error: %s already exists\n", path)
		return ExitUsageError
	}

	manager := config.NewManager(path, nil)
	if _, err := manager.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build default config: %v\n", err)
		return ExitConfigError
	}
	if err := manager.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to write %s: %v\n", path, err)
		return ExitConfigError
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
	return ExitSuccess
}

// setup loads the configuration and builds the logger manager. apply,
// when non-nil, overlays command-line flags onto the loaded config.
func setup(configPath string, apply func(*config.AppConfig)) (*config.AppConfig, *logger.Manager, int) {
	if configPath == "" {
		configPath = ConfigFile
	}
	manager := config.NewManager(configPath, nil)
	cfg, err := manager.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return nil, nil, ExitConfigError
	}
	if apply != nil {
		apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		return nil, nil, ExitConfigError
	}

	loggerMgr, err := logger.NewManager(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to setup logging: %v\n", err)
		return nil, nil, ExitConfigError
	}
	return cfg, loggerMgr, ExitSuccess
}

// buildSource creates the configured snapshot source.
func buildSource(cfg *config.AppConfig, loggerMgr *logger.Manager) (ingest.SnapshotSource, error) {
	log := loggerMgr.GetLogger()
	switch cfg.Ingest.Source {
	case "csv":
		return ingest.NewCSVSource(cfg.Ingest.Path, log), nil
	case "duckdb":
		timeout, err := time.ParseDuration(cfg.Ingest.QueryTimeout)
		if err != nil {
			timeout = 30 * time.Second
		}
		return ingest.NewDuckDBSource(cfg.Ingest.Path, cfg.Ingest.Table,
			cfg.Ingest.BatchSize, cfg.Ingest.RatePerSec, timeout, log), nil
	default:
		return nil, fmt.Errorf("unsupported ingest source: %s", cfg.Ingest.Source)
	}
}

// AuditFlags represents flags for the audit command
type AuditFlags struct {
	ConfigPath string
	Input      string
	Source     string
	Table      string
	OutDir     string
	Workers    int
	Help       bool
}

// apply overlays the flags onto the loaded configuration.
func (f *AuditFlags) apply(cfg *config.AppConfig) {
	if f.Input != "" {
		cfg.Ingest.Path = f.Input
	}
	if f.Source != "" {
		cfg.Ingest.Source = f.Source
	}
	if f.Table != "" {
		cfg.Ingest.Table = f.Table
	}
	if f.OutDir != "" {
		cfg.Artifacts.Dir = f.OutDir
	}
	if f.Workers > 0 {
		cfg.Audit.WorkerCount = f.Workers
	}
}

// RunsFlags represents flags for the runs command
type RunsFlags struct {
	ConfigPath string
	Limit      int
	Help       bool
}

// parseAuditFlags parses command line arguments for the audit command
func parseAuditFlags(args []string) (*AuditFlags, error) {
	flags := &AuditFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--input", "-i":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--input requires a value")
			}
			flags.Input = args[i+1]
			i++
		case "--source", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--source requires a value")
			}
			source := args[i+1]
			if source != "csv" && source != "duckdb" {
				return nil, fmt.Errorf("invalid source, must be: csv or duckdb")
			}
			flags.Source = source
			i++
		case "--table", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--table requires a value")
			}
			flags.Table = args[i+1]
			i++
		case "--out", "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--out requires a value")
			}
			flags.OutDir = args[i+1]
			i++
		case "--workers", "-w":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--workers requires a value")
			}
			workers, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid workers value: %w", err)
			}
			flags.Workers = workers
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseRunsFlags parses command line arguments for the runs command
func parseRunsFlags(args []string) (*RunsFlags, error) {
	flags := &RunsFlags{
		Limit: 20, // Default limit
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--limit", "-l":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--limit requires a value")
			}
			limit, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid limit value: %w", err)
			}
			flags.Limit = limit
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// printUsage prints the main usage information
func printUsage() {
	fmt.Printf(`%s - Options Snapshot Audit CLI v%s

USAGE:
    %s <command> [options]

COMMANDS:
    audit       Run a full audit over an exported snapshot
    runs        List persisted audit run summaries
    init        Write a default configuration file

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Audit a CSV export and write artifacts to ./artifacts
    %s audit --input snapshots.csv --out ./artifacts

    # Audit a DuckDB export table with 8 workers
    %s audit --source duckdb --input export.db --table snapshots --workers 8

    # List the last 10 persisted runs
    %s runs --limit 10

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (JSON format), see '%s init'
    - Environment variables (e.g., INGEST_PATH, SESSION_TIMEZONE)

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, ConfigFile, AppName, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "audit":
		fmt.Printf(`%s audit - Run a full audit over an exported snapshot

USAGE:
    %s audit [options]

OPTIONS:
    --config, -c <path>    Configuration file (default: %s)
    --input, -i <path>     Snapshot to audit: CSV file or DuckDB database
    --source, -s <source>  Input format: csv or duckdb (default from config)
    --table, -t <table>    Export table name (duckdb source only)
    --out, -o <dir>        Artifact output directory
    --workers, -w <n>      Concurrent group workers
    --help, -h             Show this help message

EXAMPLES:
    # Audit a CSV export with defaults
    %s audit --input snapshots.csv

    # Audit a DuckDB export into a custom artifact directory
    %s audit --source duckdb --input export.db --table snapshots --out ./out

NOTES:
    - On any failure no artifact is written and the exit code is non-zero
    - Artifacts are published atomically; a previous run's artifacts are
      never left half-overwritten
`, AppName, AppName, ConfigFile, AppName, AppName)

	case "runs":
		fmt.Printf(`%s runs - List persisted audit run summaries

USAGE:
    %s runs [options]

OPTIONS:
    --config, -c <path>  Configuration file (default: %s)
    --limit, -l <n>      Maximum runs to list (default: 20)
    --help, -h           Show this help message

NOTES:
    - Requires artifacts.database_url to be configured; runs are only
      persisted when the DuckDB artifact store is enabled
`, AppName, AppName, ConfigFile)

	case "init":
		fmt.Printf(`%s init - Write a default configuration file

USAGE:
    %s init [--config <path>]

OPTIONS:
    --config, -c <path>  Where to write the file (default: %s)
    --help, -h           Show this help message
`, AppName, AppName, ConfigFile)

	default:
		fmt.Fprintf(os.Stderr, "No help available for command: %s\n", command)
		printUsage()
	}
}
