// ABOUTME: CLI entrypoint for tusk with run, validate and server modes.
// ABOUTME: Loads .env and config, wires the engine and handles signals for graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389-research/tusk/ambiance"
	"github.com/2389-research/tusk/config"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/plan"
)

var version = "dev"

// options holds everything parsed from flags and positional arguments.
type options struct {
	serverMode   bool
	validateOnly bool
	configFile   string
	bind         string
	storeDriver  string
	storeDSN     string
	eventLog     string
	account      string
	verbose      bool
	showVersion  bool
	planFile     string
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("tusk %s\n", version)
		os.Exit(0)
	}
	os.Exit(run(opts, os.Stdout, os.Stderr))
}

// parseFlags parses command-line flags into options.
func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("tusk", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.serverMode, "server", false, "Start the operator HTTP API")
	fs.BoolVar(&opts.validateOnly, "validate", false, "Validate the plan document without executing it")
	fs.StringVar(&opts.configFile, "config", "", "YAML config file (env: TUSK_CONFIG)")
	fs.StringVar(&opts.bind, "bind", "", "Server listen address (overrides config)")
	fs.StringVar(&opts.storeDriver, "store", "", "Store driver: memory, sqlite, postgres (overrides config)")
	fs.StringVar(&opts.storeDSN, "dsn", "", "Store DSN: sqlite file path or postgres URL (overrides config)")
	fs.StringVar(&opts.eventLog, "event-log", "", "Append lifecycle events to this JSONL file (overrides config)")
	fs.StringVar(&opts.account, "account", "", "Account id recorded in the run's ambiance")
	fs.BoolVar(&opts.verbose, "verbose", false, "Log every lifecycle event")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.Usage = func() { printHelp(stderr, version) }

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		opts.planFile = fs.Arg(0)
	}
	return opts, nil
}

// loadConfig reads the config file, the environment and any .env files,
// then applies flag overrides.
func loadConfig(opts options, env *config.Env) (config.Config, error) {
	path := opts.configFile
	if path == "" {
		path, _ = env.Lookup("TUSK_CONFIG")
	}
	cfg, err := config.LoadWithEnv(path, env.Lookup)
	if err != nil {
		return config.Config{}, err
	}
	if opts.bind != "" {
		cfg.Bind = opts.bind
	}
	if opts.storeDriver != "" {
		cfg.Store.Driver = opts.storeDriver
	}
	if opts.storeDSN != "" {
		cfg.Store.DSN = opts.storeDSN
	}
	if opts.eventLog != "" {
		cfg.EventLog = opts.eventLog
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// run dispatches to the selected mode and returns the process exit code.
func run(opts options, stdout, stderr io.Writer) int {
	if opts.validateOnly {
		return validatePlan(opts, stdout, stderr)
	}
	if !opts.serverMode && opts.planFile == "" {
		printHelp(stderr, version)
		return 0
	}

	cfg, err := loadConfig(opts, config.DiscoverEnv())
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	if opts.serverMode {
		return runServer(ctx, cfg, opts, stderr)
	}
	return runPlan(ctx, cfg, opts, stdout, stderr)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func validatePlan(opts options, stdout, stderr io.Writer) int {
	if opts.planFile == "" {
		fmt.Fprintln(stderr, "error: -validate needs a plan file")
		return 2
	}
	p, err := plan.LoadFile(opts.planFile)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	cfg := config.Default()
	cfg.Metrics = false
	a, err := newApp(context.Background(), cfg, false)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()
	if err := a.engine.Preflight(p); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "plan %s is valid (%d nodes, start %s)\n", p.ID, len(p.Nodes), p.StartNodeID)
	return 0
}

// runPlan executes a plan document until it finishes or the process is interrupted.
func runPlan(ctx context.Context, cfg config.Config, opts options, stdout, stderr io.Writer) int {
	p, err := plan.LoadFile(opts.planFile)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	a, err := newApp(ctx, cfg, opts.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	pe, err := a.engine.StartPlan(ctx, p, ambiance.New(opts.account, "", ""))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "started plan execution %s\n", pe.ID)

	done, err := a.engine.AwaitPlan(ctx, pe.ID)
	if err != nil {
		fmt.Fprintf(stderr, "plan execution %s interrupted: %v\n", pe.ID, err)
		if abortErr := a.engine.Abort(context.Background(), pe.ID); abortErr != nil && !errors.Is(abortErr, execution.ErrStale) {
			fmt.Fprintf(stderr, "error: abort: %v\n", abortErr)
		}
		return 1
	}
	a.engine.Wait()

	nes, err := a.engine.NodeExecutions(context.Background(), pe.ID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	printSummary(stdout, done, nes)
	if done.Status != execution.PlanSucceeded {
		return 1
	}
	return 0
}

func runServer(ctx context.Context, cfg config.Config, opts options, stderr io.Writer) int {
	a, err := newApp(ctx, cfg, opts.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	httpServer := &http.Server{
		Addr:              cfg.Bind,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(stderr, "listening on %s (store=%s transport=%s)\n", cfg.Bind, cfg.Store.Driver, cfg.Transport.Kind)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
