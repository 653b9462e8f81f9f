// ABOUTME: CLI entrypoint for the maru automation backend with run, validate, and server modes.
// ABOUTME: Wires together the pipeline engine, demo skills, LLM transformer, run store, and signal handling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maru-assistant/maru/llm"
	"github.com/maru-assistant/maru/pipeline"
	"github.com/maru-assistant/maru/skills"
	"github.com/maru-assistant/maru/store"
	"github.com/maru-assistant/maru/web"
)

var version = "dev"

// config holds all CLI configuration parsed from flags, the config file, and
// positional arguments.
type config struct {
	serverMode   bool
	validateOnly bool
	addr         string
	dbPath       string
	configFile   string
	userID       string
	runContext   string
	model        string
	baseURL      string
	retryPolicy  string
	verbose      bool
	showVersion  bool
	pipelineFile string
}

func main() {
	loadDotEnv(".env")

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("maru %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("maru", flag.ContinueOnError)
	fs.BoolVar(&cfg.serverMode, "server", false, "Start HTTP server mode")
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Validate pipeline without executing")
	fs.StringVar(&cfg.addr, "addr", "", "Server listen address (default: 127.0.0.1:2496)")
	fs.StringVar(&cfg.dbPath, "db", "", "Path to the run database (default: maru.db)")
	fs.StringVar(&cfg.configFile, "config", "", "Path to a YAML config file (default: maru.yaml if present)")
	fs.StringVar(&cfg.userID, "user", "", "User ID owning the run's side effects")
	fs.StringVar(&cfg.runContext, "ctx", "", "Run context as a JSON object, resolvable as $ctx.<path>")
	fs.StringVar(&cfg.model, "model", "", "Model for llm_transform nodes")
	fs.StringVar(&cfg.baseURL, "base-url", "", "Custom API base URL for the LLM provider")
	fs.StringVar(&cfg.retryPolicy, "retry", "", "Default retry policy: none, standard")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		printHelp(os.Stderr, version)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if fs.NArg() > 0 {
		cfg.pipelineFile = fs.Arg(0)
	}

	return cfg
}

// run dispatches to the appropriate mode based on the config.
// Returns an exit code: 0 for success, 1 for failure.
func run(cfg config) int {
	fc, err := loadConfigFile(cfg.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	cfg.applyFile(fc)

	if cfg.serverMode {
		return runServer(cfg)
	}

	if cfg.pipelineFile == "" {
		printHelp(os.Stderr, version)
		return 0
	}

	if cfg.validateOnly {
		return validatePipeline(cfg)
	}

	return runPipeline(cfg)
}

// buildEngine assembles the engine from the demo skill set plus the LLM
// transformer when an API key is available.
func buildEngine(cfg config) (*pipeline.Engine, *skills.Registry) {
	backend := skills.NewMemoryBackend()
	reg := skills.DemoRegistry(backend)

	engineCfg := pipeline.EngineConfig{
		Skills:         reg,
		Compensator:    reg,
		WriteAllowlist: reg.WriteAllowlist(),
		DefaultRetry:   retryPolicyFromName(cfg.retryPolicy),
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		engineCfg.Transformer = llm.NewTransformer(llm.TransformerConfig{
			APIKey:  apiKey,
			Model:   cfg.model,
			BaseURL: cfg.baseURL,
		})
	} else if cfg.verbose {
		fmt.Fprintln(os.Stderr, "note: OPENAI_API_KEY not set, llm_transform nodes will fail")
	}

	if cfg.verbose {
		engineCfg.EventHandler = verboseEventHandler
	}

	return pipeline.NewEngine(engineCfg), reg
}

// retryPolicyFromName maps a policy name to its preset. Unknown names fall
// back to none.
func retryPolicyFromName(name string) pipeline.RetryPolicy {
	switch name {
	case "standard":
		return pipeline.RetryPolicyStandard()
	default:
		return pipeline.RetryPolicyNone()
	}
}

// verboseEventHandler prints engine events to stderr as they happen.
func verboseEventHandler(evt pipeline.EngineEvent) {
	if evt.NodeID != "" {
		fmt.Fprintf(os.Stderr, "[%s] %s %s\n", evt.RunID, evt.Type, evt.NodeID)
		return
	}
	fmt.Fprintf(os.Stderr, "[%s] %s\n", evt.RunID, evt.Type)
}

// validatePipeline parses and validates a pipeline document without running it.
func validatePipeline(cfg config) int {
	doc, ok := readDocument(cfg.pipelineFile)
	if !ok {
		return 1
	}

	_, reg := buildEngine(cfg)
	diags := pipeline.Validate(doc, pipeline.ValidateOptions{WriteAllowlist: reg.WriteAllowlist()})

	failed := false
	for _, d := range diags {
		fmt.Printf("%s [%s] %s", d.Severity, d.Rule, d.Message)
		if d.Fix != "" {
			fmt.Printf(" (fix: %s)", d.Fix)
		}
		fmt.Println()
		if d.Severity == pipeline.SeverityError {
			failed = true
		}
	}
	if failed {
		return 1
	}
	fmt.Println("Pipeline is valid.")
	return 0
}

// runPipeline reads a pipeline document, executes it, persists the terminal
// record, and prints the outcome.
func runPipeline(cfg config) int {
	doc, ok := readDocument(cfg.pipelineFile)
	if !ok {
		return 1
	}

	var runCtx map[string]any
	if cfg.runContext != "" {
		if err := json.Unmarshal([]byte(cfg.runContext), &runCtx); err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid -ctx JSON: %v\n", err)
			return 1
		}
	}

	engine, _ := buildEngine(cfg)

	runs, err := store.Open(cfg.dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = runs.Close() }()

	// Signal handling for graceful cancellation, plus the document's own
	// run deadline.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if doc.Limits.PipelineTimeoutSec > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(doc.Limits.PipelineTimeoutSec)*time.Second)
		defer tcancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	result, runErr := engine.Run(ctx, doc, pipeline.RunOptions{
		UserID:  cfg.userID,
		Context: runCtx,
	})

	if result != nil {
		if err := runs.SaveRun(result, cfg.userID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not persist run record: %v\n", err)
		}
	}

	if runErr != nil {
		printFailure(runErr, result)
		return 1
	}

	fmt.Printf("Run %s completed.\n", result.PipelineRunID)
	fmt.Printf("Nodes: %d, tool calls: %d", len(result.NodeRuns), result.ToolCalls)
	if result.IdempotentSuccessReuseCount > 0 {
		fmt.Printf(", idempotent reuses: %d", result.IdempotentSuccessReuseCount)
	}
	fmt.Println()

	out, err := json.MarshalIndent(result.Artifacts, "", "  ")
	if err == nil {
		fmt.Println(string(out))
	}
	return 0
}

// printFailure renders a terminal failure with its error code and, when
// relevant, the compensation outcome the operator needs to know about.
func printFailure(runErr error, result *pipeline.RunResult) {
	fail := pipeline.AsFailure(runErr)
	if fail == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return
	}

	fmt.Fprintf(os.Stderr, "error: [%s] %s\n", fail.Code, fail.Reason)
	if fail.FailedStep != "" {
		fmt.Fprintf(os.Stderr, "  failed step: %s\n", fail.FailedStep)
	}
	if fail.FailedItemRef != "" {
		fmt.Fprintf(os.Stderr, "  failed item: %s\n", fail.FailedItemRef)
	}
	if fail.CompensationStatus != "" && fail.CompensationStatus != pipeline.CompensationNotRequired {
		fmt.Fprintf(os.Stderr, "  compensation: %s\n", fail.CompensationStatus)
	}
	if result != nil {
		for _, ce := range result.CompensationEvents {
			fmt.Fprintf(os.Stderr, "    %s (%s): %s\n", ce.NodeID, ce.SkillName, ce.Status)
		}
	}
}

// runServer starts the HTTP API server.
func runServer(cfg config) int {
	engine, reg := buildEngine(cfg)

	runs, err := store.Open(cfg.dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = runs.Close() }()

	srv, err := web.NewServer(web.ServerConfig{
		Addr:   cfg.addr,
		Engine: engine,
		Runs:   runs,
		Skills: reg,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Printf("maru %s listening on %s\n", version, cfg.addr)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// readDocument loads and parses a pipeline document file.
func readDocument(path string) (*pipeline.Document, bool) {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, false
	}
	doc, err := pipeline.ParseDocument(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, false
	}
	return doc, true
}
