// ABOUTME: Help display for the maru CLI with grouped flags, examples, and environment status.
// ABOUTME: Provides printHelp for usage output and envStatus for API key detection.
package main

import (
	"fmt"
	"io"
	"os"
)

// printHelp writes a formatted help message to w, including usage patterns,
// grouped flags, examples, and environment status.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "maru %s — personal automation pipeline runner\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  maru <pipeline.json>                Run a pipeline")
	fmt.Fprintln(w, "  maru -validate <pipeline.json>      Validate without executing")
	fmt.Fprintln(w, "  maru -server [-addr 127.0.0.1:2496] Start HTTP API server")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Run Flags:")
	fmt.Fprintln(w, "  -user <id>            User ID owning the run's side effects")
	fmt.Fprintln(w, "  -ctx <json>           Run context object, resolvable as $ctx.<path>")
	fmt.Fprintln(w, "  -retry <policy>       none, standard (default: none)")
	fmt.Fprintln(w, "  -model <name>         Model for llm_transform nodes")
	fmt.Fprintln(w, "  -base-url <url>       Custom API base URL for the LLM provider")
	fmt.Fprintln(w, "  -db <path>            Run database path (default: maru.db)")
	fmt.Fprintln(w, "  -verbose              Print engine events as they happen")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Other:")
	fmt.Fprintln(w, "  -config <path>        YAML config file (default: maru.yaml if present)")
	fmt.Fprintln(w, "  -validate             Validate pipeline without executing")
	fmt.Fprintln(w, "  -version              Print version and exit")
	fmt.Fprintln(w, "  -help                 Show this help")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  maru examples/daily_plan.json -user alice")
	fmt.Fprintln(w, "  maru -validate my_pipeline.json")
	fmt.Fprintln(w, "  maru -server -addr 0.0.0.0:8080")
	fmt.Fprintln(w, `  maru -ctx '{"mode":"prod"}' examples/triage.json`)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  OPENAI_API_KEY        %s\n", envStatus("OPENAI_API_KEY"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  An API key is required only for pipelines with llm_transform nodes.")
}

// envStatus returns "[set]" if the named environment variable is non-empty,
// or "[not set]" otherwise.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}
