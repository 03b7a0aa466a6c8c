// ABOUTME: Help and run summary output for the tusk CLI.
package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/2389-research/tusk/execution"
)

// printHelp writes usage, grouped flags and environment variables to w.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "tusk %s: resumable pipeline node-execution engine\n", ver)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  tusk [flags] <plan.yaml>       Run a plan document to completion")
	fmt.Fprintln(w, "  tusk -validate <plan.yaml>     Validate a plan document")
	fmt.Fprintln(w, "  tusk -server [-bind addr]      Start the operator HTTP API")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <file>      YAML config file (env: TUSK_CONFIG)")
	fmt.Fprintln(w, "  -store <driver>     memory, sqlite or postgres")
	fmt.Fprintln(w, "  -dsn <dsn>          sqlite file path or postgres URL")
	fmt.Fprintln(w, "  -event-log <file>   Append lifecycle events as JSONL")
	fmt.Fprintln(w, "  -bind <addr>        Server listen address (default 127.0.0.1:7780)")
	fmt.Fprintln(w, "  -account <id>       Account id for the run's ambiance")
	fmt.Fprintln(w, "  -verbose            Log every lifecycle event")
	fmt.Fprintln(w, "  -version            Print version and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  TUSK_BIND, TUSK_ALLOW_REMOTE, TUSK_STORE_DRIVER, TUSK_STORE_DSN, TUSK_EVENT_LOG,")
	fmt.Fprintln(w, "  TUSK_TRANSPORT, TUSK_TRANSPORT_URL, TUSK_CALLBACK_BASE, TUSK_TRANSPORT_WORKERS,")
	fmt.Fprintln(w, "  TUSK_EVENT_BUFFER, TUSK_MAX_NESTING_DEPTH, TUSK_TASK_TIMEOUT, TUSK_METRICS")
	fmt.Fprintln(w, "  Variables are also read from .env files (existing values win).")
}

// printSummary writes the final plan status and one row per node execution.
func printSummary(w io.Writer, pe *execution.PlanExecution, nes []*execution.NodeExecution) {
	fmt.Fprintf(w, "plan execution %s: %s\n", pe.ID, pe.Status)
	if pe.Failure != nil {
		fmt.Fprintf(w, "  reason: %s\n", pe.Failure)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tRETRY\tDURATION\tNOTE")
	for _, ne := range nes {
		var d time.Duration
		if ne.EndedAt != nil {
			d = ne.EndedAt.Sub(ne.StartedAt).Round(time.Millisecond)
		}
		note := ""
		switch {
		case ne.OldRetry:
			note = "retried"
		case ne.Failure != nil && ne.FailureIgnored:
			note = "ignored: " + ne.Failure.String()
		case ne.Failure != nil:
			note = ne.Failure.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", ne.Identifier, ne.Status, ne.RetryCount, d, note)
	}
	tw.Flush()
}
