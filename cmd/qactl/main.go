// Command qactl bundles operational helpers for the QA engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/esgqa/qa-engine/cmd/qactl/cli"
	"github.com/esgqa/qa-engine/internal/app"
)

const usage = `usage: qactl <command> [flags]

commands:
  schema validate   load the data point registry and list what it declares
  jobs stats        show the notification queue
  jobs backfill     enqueue a notification backfill now
  jobs requeue      move archived notification sends back to pending
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	switch args[0] + " " + args[1] {
	case "schema validate":
		fs := flag.NewFlagSet("schema validate", flag.ContinueOnError)
		path := fs.String("path", "config/schema.yaml", "registry file")
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		return cli.ValidateSchemaCommand(cli.SchemaValidateOptions{Path: *path, JSONOutput: *asJSON})
	case "jobs stats", "jobs backfill", "jobs requeue":
		cfg, err := app.LoadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 1
		}
		jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
		defer func() { _ = jobsCLI.Close() }()
		return runJobs(ctx, jobsCLI, args[1])
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func runJobs(ctx context.Context, c *cli.JobsCLI, cmd string) int {
	var (
		out any
		err error
	)
	switch cmd {
	case "stats":
		out, err = c.InspectQueue(ctx)
	case "backfill":
		info, enqueueErr := c.TriggerBackfill(ctx)
		if enqueueErr == nil {
			out = map[string]string{"taskId": info.ID, "queue": info.Queue}
		}
		err = enqueueErr
	case "requeue":
		var n int
		n, err = c.RequeueArchived(ctx)
		out = map[string]int{"requeued": n}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs %s: %v\n", cmd, err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	return 0
}
