// Command enginectl is the operator CLI for inspecting and nudging tasks
// directly against Postgres, following the teacher's slcli convention: a
// bare os.Args[1] subcommand switch, one flag.NewFlagSet per subcommand,
// and a printUsage fallback rather than a subcommand framework.
//
// Usage:
//
//	enginectl inspect <task_id> [jsonpath_expr]   - dump or query a task's execution context
//	enginectl retry <workflow_step_id>            - manually return a failed step to pending
//	enginectl resolve <workflow_step_id>          - manually resolve a step (terminal override)
//	enginectl retry-task <task_id>                - operator retries a task stuck in error (§7)
//	enginectl migrate up|down                     - apply or roll back schema migrations
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	jsonpathlib "github.com/PaesslerAG/jsonpath"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tidwall/gjson"

	"github.com/r3e-network/workflow-engine/internal/config"
	pgdatabase "github.com/r3e-network/workflow-engine/internal/platform/database"
	"github.com/r3e-network/workflow-engine/internal/platform/migrations"
	"github.com/r3e-network/workflow-engine/internal/readiness"
	"github.com/r3e-network/workflow-engine/internal/statemachine"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: load config: %v\n", err)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "migrate":
		cmdMigrate(cfg, args)
		return
	case "help", "-h", "--help":
		printUsage()
		return
	}

	db, err := pgdatabase.Open(ctx, cfg.Database.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch cmd {
	case "inspect":
		cmdInspect(ctx, db, args)
	case "retry":
		cmdRetry(ctx, db, args)
	case "resolve":
		cmdResolve(ctx, db, args)
	case "retry-task":
		cmdRetryTask(ctx, db, args)
	default:
		fmt.Fprintf(os.Stderr, "enginectl: unknown command %q\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`enginectl - workflow engine operator CLI

Usage:
  enginectl <command> [arguments]

Commands:
  inspect <task_id> [jsonpath_expr]   Dump a task's execution context, optionally queried by JSONPath
  retry <workflow_step_id>            Return a failed step to pending (error -> pending; backoff still applies)
  resolve <workflow_step_id>          Manually resolve a step to a terminal state
  retry-task <task_id>                Retry a task stuck in error (error -> pending)
  migrate up|down                     Apply or roll back schema migrations via golang-migrate

Environment:
  DATABASE_DSN                        Postgres connection string`)
}

func cmdInspect(ctx context.Context, db *sql.DB, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: enginectl inspect <task_id> [jsonpath_expr]")
		os.Exit(1)
	}
	taskID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: invalid task_id %q: %v\n", args[0], err)
		os.Exit(1)
	}

	engine := readiness.New(db)
	execCtx, err := engine.TaskExecutionContext(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: %v\n", err)
		os.Exit(1)
	}

	payload, err := json.Marshal(execCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: marshal execution context: %v\n", err)
		os.Exit(1)
	}

	if len(args) < 2 {
		fmt.Println(gjson.Parse(string(payload)).String())
		return
	}

	var generic interface{}
	if err := json.Unmarshal(payload, &generic); err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: unmarshal execution context: %v\n", err)
		os.Exit(1)
	}

	result, err := jsonpathlib.Get(args[1], generic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: jsonpath query %q: %v\n", args[1], err)
		os.Exit(1)
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: marshal query result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func cmdRetry(ctx context.Context, db *sql.DB, args []string) {
	workflowStepID := requireStepID(args, "retry")
	steps := statemachine.NewStepMachine(db, statemachine.Hooks{})
	retried, err := steps.Retry(ctx, workflowStepID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: retry step %d: %v\n", workflowStepID, err)
		os.Exit(1)
	}
	if !retried {
		fmt.Printf("step %d was not eligible for retry (not in a failed state)\n", workflowStepID)
		return
	}
	fmt.Printf("step %d marked retryable\n", workflowStepID)
}

func cmdResolve(ctx context.Context, db *sql.DB, args []string) {
	workflowStepID := requireStepID(args, "resolve")
	steps := statemachine.NewStepMachine(db, statemachine.Hooks{})
	if err := steps.ResolveManually(ctx, workflowStepID, nil); err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: resolve step %d: %v\n", workflowStepID, err)
		os.Exit(1)
	}
	fmt.Printf("step %d manually resolved\n", workflowStepID)
}

// cmdRetryTask is the operator-driven "retry task" path §7 names: a task
// parked in error is not terminal (only complete/cancelled/resolved_manually
// are), so this drives it back to pending and lets the usual queue
// machinery pick its remaining steps back up.
func cmdRetryTask(ctx context.Context, db *sql.DB, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: enginectl retry-task <task_id>")
		os.Exit(1)
	}
	taskID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: invalid task_id %q: %v\n", args[0], err)
		os.Exit(1)
	}

	tasks := statemachine.NewTaskMachine(db, statemachine.Hooks{})
	retried, err := tasks.RetryFromError(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: retry task %d: %v\n", taskID, err)
		os.Exit(1)
	}
	if !retried {
		fmt.Printf("task %d was not eligible for retry (not in error state)\n", taskID)
		return
	}
	fmt.Printf("task %d moved back to pending\n", taskID)
}

func requireStepID(args []string, cmd string) int64 {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: enginectl %s <workflow_step_id>\n", cmd)
		os.Exit(1)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: invalid workflow_step_id %q: %v\n", args[0], err)
		os.Exit(1)
	}
	return id
}

// cmdMigrate drives golang-migrate directly against the same embedded SQL
// migrations.Files() uses for Apply, giving operators explicit up/down
// control instead of the always-forward Apply run at worker boot.
func cmdMigrate(cfg *config.Config, args []string) {
	if len(args) < 1 || (args[0] != "up" && args[0] != "down") {
		fmt.Fprintln(os.Stderr, "usage: enginectl migrate up|down")
		os.Exit(1)
	}

	sourceDriver, err := iofs.New(migrations.Files(), ".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: open migration source: %v\n", err)
		os.Exit(1)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, cfg.Database.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: open migrator: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && err != migrate.ErrNoChange {
		fmt.Fprintf(os.Stderr, "enginectl: migrate %s: %v\n", args[0], err)
		os.Exit(1)
	}
	fmt.Printf("migrate %s: done\n", args[0])
}
