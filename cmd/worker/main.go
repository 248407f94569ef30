// Command worker is the engine's long-running process: it owns the
// Postgres connection pool, applies migrations, wires the readiness,
// execution, and finalization stages together behind a coordinator, and
// drains a queue of ProcessTask envelopes until told to stop. Wiring
// mirrors the teacher's cmd/appserver entrypoint (flag > env > config
// file precedence, pool sizing, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-network/workflow-engine/internal/config"
	"github.com/r3e-network/workflow-engine/internal/coordinator"
	"github.com/r3e-network/workflow-engine/internal/discovery"
	"github.com/r3e-network/workflow-engine/internal/eventbus"
	"github.com/r3e-network/workflow-engine/internal/executor"
	"github.com/r3e-network/workflow-engine/internal/finalizer"
	"github.com/r3e-network/workflow-engine/internal/logger"
	"github.com/r3e-network/workflow-engine/internal/metrics"
	"github.com/r3e-network/workflow-engine/internal/platform/database"
	"github.com/r3e-network/workflow-engine/internal/platform/migrations"
	"github.com/r3e-network/workflow-engine/internal/queue"
	"github.com/r3e-network/workflow-engine/internal/queue/memqueue"
	"github.com/r3e-network/workflow-engine/internal/queue/redisqueue"
	"github.com/r3e-network/workflow-engine/internal/readiness"
	"github.com/r3e-network/workflow-engine/internal/registry"
	"github.com/r3e-network/workflow-engine/internal/statemachine"
	"github.com/r3e-network/workflow-engine/internal/store/postgres"
	"github.com/r3e-network/workflow-engine/internal/sweeper"
)

func main() {
	flagDSN := flag.String("dsn", "", "Postgres DSN (overrides config file and DATABASE_URL)")
	flagMetricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on, empty disables it")
	flag.Parse()

	if err := run(*flagDSN, *flagMetricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(flagDSN, metricsAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	dsn := resolveDSN(flagDSN, cfg.Database.DSN)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()
	database.Configure(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(ctx, db); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		log.Info("migrations applied")
	}

	store := postgres.New(db)
	readinessEngine := readiness.New(db)
	finder := discovery.New(readinessEngine)

	stepHooks := statemachine.Hooks{
		After: func(entityID int64, from, to string) {
			log.WithFields(map[string]interface{}{"workflow_step_id": entityID, "from": from, "to": to}).Debug("step transitioned")
		},
	}
	taskHooks := statemachine.Hooks{
		After: func(entityID int64, from, to string) {
			log.WithFields(map[string]interface{}{"task_id": entityID, "from": from, "to": to}).Info("task transitioned")
		},
	}
	stepMachine := statemachine.NewStepMachine(db, stepHooks)
	taskMachine := statemachine.NewTaskMachine(db, taskHooks)

	handlers := registry.New()
	registerHandlers(handlers)

	execCfg := executor.Config{
		MaxConcurrentSteps: cfg.Executor.MaxConcurrentStepsPerTask,
		HandlerTimeout:     time.Duration(cfg.Executor.HandlerTimeoutSeconds) * time.Second,
	}
	exec := executor.New(stepMachine, handlers, store, log, execCfg)

	publisher, consumer, closeQueue, err := buildQueue(cfg.Queue)
	if err != nil {
		return fmt.Errorf("build queue transport: %w", err)
	}
	defer closeQueue()

	events := eventbus.New()
	events.OnStepEvent(func(ev eventbus.StepEvent) {
		log.WithFields(map[string]interface{}{
			"task_id": ev.TaskID, "workflow_step_id": ev.WorkflowStepID, "named_step_id": ev.NamedStepID,
			"from": ev.From, "to": ev.To,
		}).Debug("step event")
	})
	events.OnTaskEvent(func(ev eventbus.TaskEvent) {
		log.WithFields(map[string]interface{}{"task_id": ev.TaskID, "from": ev.From, "to": ev.To}).Info("task event")
	})
	exec.SetEventBus(events)

	fin := finalizer.New(readinessEngine, taskMachine, publisher, db, log)
	fin.SetEventBus(events)
	coord := coordinator.New(finder, exec, fin, store, log)

	var sweep *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		sweep = sweeper.New(store, publisher, log)
		if err := sweep.Start(ctx, cfg.Sweeper.Schedule); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		log.WithField("addr", metricsAddr).Info("metrics server listening")
	}

	log.Info("worker started, draining process-task queue")
	consumeLoop(ctx, consumer, coord, log)

	log.Info("shutdown signal received, draining in-flight work")
	if sweep != nil {
		sweep.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// consumeLoop pulls ProcessTask envelopes until ctx is cancelled, handing
// each one to the coordinator. Only cancellation of ctx ends the loop;
// any other consumer error is logged and retried after a short pause
// rather than killing the worker.
func consumeLoop(ctx context.Context, consumer queue.Consumer, coord *coordinator.Coordinator, log *logger.Logger) {
	for {
		envelope, err := consumer.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("consume process-task envelope failed, retrying")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		if wait := time.Until(envelope.NotBeforeTime); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}

		outcome, err := coord.Process(ctx, envelope.TaskID)
		fields := log.WithFields(map[string]interface{}{
			"task_id": envelope.TaskID,
			"reason":  envelope.Reason,
			"outcome": outcome,
		})
		if err != nil {
			fields.WithError(err).Error("task processing failed")
			continue
		}
		fields.Debug("task processed")
	}
}

// registerHandlers is the extension point where step handler
// implementations for named steps get wired into the registry. The
// engine ships no built-in business-logic handlers; deployments register
// their own before calling run.
func registerHandlers(handlers *registry.Registry) {
	_ = handlers
}

func buildQueue(cfg config.QueueConfig) (queue.Publisher, queue.Consumer, func(), error) {
	switch cfg.Driver {
	case "redis":
		q := redisqueue.New(redisqueue.Config{
			Addr:    cfg.RedisAddr,
			DB:      cfg.RedisDB,
			ListKey: cfg.ListKey,
		})
		return q, q, func() { _ = q.Close() }, nil
	case "memory", "":
		q := memqueue.New(0)
		return q, q, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

func resolveDSN(flagDSN, configDSN string) string {
	if flagDSN != "" {
		return flagDSN
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	return configDSN
}
