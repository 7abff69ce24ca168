// taskctl - operator CLI for the dispatch control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/dispatch/internal/application/dispatch"
	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/infrastructure/broker"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	"github.com/taskmesh/dispatch/internal/infrastructure/storage"
)

func newCLIBroker(redisURL string, log *logger.Logger) (*broker.RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	consumerName := fmt.Sprintf("taskctl-%s", uuid.New().String()[:8])
	return broker.NewRedisBroker(client, consumerName, log), nil
}

const usage = `taskctl - dispatch control plane operator CLI

USAGE:
    taskctl <command> [options]

COMMANDS:
    tasks requeue-stale    Requeue assigned/running tasks no worker reported back on
    tasks reset-all        Reset every assigned/running task to pending (emergency use)
    worker enable <id>     Re-enable a worker for dispatch
    worker disable <id>    Stop a worker from receiving new tasks
    execution show <id>    Print an execution's lineage and status
    distribute             Run one dispatch pass immediately
    queue purge <uuid>     Discard every queued task for a worker's blocked queue
    version                Show version information
    help                   Show this help message

TASKS REQUEUE-STALE OPTIONS:
    -older-than <duration>   Age past which an assigned/running task is stale (default: 1h)

CONNECTION:
    DISPATCH_DATABASE_URL   Postgres DSN (required for all commands except help/version and queue purge)
    DISPATCH_REDIS_URL      Redis URL (required for distribute and queue purge)

EXAMPLES:
    taskctl tasks requeue-stale -older-than 30m
    taskctl worker disable 3fa85f64-5717-4562-b3fc-2c963f66afa6
    taskctl execution show 3fa85f64-5717-4562-b3fc-2c963f66afa6
    taskctl queue purge 3fa85f64-5717-4562-b3fc-2c963f66afa6
`

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	godotenv.Load()

	switch os.Args[1] {
	case "tasks":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: tasks command requires a subcommand (requeue-stale, reset-all)")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "requeue-stale":
			handleRequeueStale(os.Args[3:])
		case "reset-all":
			handleResetAll(os.Args[3:])
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown tasks subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}

	case "worker":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Error: worker command requires a subcommand and id (enable, disable)")
			os.Exit(1)
		}
		handleWorkerEnable(os.Args[2], os.Args[3])

	case "execution":
		if len(os.Args) < 4 || os.Args[2] != "show" {
			fmt.Fprintln(os.Stderr, "Error: usage: taskctl execution show <id>")
			os.Exit(1)
		}
		handleExecutionShow(os.Args[3])

	case "distribute":
		handleDistribute()

	case "queue":
		if len(os.Args) < 4 || os.Args[2] != "purge" {
			fmt.Fprintln(os.Stderr, "Error: usage: taskctl queue purge <worker-uuid>")
			os.Exit(1)
		}
		handleQueuePurge(os.Args[3])

	case "version":
		fmt.Printf("taskctl v%s\n", version)

	case "help", "-h", "--help":
		fmt.Print(usage)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func connectDB() (*storage.Config, string) {
	dsn := os.Getenv("DISPATCH_DATABASE_URL")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "Error: DISPATCH_DATABASE_URL environment variable is required")
		os.Exit(1)
	}
	return &storage.Config{
		DSN:             dsn,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, dsn
}

func handleRequeueStale(args []string) {
	fs := flag.NewFlagSet("tasks requeue-stale", flag.ExitOnError)
	olderThan := fs.Duration("older-than", time.Hour, "Age past which an assigned/running task is stale")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, _ := connectDB()
	db, err := storage.NewDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer storage.Close(db)

	taskRepo := storage.NewTaskRepository(db)
	workerRepo := storage.NewWorkerRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stale, err := taskRepo.FindStale(ctx, *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to find stale tasks: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Stale tasks found: %d\n", len(stale))

	for _, t := range stale {
		workerID := t.WorkerID
		if err := taskRepo.Requeue(ctx, t.ID); err != nil {
			fmt.Printf("  %s: requeue failed: %v\n", t.ID, err)
			continue
		}
		if workerID != nil {
			if err := workerRepo.AdjustCurrentTasks(ctx, *workerID, -1); err != nil {
				fmt.Printf("  %s: requeued, but failed to release worker load: %v\n", t.ID, err)
				continue
			}
		}
		fmt.Printf("  %s: requeued to pending\n", t.ID)
	}
}

func handleResetAll(args []string) {
	fs := flag.NewFlagSet("tasks reset-all", flag.ExitOnError)
	confirm := fs.Bool("yes", false, "Confirm the reset (required)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if !*confirm {
		fmt.Fprintln(os.Stderr, "Error: this resets every assigned/running task in the database. Pass -yes to confirm.")
		os.Exit(1)
	}

	cfg, _ := connectDB()
	db, err := storage.NewDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer storage.Close(db)

	taskRepo := storage.NewTaskRepository(db)
	workerRepo := storage.NewWorkerRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stale, err := taskRepo.FindStale(ctx, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to find in-flight tasks: %v\n", err)
		os.Exit(1)
	}

	released := map[uuid.UUID]bool{}
	for _, t := range stale {
		if err := taskRepo.Requeue(ctx, t.ID); err != nil {
			fmt.Printf("  %s: requeue failed: %v\n", t.ID, err)
			continue
		}
		if t.WorkerID != nil && !released[*t.WorkerID] {
			if err := workerRepo.AdjustCurrentTasks(ctx, *t.WorkerID, -1); err == nil {
				released[*t.WorkerID] = true
			}
		}
	}
	fmt.Printf("Reset %d task(s) to pending\n", len(stale))
}

func handleWorkerEnable(subcommand, idArg string) {
	enabled := subcommand == "enable"
	if !enabled && subcommand != "disable" {
		fmt.Fprintf(os.Stderr, "Error: unknown worker subcommand: %s\n", subcommand)
		os.Exit(1)
	}

	workerID, err := uuid.Parse(idArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid worker id: %v\n", err)
		os.Exit(1)
	}

	cfg, _ := connectDB()
	db, err := storage.NewDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer storage.Close(db)

	workerRepo := storage.NewWorkerRepository(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := workerRepo.SetEnabled(ctx, workerID, enabled); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to update worker: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Worker %s enabled=%v\n", workerID, enabled)
}

func handleExecutionShow(idArg string) {
	execID, err := uuid.Parse(idArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid execution id: %v\n", err)
		os.Exit(1)
	}

	cfg, _ := connectDB()
	db, err := storage.NewDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer storage.Close(db)

	executionRepo := storage.NewExecutionRepository(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec, err := executionRepo.FindByIDWithRelations(ctx, execID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load execution: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ID:       %s\n", exec.ID)
	fmt.Printf("Kind:     %s\n", exec.Kind)
	fmt.Printf("Status:   %s\n", exec.Status)
	if exec.ParentID != nil {
		fmt.Printf("Parent:   %s\n", *exec.ParentID)
	}
	if exec.PlanID != nil {
		fmt.Printf("Plan:     %s\n", *exec.PlanID)
	}
	if exec.ScriptID != nil {
		fmt.Printf("Script:   %s\n", *exec.ScriptID)
	}
	fmt.Printf("Children: %d\n", len(exec.Children))
	for _, child := range exec.Children {
		fmt.Printf("  - %s (%s)\n", child.ID, child.Status)
	}
}

func handleDistribute() {
	cfg, _ := connectDB()
	db, err := storage.NewDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer storage.Close(db)

	appLogger := logger.New(config.LoggingConfig{Level: "info", Format: "json"})

	executionRepo := storage.NewExecutionRepository(db)
	taskRepo := storage.NewTaskRepository(db)
	workerRepo := storage.NewWorkerRepository(db)

	redisURL := os.Getenv("DISPATCH_REDIS_URL")
	if redisURL == "" {
		fmt.Fprintln(os.Stderr, "Error: DISPATCH_REDIS_URL environment variable is required for distribute")
		os.Exit(1)
	}

	broker, err := newCLIBroker(redisURL, appLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to broker: %v\n", err)
		os.Exit(1)
	}
	defer broker.Close()

	dispatcher := dispatch.New(executionRepo, taskRepo, workerRepo, broker, appLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bound, err := dispatcher.Dispatch(ctx, dispatch.DefaultDispatchLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: dispatch pass failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Bound %d task(s)\n", bound)
}

// handleQueuePurge discards every entry queued for a worker. Grounded
// on the operator `clear_queue` tool: a worker wedged on a poison
// message needs its queue emptied out-of-band rather than drained one
// nack at a time.
func handleQueuePurge(workerUUIDArg string) {
	if _, err := uuid.Parse(workerUUIDArg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid worker uuid: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(config.LoggingConfig{Level: "info", Format: "json"})

	redisURL := os.Getenv("DISPATCH_REDIS_URL")
	if redisURL == "" {
		fmt.Fprintln(os.Stderr, "Error: DISPATCH_REDIS_URL environment variable is required for queue purge")
		os.Exit(1)
	}

	b, err := newCLIBroker(redisURL, appLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to broker: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	removed, err := b.Purge(ctx, workerUUIDArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: purge failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Purged %d queued task(s) for worker %s\n", removed, workerUUIDArg)
}
