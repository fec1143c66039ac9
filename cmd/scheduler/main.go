// Command scheduler runs one invocation-scheduler worker process: it
// dequeues leased invocations from Postgres, dispatches them to
// registered job handlers, and commits their outcomes.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/invocation-scheduler/internal/examplejobs"
	"github.com/yungbote/invocation-scheduler/internal/schedulerapp"
)

func main() {
	app, err := schedulerapp.New()
	if err != nil {
		log.Fatalf("scheduler: init failed: %v", err)
	}
	defer app.Close()

	if err := examplejobs.RegisterAll(app.Registry); err != nil {
		app.Log.Error("failed to register example jobs", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.Log.Info("scheduler starting", "instance", app.Cfg.InstanceName, "workers", app.Cfg.WorkerCount)

	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		app.Log.Error("scheduler exited with error", "error", err.Error())
		os.Exit(1)
	}

	app.Log.Info("scheduler stopped")
}
