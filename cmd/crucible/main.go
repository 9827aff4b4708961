package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/env"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/sched"
	"github.com/seantiz/crucible/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"scripts_dir", cfg.ScriptsDir,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// Executions left pending or running by a previous process are dead;
	// the process that owned them is gone.
	swept, err := db.FailStaleExecutions(context.Background(), "interrupted by server restart")
	if err != nil {
		log.Fatalf("failed to sweep stale executions: %v", err)
	}
	if swept > 0 {
		logger.Warn("swept stale executions from previous run", "count", swept)
	}

	envs := env.New(cfg.ScriptsDir, cfg.PythonBin, logger)
	eng := engine.New(db, envs, runner.New(logger), logger, cfg.RunTimeout)

	schedCtx, stopSched := context.WithCancel(context.Background())
	scheduler := sched.New(db, eng, logger, cfg.TickInterval)
	go scheduler.Run(schedCtx)

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)
	if err := srv.Run(); err != nil {
		stopSched()
		log.Fatalf("server error: %v", err)
	}

	// Stop firing new runs, then let in-flight runs reach a terminal state.
	stopSched()
	eng.Wait()
}
