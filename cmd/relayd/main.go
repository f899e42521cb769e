// File: cmd/relayd/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// relayd accepts TCP connections on the public port and hands each one to a
// relay-worker process, round robin. SIGINT/SIGTERM stop it gracefully.

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/momentics/hioload-relay/control"
	"github.com/momentics/hioload-relay/internal/logging"
	"github.com/momentics/hioload-relay/server"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	workerPath := flag.String("worker", "", "worker executable (overrides config)")
	workers := flag.Int("workers", 0, "pool size, 0 = config or CPU count")
	backlog := flag.Int("backlog", 0, "listen backlog (overrides config)")
	flag.Parse()

	logging.ConfigureRuntime()
	log := logging.New("relayd")

	cfg, err := control.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config")
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *workerPath != "" {
		cfg.WorkerPath = *workerPath
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *backlog > 0 {
		cfg.Backlog = *backlog
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	o, err := server.New(cfg, server.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("create orchestrator")
	}
	n := server.PoolSize(cfg)
	if err := o.StartPool(n); err != nil {
		log.Fatal().Err(err).Int("workers", n).Msg("start pool")
	}
	if err := o.Listen(); err != nil {
		log.Fatal().Err(err).Msg("listen")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = o.Run(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("relayd stopped with error")
		os.Exit(1)
	}
}
