// File: cmd/relay-worker/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// relay-worker is started by relayd with its transfer channel on stdin. It
// answers every connection it receives and exits when relayd goes away.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/momentics/hioload-relay/affinity"
	"github.com/momentics/hioload-relay/control"
	"github.com/momentics/hioload-relay/internal/ipc"
	"github.com/momentics/hioload-relay/internal/logging"
	"github.com/momentics/hioload-relay/internal/worker"
)

func main() {
	logging.ConfigureRuntime()
	log := logging.New("relay-worker")

	wc, err := control.LoadWorkerEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("worker environment")
	}
	ch, err := ipc.Open(int(os.Stdin.Fd()))
	if err != nil {
		log.Fatal().Err(err).Msg("open channel on stdin")
	}

	cfg := worker.Config{
		Index:        wc.Index,
		ReadBuffer:   wc.ReadBuffer,
		DrainTimeout: wc.DrainTimeout,
		PinCPU:       -1,
	}
	if wc.PinCPU {
		cfg.PinCPU = affinity.CPUFor(wc.Index)
	}
	w, err := worker.New(cfg, ch, log)
	if err != nil {
		log.Fatal().Err(err).Msg("create worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = w.Run(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("worker stopped with error")
		os.Exit(1)
	}
}
