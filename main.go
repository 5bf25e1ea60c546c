// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// pfbd is a userspace daemon exposing remote volumes as generic block devices.
// Block requests are served by a set of reactor threads, translated into
// asynchronous volume submissions and completed back on the thread which
// submitted them. Devices are created from the configuration file at startup
// and managed at runtime through a JSON-RPC server.
//
// Project structure is following:
//
// - internal/thread, internal/iodev and internal/bdev form the block layer:
// reactor threads, per-thread resource channels and the generic device
// registry with its request path.
//
// - internal/pfbd is the block device module on top of remote volumes.
//
// - internal/volume contains the volume client and its storage backends. The
// backends register themselves when their package is imported.
//
// - internal/rpc is the management plane, cmd/pfbdctl its command line client.
//
// - internal/config contains the daemon configuration.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/pfbd/internal/bdev"
	"github.com/asch/pfbd/internal/config"
	"github.com/asch/pfbd/internal/metrics"
	"github.com/asch/pfbd/internal/pfbd"
	"github.com/asch/pfbd/internal/rpc"
	"github.com/asch/pfbd/internal/thread"
	"github.com/asch/pfbd/internal/volume"
	_ "github.com/asch/pfbd/internal/volume/bolt"
	_ "github.com/asch/pfbd/internal/volume/mem"
	_ "github.com/asch/pfbd/internal/volume/null"
	_ "github.com/asch/pfbd/internal/volume/s3"
)

// Parse configuration from file and environment variables, starts the reactor
// threads and the pfbd module, creates the configured devices and serves
// management calls until it is signaled by SIGINT or SIGTERM to gracefully
// finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	log.Info().Strs("backends", volume.Backends()).Int("threads", config.Cfg.Threads).Msg("Starting pfbd")

	threads := thread.NewGroup("reactor", config.Cfg.Threads)

	var registry *prometheus.Registry
	if config.Cfg.Metrics {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	fw := bdev.New(config.Cfg.IOPoolSize)
	mod := pfbd.New(fw, pfbd.Options{Metrics: newMetrics(registry)})

	if err := fw.Init(); err != nil {
		log.Panic().Err(err).Send()
	}

	createDevices(mod, config.Cfg.Devices)

	ctx, cancel := context.WithCancel(context.Background())
	registerSigHandlers(cancel)

	opts := rpc.Options{Timeout: time.Duration(config.Cfg.RPC.Timeout) * time.Second}
	if registry != nil {
		opts.Metrics = registry
	}

	server := rpc.NewServer(fw, mod, threads, opts)
	if err := server.ListenAndServe(ctx, config.Cfg.RPC.Listen); err != nil {
		log.Error().Err(err).Str("listen", config.Cfg.RPC.Listen).Msg("RPC server failed")
	}

	deleteDevices(fw, mod)

	fw.Fini()
	threads.Stop()

	log.Info().Msg("pfbd stopped")
}

// Metrics are created only when they are served. A nil registry would create
// unregistered ones.
func newMetrics(registry *prometheus.Registry) *metrics.Metrics {
	if registry == nil {
		return nil
	}

	return metrics.New(registry)
}

// Devices from the configuration file. A device which fails is logged and
// skipped, the rest is created anyway.
func createDevices(mod *pfbd.Module, devices []pfbd.Params) {
	for _, p := range devices {
		o, err := p.Opts()
		if err == nil {
			_, err = mod.Create(o)
		}

		if err != nil {
			log.Error().Err(err).Str("bd_name", p.BdName).Msg("Failed to create configured device")
		}
	}
}

// Deletes all devices and waits until they are destroyed.
func deleteDevices(fw *bdev.Framework, mod *pfbd.Module) {
	for _, b := range fw.List() {
		done := make(chan error, 1)
		mod.Delete(b.Name, func(err error) {
			done <- err
		})

		select {
		case err := <-done:
			if err != nil {
				log.Error().Err(err).Str("bdev", b.Name).Msg("Failed to delete device")
			}
		case <-time.After(10 * time.Second):
			log.Error().Str("bdev", b.Name).Msg("Device not destroyed in time")
		}
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(stop context.CancelFunc) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping pfbd!")
		stop()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
