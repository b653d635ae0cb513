// Command saxsctld is the device-supervision daemon: it loads the INI
// io/processing config and the per-device DeviceSpec manifest directory
// (spec.md §6), wires one Supervisor/Transport/DeviceFront per device
// through engine.Instrument, and serves Prometheus metrics until signalled
// to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"saxsctl/engine"
)

func main() {
	var (
		configPath     string
		specDir        string
		metricsAddr    string
		metricsBackend string
		showVersion    bool
	)

	flag.StringVar(&configPath, "config", "saxsctl.ini", "Path to the [io]/[processing] INI config file")
	flag.StringVar(&specDir, "devices", "devices.d", "Directory of per-device DeviceSpec YAML manifests")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9411", "Address to serve Prometheus metrics on (empty disables)")
	flag.StringVar(&metricsBackend, "metrics-backend", "prom", "Metrics backend: prom, otel, or noop")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("saxsctld (device-supervision daemon)")
		return
	}

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		log.Printf("config: %v (continuing with defaults)", err)
		cfg = engine.Defaults()
	}

	specs, err := engine.LoadDeviceSpecs(specDir)
	if err != nil {
		log.Fatalf("load device specs from %s: %v", specDir, err)
	}
	if len(specs) == 0 {
		log.Fatalf("no device specs found in %s", specDir)
	}

	provider := engine.NewMetricsProvider(metricsBackend)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		if handler, ok := engine.MetricsHTTPHandler(provider); ok {
			mux.Handle("/metrics", handler)
		}
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server exited", "err", err)
			}
		}()
	}

	instrument := engine.New(cfg, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for name, spec := range specs {
		address := spec.ConnectionParams["address"]
		if address == "" {
			log.Fatalf("device %s: connection_params.address is required", name)
		}
		listener := engine.Listener{
			OnError: func(kind, message, variable string) {
				slog.Error("device error", "device", name, "kind", kind, "message", message, "variable", variable)
			},
			OnReady: func() {
				slog.Info("device ready", "device", name)
			},
			OnLog: func(line string) {
				slog.Debug("device log", "device", name, "line", line)
			},
		}
		if err := instrument.AddDevice(ctx, spec, address, listener); err != nil {
			log.Fatalf("add device %s: %v", name, err)
		}
		slog.Info("device registered", "device", name, "family", spec.Family, "address", address)
	}

	stopWatch, err := engine.WatchDeviceSpecs(ctx, specDir,
		func(changed engine.DeviceSpecs) {
			slog.Info("device spec manifests changed; restart to apply", "devices", len(changed))
		},
		func(err error) {
			slog.Warn("device spec reload error", "err", err)
		})
	if err != nil {
		slog.Warn("device spec watching unavailable", "err", err)
	} else {
		defer stopWatch()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received, disconnecting devices")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := instrument.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown encountered errors", "err", err)
	}
	cancel()
}
