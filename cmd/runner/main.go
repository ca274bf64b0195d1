package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wasmrunner/runner/internal/catalog"
	"github.com/wasmrunner/runner/internal/dashboard"
	"github.com/wasmrunner/runner/internal/engine"
	"github.com/wasmrunner/runner/internal/prober"
	"github.com/wasmrunner/runner/internal/proxy"
	"github.com/wasmrunner/runner/internal/scheduler"
	"github.com/wasmrunner/runner/internal/state"
	"github.com/wasmrunner/runner/internal/supervisor"
)

const (
	exitOK              = 0
	exitFatalBindFailure = 1
	exitNoServicesLoaded = 2
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var (
		servicesDir = flag.String("services", envOrDefault("RUNNER_SERVICES_DIR", "services"), "directory containing service subdirectories")
		proxyAddr   = flag.String("addr", envOrDefault("RUNNER_LISTEN_ADDR", "127.0.0.1:14000"), "address the proxy listens on")
		engineBin   = flag.String("engine", envOrDefault("RUNNER_ENGINE_CMD", "wasmtime"), "sandbox engine binary invoked per replica")
		moduleName  = flag.String("module", "", "debug-launch a single service by name instead of the full fleet")
	)
	flag.Parse()

	cfg := supervisor.DefaultConfig()
	if v := os.Getenv("RUNNER_RESTART_QUARANTINE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QuarantineThreshold = n
		} else {
			logger.Warn("ignoring invalid RUNNER_RESTART_QUARANTINE", "value", v)
		}
	}

	code := run(logger, *servicesDir, *proxyAddr, *engineBin, *moduleName, cfg)
	os.Exit(code)
}

// envOrDefault reads an environment variable with a fallback. No config
// framework: plain os.Getenv with a default resolved at the call site.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(logger *slog.Logger, servicesDir, proxyAddr, engineBin, moduleName string, cfg supervisor.Config) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	cat, err := catalog.Load(ctx, servicesDir, logger)
	if err != nil {
		logger.Error("catalog load failed", "error", err)
		return exitFatalBindFailure
	}
	for _, loadErr := range cat.Errors {
		logger.Warn("service disabled at load", "service", loadErr.Service, "kind", loadErr.Kind, "error", loadErr.Cause)
	}

	if moduleName != "" {
		desc, ok := cat.Services[moduleName]
		if !ok {
			logger.Error("debug module not found or failed to load", "module", moduleName)
			return exitNoServicesLoaded
		}
		cat = &catalog.Catalog{Services: map[string]*catalog.ServiceDescriptor{moduleName: desc}}
	}

	if len(cat.Services) == 0 {
		logger.Error("no services loaded, refusing to start")
		return exitNoServicesLoaded
	}

	registry := state.NewRegistry(cat)
	eng := engine.NewExecEngine(engineBin, nil, logger)

	sv := supervisor.New(registry, eng, logger, cfg)
	pr := prober.New(registry, logger)
	sched := scheduler.New(registry, fmt.Sprintf("http://%s", proxyAddr), logger)
	dash := dashboard.New(registry, sched, logger)
	px := proxy.New(proxyAddr, registry, dash, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sv.Run(gctx) })
	g.Go(func() error { return pr.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		if err := px.Run(gctx); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		return nil
	})

	logger.Info("runner started", "services", len(cat.Services), "addr", proxyAddr)

	if err := g.Wait(); err != nil {
		logger.Error("runner exited with error", "error", err)
		return exitFatalBindFailure
	}

	logger.Info("runner shut down cleanly")
	return exitOK
}
