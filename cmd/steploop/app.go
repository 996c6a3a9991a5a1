package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/steploop/internal/agentloop"
	"github.com/nugget/steploop/internal/blackboard"
	"github.com/nugget/steploop/internal/buildinfo"
	"github.com/nugget/steploop/internal/config"
	"github.com/nugget/steploop/internal/events"
	"github.com/nugget/steploop/internal/llm"
	"github.com/nugget/steploop/internal/mqtt"
	"github.com/nugget/steploop/internal/observability"
	"github.com/nugget/steploop/internal/stopsignal"
	"github.com/nugget/steploop/internal/store"
	"github.com/nugget/steploop/internal/tools"
)

// app holds everything a task-executing command needs. Build it with
// newApp and release it with close.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.TaskStore
	bus    *events.Bus
	stops  *stopsignal.Registry
	orch   *agentloop.Orchestrator

	// metricsAddr is the bound metrics listener address, empty when
	// metrics are disabled.
	metricsAddr string

	closers []func(context.Context) error
}

// appOptions override configuration for one invocation.
type appOptions struct {
	maxSteps int
	stream   llm.StreamCallback
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, bus: events.New()}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()

	a.store, err = store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.store.Close() })

	a.stops = stopsignal.New(cfg.StopSignal.TTL, logger)
	sweeper, err := stopsignal.NewSweeper(a.stops, cfg.StopSignal.SweepSchedule, logger)
	if err != nil {
		return nil, err
	}
	sweeper.Start()
	a.onClose(func(ctx context.Context) error {
		sweeper.Stop(ctx)
		return nil
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	if cfg.Metrics.Address != "" {
		if err := a.serveMetrics(cfg.Metrics.Address, reg); err != nil {
			return nil, err
		}
	}

	tracer, shutdownTracing, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "steploop",
		ServiceVersion: buildinfo.Version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(shutdownTracing)

	client := createLLMClient(cfg, logger)

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, nil); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	compressor := blackboard.NewCompressor(
		blackboard.NewLLMSummarizer(client, cfg.SummaryModel()),
		blackboard.CompressOptions{
			KeepRecent:   cfg.Blackboard.KeepRecent,
			DisplayLimit: cfg.Blackboard.DisplayLimit,
			FallbackKeep: cfg.Blackboard.FallbackKeep,
		},
		logger,
	)
	monitor := blackboard.NewMonitor(compressor, cfg.Blackboard.CompressTriggerRatio, logger)

	loopCfg := agentloop.Config{
		Model:                       cfg.Models.Default,
		MaxSteps:                    cfg.Loop.MaxSteps,
		HistoryWindow:               cfg.Loop.HistoryWindow,
		MaxConsecutiveModelFailures: cfg.Loop.MaxConsecutiveModelFailures,
		MaxHistory:                  cfg.Blackboard.MaxHistory,
	}
	if opts.maxSteps > 0 {
		loopCfg.MaxSteps = opts.maxSteps
	}
	loopOpts := []agentloop.Option{
		agentloop.WithLogger(logger),
		agentloop.WithPersister(a.store),
		agentloop.WithStopSignals(a.stops),
		agentloop.WithEventBus(a.bus),
		agentloop.WithMetrics(metrics),
		agentloop.WithTracer(tracer),
		agentloop.WithToolTimeout(cfg.Loop.ToolTimeout),
		agentloop.WithCompression(monitor, cfg.ContextWindow(cfg.Models.Default), cfg.SummaryModel()),
	}
	if opts.stream != nil {
		loopOpts = append(loopOpts, agentloop.WithStream(opts.stream))
	}
	a.orch = agentloop.New(loopCfg, client, registry, loopOpts...)

	if cfg.MQTT.Broker != "" {
		if err := a.startMQTT(ctx); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	a.metricsAddr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("metrics endpoint listening", "address", a.metricsAddr)
	a.onClose(srv.Shutdown)
	return nil
}

func (a *app) startMQTT(ctx context.Context) error {
	instanceID, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
	if err != nil {
		return err
	}
	bridge := mqtt.New(a.cfg.MQTT, instanceID, a.bus, a.stops, a.logger)

	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := bridge.Start(bctx); err != nil {
			a.logger.Error("mqtt bridge failed", "error", err)
		}
	}()
	a.onClose(func(ctx context.Context) error {
		err := bridge.Stop(ctx)
		cancel()
		<-done
		return err
	})
	return nil
}

// createLLMClient builds a multi-provider client. Models not mapped to
// a provider fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Debug("anthropic provider configured")
	}
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Debug("openai provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi
}
