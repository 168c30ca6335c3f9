// Package app wires the report service together and tears it down in
// reverse order.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"finamreports/internal/bus"
	"finamreports/internal/cache"
	"finamreports/internal/config"
	"finamreports/internal/livesync"
	"finamreports/internal/llm"
	"finamreports/internal/report"
	"finamreports/internal/storage"
)

const (
	busBuffer       = 256
	runDrainTimeout = 5 * time.Second
)

// App owns every long-lived collaborator of the service.
type App struct {
	Config   config.Config
	Log      logrus.FieldLogger
	Store    *storage.Store
	Cache    *cache.Cache
	Bus      bus.Bus
	Engine   *report.Engine
	Editor   *report.Editor
	Exporter *report.Exporter
	Gateway  *livesync.Gateway
}

// Option customises New.
type Option func(*options)

type options struct {
	stream llm.StreamClient
	chat   llm.ChatClient
	market report.MarketData
}

// WithProvider replaces the OpenAI client, mostly for tests and offline
// runs.
func WithProvider(stream llm.StreamClient, chat llm.ChatClient) Option {
	return func(o *options) {
		o.stream = stream
		o.chat = chat
	}
}

// WithMarketData plugs in a market snapshot source.
func WithMarketData(m report.MarketData) Option {
	return func(o *options) { o.market = m }
}

// New opens storage, cache and bus and builds the engine on top of them.
// Redis is optional: when it is unset or unreachable the cache and bus
// stay in process.
func New(ctx context.Context, cfg config.Config, log logrus.FieldLogger, opts ...Option) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Log: log}
	started := false
	defer func() {
		if !started {
			if cerr := a.Close(); cerr != nil {
				log.WithError(cerr).Warn("cleanup after failed start")
			}
		}
	}()

	var err error
	if a.Store, err = storage.Open(cfg.DatabasePath); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if a.Cache, err = cache.New(ctx, cache.Options{RedisURL: cfg.RedisURL, Size: cfg.CacheSize}, log); err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	a.Bus = bus.NewHub(busBuffer, log)
	if cfg.RedisURL != "" {
		bridged, derr := bus.Dial(ctx, cfg.RedisURL, busBuffer, log)
		if derr == nil {
			a.Bus.Close()
			a.Bus = bridged
			log.Info("live updates bridged through redis")
		} else {
			log.WithError(derr).Warn("redis pub/sub unavailable, live updates stay in process")
		}
	}

	if o.stream == nil {
		client := llm.NewClient(cfg.OpenAIAPIKey, llm.WithBaseURL(cfg.OpenAIBaseURL))
		o.stream, o.chat = client, client
	}

	prices := make(map[string]report.Price, len(cfg.Prices))
	for model, p := range cfg.Prices {
		prices[model] = report.Price{Prompt: p.Prompt, Completion: p.Completion}
	}

	a.Engine, err = report.NewEngine(report.Deps{
		Store:     a.Store,
		Cache:     a.Cache,
		Publisher: livesync.NewPublisher(a.Bus, log),
		Stream:    o.stream,
		Chat:      o.chat,
		Tokens:    &llm.TiktokenCounter{},
		Market:    o.market,
		Log:       log,
	}, report.EngineConfig{
		Limits: report.Limits{
			Models:          cfg.Models,
			MaxPromptChars:  cfg.MaxPromptChars,
			MaxOutputTokens: cfg.MaxOutputTokens,
		},
		Temperature:         cfg.Temperature,
		EntityModel:         cfg.EntityModel,
		EntityMaxInputChars: cfg.EntityMaxInputChars,
		EntityMaxTokens:     cfg.EntityMaxTokens,
		SectionBufferBytes:  cfg.SectionBufferBytes,
		CacheTTL:            cfg.CacheTTL,
		ExportTTL:           cfg.ExportTTL,
		RunTimeout:          cfg.RunTimeout,
		Prices:              prices,
	})
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}

	a.Editor = report.NewEditor(a.Engine)
	a.Exporter = report.NewExporter(a.Engine)
	a.Gateway = livesync.NewGateway(a.Bus, 0, log)

	log.WithFields(logrus.Fields{
		"cache":  a.Cache.Backend(),
		"models": cfg.Models,
		"db":     cfg.DatabasePath,
	}).Info("report service ready")
	started = true
	return a, nil
}

// Close stops active runs, disconnects viewers and releases storage, cache
// and bus. Every failure is reported.
func (a *App) Close() error {
	var result *multierror.Error

	if a.Engine != nil {
		a.stopRuns(runDrainTimeout)
	}
	if a.Gateway != nil {
		a.Gateway.Close()
	}
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close bus: %w", err))
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// stopRuns cancels every active run and waits for them to settle so their
// final status reaches the store before it closes.
func (a *App) stopRuns(timeout time.Duration) {
	runs := a.Engine.Runs()
	for _, run := range runs.Active() {
		a.Engine.Cancel(run.RunID)
	}

	deadline := time.Now().Add(timeout)
	for len(runs.Active()) > 0 {
		if time.Now().After(deadline) {
			a.Log.WithField("runs", len(runs.Active())).Warn("runs still active at shutdown")
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
