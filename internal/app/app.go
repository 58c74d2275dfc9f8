// Package app wires the pieces into one runnable bot process and owns the
// lifecycle: config load and watch, logging, storage, the note engine, the
// delivery channel and the status server.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"hookbot/internal/audit"
	"hookbot/internal/config"
	"hookbot/internal/delivery"
	"hookbot/internal/eventbus"
	"hookbot/internal/notes"
	"hookbot/internal/registry"
	"hookbot/internal/status"
	"hookbot/internal/storage"
	"hookbot/pkg/logx"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    *storage.SQLiteStore
	registry *registry.Registry
	delivery *delivery.Service
	engine   *notes.Engine
	status   *status.Service
	bus      eventbus.Bus

	cfgUpdates chan *config.Config
}

// New builds the full component graph from the config file. Nothing is
// started yet; Run does that.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(toLogxConfig(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("svc", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	engineCfg, err := toEngineConfig(cfg.Notes)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	deliveryCfg, err := toDeliveryConfig(cfg.Delivery)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	reg := registry.New(registry.Config{Timezone: cfg.Notes.Timezone}, log.With(logx.String("svc", "registry")))
	del := delivery.New(deliveryCfg, store, log.With(logx.String("svc", "delivery")))
	bus := eventbus.New()
	rec := audit.NewRecorder(store, log.With(logx.String("svc", "audit")))
	eng := notes.NewEngine(engineCfg, store, reg, del, rec, bus, log.With(logx.String("svc", "notes")))

	var statusCfg status.Config
	if cfg.Status != nil {
		statusCfg = status.Config{Enabled: cfg.Status.Enabled, Addr: cfg.Status.Addr}
	}
	st := status.New(statusCfg, reg, store, bus, log.With(logx.String("svc", "status")))

	return &App{
		cfgMgr:   mgr,
		logSvc:   logSvc,
		log:      log,
		store:    store,
		registry: reg,
		delivery: del,
		engine:   eng,
		status:   st,
		bus:      bus,
	}, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if err := a.status.Start(); err != nil {
		return fmt.Errorf("start status server: %w", err)
	}

	a.cfgUpdates = a.cfgMgr.Subscribe(1)
	go func() {
		if err := a.cfgMgr.Watch(ctx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go a.applyUpdates()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("hookbot running")

	<-ctx.Done()
	a.shutdown()
	return nil
}

// applyUpdates pushes hot-reloadable config sections into running
// components. Structural sections (storage path, status addr) need a
// restart and are ignored here.
func (a *App) applyUpdates() {
	for cfg := range a.cfgUpdates {
		if cfg == nil {
			continue
		}
		a.logSvc.Apply(toLogxConfig(cfg.Logging))
		if dc, err := toDeliveryConfig(cfg.Delivery); err == nil {
			a.delivery.Apply(dc)
		} else {
			a.log.Warn("delivery config rejected", logx.Err(err))
		}
		a.log.Info("runtime config applied")
	}
}

func (a *App) shutdown() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.status.Stop(ctx)
	a.engine.Stop(ctx)
	a.cfgMgr.Unsubscribe(a.cfgUpdates)
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("shutdown complete")
	_ = a.logSvc.Close()
}

func toLogxConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Webhook: logx.WebhookConfig{
			Enabled:    c.Webhook.Enabled,
			URL:        c.Webhook.URL,
			MinLevel:   c.Webhook.MinLevel,
			RatePerSec: c.Webhook.RatePerSec,
		},
	}
}

func toEngineConfig(c config.NotesConfig) (notes.Config, error) {
	sweep, err := config.ParseDurationOrDefault("notes.sweep_interval", c.SweepInterval, time.Minute)
	if err != nil {
		return notes.Config{}, err
	}
	execTimeout, err := config.ParseDurationOrDefault("notes.execute_timeout", c.ExecuteTimeout, 30*time.Second)
	if err != nil {
		return notes.Config{}, err
	}
	return notes.Config{SweepInterval: sweep, ExecuteTimeout: execTimeout}, nil
}

func toDeliveryConfig(c config.DeliveryConfig) (delivery.Config, error) {
	timeout, err := config.ParseDurationOrDefault("delivery.request_timeout", c.RequestTimeout, 15*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		Workers:        c.Workers,
		RatePerSec:     c.RatePerSec,
		RetryMax:       c.RetryMax,
		RequestTimeout: timeout,
	}, nil
}
