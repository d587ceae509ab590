package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
	memstore "github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// app holds everything the subcommands share.
type app struct {
	cfg       config.Config
	log       *logrus.Logger
	tiers     *factory.TierConfig
	store     loyalty.Store
	handler   *api.Handler
	scheduler *api.Scheduler
	router    http.Handler
	close     func()
}

func newApp(v *viper.Viper) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if file := v.ConfigFileUsed(); file != "" {
		log.WithField("file", file).Info("config loaded")
	}

	tiers := &factory.TierConfig{Policy: loyalty.DefaultTierPolicy()}
	if cfg.TiersFile != "" {
		if tiers, err = factory.LoadTiers(cfg.TiersFile); err != nil {
			return nil, err
		}
	}
	log.WithFields(logrus.Fields{
		"version": tiers.Policy.Version(),
		"tiers":   len(tiers.Policy.Tiers()),
	}).Info("tier policy loaded")

	a := &app{cfg: cfg, log: log, tiers: tiers, close: func() {}}
	switch cfg.Store.Driver {
	case "memory":
		a.store = memstore.NewMemory()
		log.Warn("using in-memory store, data is lost on exit")
	default:
		s, err := sqlite.NewWithTimeout(cfg.Store.Path, cfg.Store.BusyTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.store = s
		a.close = func() {
			if err := s.Close(); err != nil {
				log.WithError(err).Error("closing database")
			}
		}
		log.WithField("path", cfg.Store.Path).Info("database opened")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := metrics.NewPrometheusObserver("loyalty", registry)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	opts := []loyalty.Option{
		loyalty.WithLogger(log),
		loyalty.WithObserver(observer),
		loyalty.WithRetry(cfg.Retry.Engine()),
	}
	proc := loyalty.NewProcessor(a.store, tiers.Policy, opts...)
	assigner := loyalty.NewBenefitAssigner(a.store, tiers.Policy, opts...)
	auditor := loyalty.NewAuditor(a.store, tiers.Policy, opts...)

	a.handler = api.NewHandler(a.store, proc, assigner, auditor, log)
	a.handler.Catalog = tiers.BenefitTypes
	if err := a.handler.SeedCatalog(context.Background()); err != nil {
		a.close()
		return nil, fmt.Errorf("seed benefit catalog: %w", err)
	}

	a.scheduler = api.NewScheduler(auditor, assigner, log)
	a.scheduler.Enabled = cfg.Scheduler.Enabled
	a.scheduler.AuditInterval = cfg.Scheduler.AuditInterval
	a.scheduler.ExpiryInterval = cfg.Scheduler.ExpiryInterval

	a.router = api.NewRouter(a.handler, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Scenarios:      cfg.Demo,
	})
	if cfg.Demo {
		log.Warn("demo mode on, /api/scenarios can reset the store")
	}
	return a, nil
}

// audit prints every discrepancy and fails when there is at least one.
func (a *app) audit(ctx context.Context, out io.Writer) error {
	found, err := a.handler.Auditor.AuditAll(ctx)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	for _, d := range found {
		fmt.Fprintln(out, d.String())
	}
	if len(found) > 0 {
		return fmt.Errorf("%d member(s) out of balance", len(found))
	}
	fmt.Fprintln(out, "all members consistent")
	return nil
}

func (a *app) printTiers(out io.Writer) error {
	data, err := factory.ToYAML(a.tiers.Policy, a.tiers.BenefitTypes).Marshal()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
