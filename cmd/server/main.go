package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/probewatch/probewatch/internal/config"
	"github.com/probewatch/probewatch/internal/engine"
	"github.com/probewatch/probewatch/internal/events"
	"github.com/probewatch/probewatch/internal/fleet"
	"github.com/probewatch/probewatch/internal/httpapi"
	"github.com/probewatch/probewatch/internal/queue"
	"github.com/probewatch/probewatch/internal/registry"
	"github.com/probewatch/probewatch/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("service", "probewatch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.Postgres.DSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to postgres")
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.WithError(err).Fatal("failed to ensure schema")
		}
		st = pg
		log.Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Warn("no postgres DSN configured, using in-memory store")
	}

	var dispatcher engine.Dispatcher
	if cfg.Redis.Addr != "" {
		rd, err := queue.NewRedisDispatcher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		defer rd.Close()
		dispatcher = rd
		log.WithField("addr", cfg.Redis.Addr).Info("using redis dispatcher")
	} else {
		dispatcher = queue.NewLogDispatcher(log)
		log.Warn("no redis address configured, dispatch jobs are only logged")
	}

	reg := registry.New(st, cfg.LivenessWindow(), log)
	hub := events.NewHub(cfg.Events.Buffer)
	eng := engine.New(st, reg, hub, dispatcher, engine.Config{CheckTTL: cfg.CheckTTL()}, log)
	prov := fleet.NewProvisioner(reg, fleet.Config{
		APIBase:   cfg.Fleet.PublicAPIBase,
		RedisAddr: cfg.Redis.Addr,
		Image:     cfg.Fleet.AgentImage,
	}, cfg.ProvisionTimeout(), log)

	api := httpapi.New(eng, reg, prov, hub, cfg.Admin.User, cfg.Admin.Password, log)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		eng.RunJanitor(ctx, cfg.SweepInterval())
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
	log.Info("shutdown complete")
}
