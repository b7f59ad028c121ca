package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/BackForge/control_plane/agent"
	"github.com/itskum47/BackForge/control_plane/config"
	"github.com/itskum47/BackForge/control_plane/coordination"
	"github.com/itskum47/BackForge/control_plane/idempotency"
	"github.com/itskum47/BackForge/control_plane/observability"
	"github.com/itskum47/BackForge/control_plane/orchestrator"
	"github.com/itskum47/BackForge/control_plane/scheduler"
	"github.com/itskum47/BackForge/control_plane/store"
	"github.com/itskum47/BackForge/control_plane/streaming"
	"github.com/itskum47/BackForge/control_plane/timeline"
)

var logger = loggo.GetLogger("backforge.controlplane")

const (
	timelineLimit   = 10000
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "backforge.toml", "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(cfg.Logging.Config); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.WallClock
	s, redisClient, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeStore()

	var publisher streaming.Publisher = streaming.NewLogPublisher()
	if cfg.Notifications.Backend == "redis" {
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Store.RedisAddr,
				Password: cfg.Store.RedisPassword,
				DB:       cfg.Store.RedisDB,
			})
			defer redisClient.Close()
		}
		publisher = streaming.NewRedisPublisher(redisClient, cfg.Notifications.Channel)
	}
	defer publisher.Close()

	versions := make([]agent.APIVersion, len(cfg.Agents.SupportedAPIVersions))
	for i, v := range cfg.Agents.SupportedAPIVersions {
		versions[i] = agent.APIVersion(v)
	}
	directory := &agentDirectory{store: s, clock: clk}
	registry := agent.NewRegistry(versions, directory)
	directory.registry = registry

	retention := &store.Retention{
		Store:         s,
		Clock:         clk,
		MaxJobs:       cfg.Housekeeping.MaxStoredJobs,
		StaleAgentAge: cfg.StaleAgentAge(),
	}
	if err := retention.Validate(); err != nil {
		return errors.Trace(err)
	}

	events := timeline.NewStore(timelineLimit)
	orch, err := orchestrator.New(orchestrator.Config{
		Directory:   orchestrator.RegistryDirectory{Registry: registry},
		Notifier:    streaming.Notifier{Publisher: publisher},
		Metrics:     observability.Metrics{},
		Recorder:    s,
		Events:      events,
		Housekeeper: retention,
		Clock:       clk,
	})
	if err != nil {
		return errors.Trace(err)
	}

	sweep := cfg.CancelSweep()
	if sweep == 0 {
		sweep = 10 * time.Second
	}
	monitor, err := coordination.NewCancelMonitor(orch, clk, sweep, cfg.CancelTimeout())
	if err != nil {
		return errors.Trace(err)
	}
	monitor.Start(ctx)

	if cfg.Housekeeping.Schedule != "" && len(cfg.Housekeeping.BackupManagers) > 0 {
		housekeeping := scheduler.NewHousekeepingScheduler(orch, cfg.Housekeeping.BackupManagers)
		if err := housekeeping.Start(cfg.Housekeeping.Schedule); err != nil {
			return errors.Trace(err)
		}
		defer housekeeping.Stop()
	}

	limiter := scheduler.NewTokenBucketLimiter(cfg.Agents.ConnectionRate, cfg.Agents.ConnectionBurst, clk)
	hub := NewAgentHub(registry, limiter)
	go hub.Run(ctx)

	var idem idempotency.Store = idempotency.NewMemoryStore(cfg.IdempotencyTTL(), clk)
	if redisClient != nil {
		idem = idempotency.NewRedisStore(redisClient, cfg.IdempotencyTTL())
	}

	api := NewAPI(orch, s, events, registry, idem, hub)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Handler(cfg.API.Token, cfg.API.AllowedOrigin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("BackForge control plane listening on %s (store %s, api versions %v)",
			cfg.Server.Address, cfg.Store.Backend, cfg.Agents.SupportedAPIVersions)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return errors.Annotate(err, "serving")
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	for _, job := range orch.ActiveJobs() {
		job.MoveToFailedStage("control plane shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Trace(srv.Shutdown(shutdownCtx))
}

// openStore connects the configured backend. The redis client is returned
// when the backend is redis so notifications and idempotency can share it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *redis.Client, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		rs, err := store.NewRedisStore(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err != nil {
			return nil, nil, nil, errors.Annotatef(err, "connecting to redis at %s", cfg.Store.RedisAddr)
		}
		logger.Infof("using redis store at %s", cfg.Store.RedisAddr)
		return rs, rs.Client(), func() { rs.Close() }, nil
	case "postgres":
		ps, err := store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, nil, errors.Annotate(err, "connecting to postgres")
		}
		logger.Infof("using postgres store")
		return ps, nil, ps.Close, nil
	default:
		logger.Infof("using in-memory store; job history is lost on restart")
		return store.NewMemoryStore(), nil, func() {}, nil
	}
}
