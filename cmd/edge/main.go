// Package main runs the KadaiGPT edge: a local process next to the POS web
// app that keeps a store trading through network outages and replays what
// it saved once the connection is back.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lokii1211/kadaigpt-sub002/internal/apiclient"
	"github.com/Lokii1211/kadaigpt-sub002/internal/config"
	"github.com/Lokii1211/kadaigpt-sub002/internal/connectivity"
	"github.com/Lokii1211/kadaigpt-sub002/internal/db"
	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/fetch"
	"github.com/Lokii1211/kadaigpt-sub002/internal/httpapi"
	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/messaging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/pos"
	syncpkg "github.com/Lokii1211/kadaigpt-sub002/internal/sync"
	"github.com/Lokii1211/kadaigpt-sub002/internal/sync/conflict"
	"github.com/Lokii1211/kadaigpt-sub002/internal/sync/queue"
	"github.com/Lokii1211/kadaigpt-sub002/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		logging.Error("Edge exited", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.Info("KadaiGPT edge starting", map[string]interface{}{
		"version":  Version,
		"addr":     cfg.HTTPAddr,
		"api":      cfg.APIBaseURL,
		"data_dir": cfg.DataDir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := db.NewStore(cfg.DataDir)
	defer store.Close()
	repo, err := store.Init(ctx)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrStorageUnavailable) {
			return err
		}
		logging.Warn("Local store unavailable, running online-only", map[string]interface{}{
			"error": err.Error(),
		})
		repo = nil
	}

	var clientOpts []apiclient.Option
	if cfg.APIToken != "" {
		clientOpts = append(clientOpts, apiclient.WithToken(cfg.APIToken))
	}
	client := apiclient.New(cfg.APIBaseURL, cfg.Request.Timeout, clientOpts...)

	strategy, err := conflict.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		return err
	}
	resolver := conflict.NewResolver(strategy)

	prober := connectivity.NewProber(client, connectivity.ProberConfig{
		Interval: cfg.Probe.Interval,
		Timeout:  cfg.Probe.Timeout,
		Attempts: cfg.Probe.Attempts,
		Backoff:  cfg.Probe.Backoff,
	})
	monitor := connectivity.NewMonitor(prober.Probe(ctx), connectivity.Config{SettleDelay: cfg.Sync.SettleDelay})
	defer monitor.Close()

	bus := messaging.NewBus()
	hub := messaging.NewHub(bus)
	bus.SubscribeAll(hub.Relay)
	bus.Subscribe(messaging.Connectivity, monitor.HandleMessage)
	monitor.Subscribe(func(online bool) {
		if err := bus.Publish(ctx, messaging.ConnectivityChanged, connectivity.State{Online: online}); err != nil {
			logging.Warn("Failed to announce connectivity", map[string]interface{}{"error": err.Error()})
		}
	})

	deps := httpapi.Deps{Connectivity: monitor, Hub: hub, Timeout: cfg.Request.Timeout * 2}

	var (
		sched    *scheduler.Scheduler
		posStore pos.Store
	)
	if repo != nil {
		posStore = repo
		q := queue.NewSyncQueue(repo, cfg.Sync.MaxRetries)
		engine := syncpkg.NewEngine(repo, q, client,
			syncpkg.WithConnectivity(monitor),
			syncpkg.WithPoster(bus),
			syncpkg.WithResolver(resolver),
		)
		monitor.SetDrainer(engine)

		sched = scheduler.NewScheduler(engine, &scheduler.SchedulerConfig{
			QueueInterval: cfg.Sync.QueueInterval,
			DrainTimeout:  scheduler.DefaultSchedulerConfig().DrainTimeout,
		})
		sched.SetOnlineStatus(monitor.Online())
		monitor.Subscribe(sched.SetOnlineStatus)

		bus.Subscribe(messaging.QueueOfflineRequest, q.HandleMessage)
		bus.Subscribe(messaging.ProcessSyncQueue, sched.HandleMessage)

		deps.Sync = sched
		deps.Stats = engine
		deps.Queue = q
	}

	cache, closeCache, err := openCache(cfg, repo)
	if err != nil {
		return err
	}
	defer closeCache()

	interceptor, err := fetch.NewInterceptor(fetch.Config{
		APIBaseURL: cfg.APIBaseURL,
		AppBaseURL: cfg.AppBaseURL,
		Version:    cfg.Cache.Version,
		ShellURLs:  cfg.Cache.ShellURLs,
		Timeout:    cfg.Request.Timeout,
	}, cache, monitor, bus, fetch.WithTokenSink(client))
	if err != nil {
		return err
	}
	n, err := interceptor.Install(ctx)
	if err != nil {
		return err
	}
	logging.Info("Shell cached", map[string]interface{}{"entries": n})
	if removed, err := interceptor.Activate(ctx); err != nil {
		logging.Warn("Failed to remove old caches", map[string]interface{}{"error": err.Error()})
	} else if len(removed) > 0 {
		logging.Info("Removed old caches", map[string]interface{}{"caches": removed})
	}
	if sched != nil && monitor.Online() {
		if err := interceptor.NotifySync(ctx); err != nil {
			logging.Warn("Startup sync request failed", map[string]interface{}{"error": err.Error()})
		}
	}

	deps.Facade = pos.NewFacade(posStore, client, monitor, pos.WithResolver(resolver))
	deps.Fallback = interceptor

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if sched != nil {
		g.Go(func() error {
			sched.Start(gctx)
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}
	if cfg.Probe.Enabled {
		g.Go(func() error {
			prober.Run(gctx, monitor)
			return nil
		})
	}
	g.Go(func() error {
		logging.Info("Edge listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down edge")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openCache picks the response cache backend. Without a local store or
// Redis the edge caches nothing.
func openCache(cfg config.Config, repo *db.Repository) (fetch.Storage, func(), error) {
	noop := func() {}
	switch {
	case cfg.Cache.Backend == "redis":
		rs, err := fetch.NewRedisStorage(cfg.Cache.RedisURL, "")
		if err != nil {
			return nil, noop, err
		}
		return rs, func() { rs.Close() }, nil
	case repo != nil:
		return fetch.NewSQLStorage(repo), noop, nil
	default:
		return fetch.DiscardStorage{}, noop, nil
	}
}
