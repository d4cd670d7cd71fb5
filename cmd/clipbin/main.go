package main

import (
	"clipbin/cfg"
	"clipbin/metrics"
	"clipbin/svc/api"
	"clipbin/svc/db"
	"clipbin/svc/lim"
	"clipbin/svc/notify"
	"clipbin/svc/store"
	"clipbin/svc/svc"
	"clipbin/svc/util"
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting clipbin API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, err := notify.NewHub(c.NotifyDoneCap)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create notifier hub")
		os.Exit(1)
	}
	util.Info().Int("done_cap", c.NotifyDoneCap).Msg("notifier hub initialized")

	clipStore := store.New(store.Options{
		Shards:            c.StoreShards,
		MaxContentSize:    c.MaxClipSize,
		LazySweepDebounce: c.LazySweepDebounce,
		Notifier:          hub,
	})
	util.Info().
		Int("shards", c.StoreShards).
		Int64("max_clip_size", c.MaxClipSize).
		Dur("lazy_debounce", c.LazySweepDebounce).
		Msg("clip store initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	clipSvc := svc.NewClip(clipStore, hub, c)
	util.Info().Msg("clip service initialized")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, rdb, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, clipSvc, limiter, rdb)

	if err := svc.StartSweeper(ctx, clipStore, c.SweepInterval); err != nil {
		util.Error().Err(err).Msg("failed to start sweeper")
	} else {
		util.Info().Dur("interval", c.SweepInterval).Msg("expired clip sweep worker started")
	}

	go func() {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
	}()

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	clipSvc.Shutdown()
	util.Info().Msg("Shutdown complete")
}
