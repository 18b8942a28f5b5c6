package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"momon/internal/config"
	"momon/internal/deviceid"
	"momon/internal/jobs"
	"momon/internal/monsterclient"
	"momon/internal/server"
	"momon/internal/util"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxy cidrs", "err", err)
	}

	client := monsterclient.NewClient(cfg.APIBaseURL, deviceid.ContextProvider{},
		monsterclient.WithCreateTimeout(cfg.CreateTimeout),
		monsterclient.WithFetchTimeout(cfg.FetchTimeout),
	)

	var store jobs.Store
	if cfg.RedisAddr != "" {
		redisStore, err := jobs.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, "", cfg.JobTTL)
		if err != nil {
			util.Fatal("failed to init job store", "err", err)
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		store = jobs.NewMemoryStore(cfg.JobTTL)
	}

	limitPerMinute := cfg.CreateRateLimitPerMinute
	redisAddr := cfg.RedisAddr
	if limitPerMinute == 0 {
		redisAddr = ""
	}
	httpServer, err := server.New(server.Config{
		Creator:                  client,
		Getter:                   client,
		Jobs:                     store,
		JobTTL:                   cfg.JobTTL,
		SlowNoticeAfter:          cfg.SlowNoticeAfter,
		RedisAddr:                redisAddr,
		RedisPassword:            cfg.RedisPassword,
		CreateRateLimitPerMinute: limitPerMinute,
		CookieSecure:             cfg.CookieSecure,
		TrustedProxies:           trusted,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}
	defer httpServer.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("web server listening", "addr", addr, "api", client.BaseURL(), "redis", cfg.RedisAddr != "")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
