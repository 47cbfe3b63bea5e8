package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tray-tracking-service/internal/cache"
	"tray-tracking-service/internal/config"
	"tray-tracking-service/internal/httpapi"
	"tray-tracking-service/internal/ingest"
	"tray-tracking-service/internal/mqtt"
	"tray-tracking-service/internal/publisher"
	"tray-tracking-service/internal/store"
	"tray-tracking-service/internal/topics"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.MQTTBrokerURL) == "" {
		slog.Error("missing required env", "key", "MQTT_BROKER_URL")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.User) == "" {
		slog.Error("missing required env", "key", "POSTGRES_USER")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.DBName) == "" {
		slog.Error("missing required env", "key", "POSTGRES_DB")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Host) == "" {
		slog.Error("missing required env", "key", "POSTGRES_HOST")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Port) == "" {
		slog.Error("missing required env", "key", "POSTGRES_PORT")
		os.Exit(1)
	}

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lastEvents := cache.New(cfg.RedisAddr)
	if lastEvents != nil {
		if err := lastEvents.Ping(ctx); err != nil {
			slog.Warn("redis unreachable, last-event cache disabled", "addr", cfg.RedisAddr, "error", err)
			lastEvents = nil
		}
	}

	listener := &ingest.Listener{Repo: repo, Cache: lastEvents}

	// Subscribing inside the connect callback re-establishes the
	// subscription after every broker reconnect.
	mq, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID, func(c *mqtt.Client) {
		if err := c.Subscribe(cfg.StatusTopicFilter, func(m mqtt.Message) {
			listener.HandleMessage(ctx, m, time.Now().UTC())
		}); err != nil {
			slog.Error("mqtt subscribe failed", "topic", cfg.StatusTopicFilter, "error", err)
		} else {
			slog.Info("tray ingest subscribed", "topic", cfg.StatusTopicFilter)
		}
	})
	if err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}
	defer mq.Close()

	resolver := topics.Resolver{ConfigTopic: cfg.ConfigTopic, LegacyTemplate: cfg.LegacyConfigTopicTemplate}
	pub := publisher.New(cfg.MQTTBrokerURL, cfg.MQTTClientID+"-config", resolver)

	srv := httpapi.New(repo, pub, lastEvents, cfg.StatusTopicTemplate)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("tray-tracking-service listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
