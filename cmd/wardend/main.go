package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/teamwarden/internal/api"
	"github.com/nidhogg/teamwarden/internal/clock"
	"github.com/nidhogg/teamwarden/internal/config"
	"github.com/nidhogg/teamwarden/internal/notify"
	"github.com/nidhogg/teamwarden/internal/session"
	pgstore "github.com/nidhogg/teamwarden/internal/store"
	"github.com/nidhogg/teamwarden/internal/team"
	"github.com/nidhogg/teamwarden/internal/teamstore"
	"github.com/nidhogg/teamwarden/internal/watchdog"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/teamwarden.jsonc"
	}
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = &config.Config{}
		cfg.WithDefaults()
	}

	var logger *zap.Logger
	if cfg.Server.LogLevel == "production" {
		logger, _ = zap.NewProduction()
	} else {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	logger.Info("Starting teamwarden...")
	if cfgErr != nil {
		logger.Warn("config unavailable, using defaults", zap.String("path", cfgPath), zap.Error(cfgErr))
	} else {
		logger.Info("Config loaded", zap.String("path", cfgPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.Real()

	// Team storage
	storage, err := teamstore.New(cfg.Storage.BaseDir, clk, logger)
	if err != nil {
		logger.Fatal("failed to open team storage", zap.String("dir", cfg.Storage.BaseDir), zap.Error(err))
	}

	// Agents orphaned by a previous crash
	tracker := session.NewTracker(cfg.Session.TrackerFile, nil, clk, logger)
	if err := tracker.Load(); err != nil {
		logger.Warn("session tracker unavailable", zap.Error(err))
	} else if orphaned := tracker.CleanupOrphaned(); len(orphaned) > 0 {
		logger.Info("Orphaned agents terminated", zap.Strings("sessions", orphaned))
	}

	// Notification sinks
	recent := notify.NewMemorySink(cfg.Notify.MemoryCapacity)
	sinks := []notify.Sink{recent}

	var redisSink *notify.RedisSink
	if cfg.Notify.Redis.URL != "" {
		rs, rErr := notify.NewRedisSink(ctx, cfg.Notify.Redis.URL, cfg.Notify.Redis.Stream, cfg.Notify.Redis.MaxLen, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(rErr))
		} else {
			redisSink = rs
			sinks = append(sinks, rs)
		}
	}

	if sc := cfg.Notify.Slack; sc.Enabled && sc.BotToken != "" && sc.ChannelID != "" {
		sinks = append(sinks, notify.NewSlackSink(sc.BotToken, sc.ChannelID, logger))
		logger.Info("Slack notifications enabled", zap.String("channel", sc.ChannelID))
	}

	if dc := cfg.Notify.Discord; dc.Enabled && dc.BotToken != "" && dc.ChannelID != "" {
		ds, dErr := notify.NewDiscordSink(dc.BotToken, dc.ChannelID, logger)
		if dErr != nil {
			logger.Warn("Discord unavailable", zap.Error(dErr))
		} else {
			sinks = append(sinks, ds)
			logger.Info("Discord notifications enabled", zap.String("channel", dc.ChannelID))
		}
	}

	var archive *pgstore.Store
	if dsn := cfg.Notify.Postgres.DSN; dsn != "" {
		ps, pgErr := pgstore.New(ctx, dsn, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without recovery archive", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Notify.Postgres.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			archive = ps
			sinks = append(sinks, ps)
		}
	}

	hub := notify.NewHub(clk, cfg.Notify.QueueSize, logger, sinks...)
	hub.Start()

	// Team service and watchdog
	svc := team.NewService(team.NewManager(storage, clk, logger), hub, logger)
	wd := watchdog.New(svc, hub, clk, cfg.WatchdogSettings(), logger)
	go wd.Run(ctx)

	monitorActiveTeams(ctx, storage, svc, wd, logger)

	handler := api.NewHandler(svc, wd, hub, recent, archive, tracker, clk, cfg.HeartbeatInterval(), cfg.Server.CORSOrigins, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("teamwarden listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down teamwarden...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	srv.Shutdown(shutdownCtx)
	if err := wd.Shutdown(shutdownCtx); err != nil {
		logger.Warn("watchdog shutdown", zap.Error(err))
	}
	svc.Close()
	hub.Stop()
	if redisSink != nil {
		redisSink.Close()
	}
	if archive != nil {
		archive.Close()
	}
}

// monitorActiveTeams hands every active team on disk to the watchdog.
func monitorActiveTeams(ctx context.Context, storage *teamstore.Storage, svc *team.Service, wd *watchdog.Watchdog, logger *zap.Logger) {
	projects, err := storage.Projects()
	if err != nil {
		logger.Warn("listing projects failed", zap.Error(err))
		return
	}
	active := teamstore.TeamActive
	n := 0
	for _, p := range projects {
		teams, err := svc.ListTeams(ctx, p, &active)
		if err != nil {
			logger.Warn("listing teams failed", zap.String("project", p), zap.Error(err))
			continue
		}
		for _, t := range teams {
			if err := wd.StartMonitoring(ctx, t.ID, p); err != nil {
				logger.Warn("start monitoring failed", zap.String("team", t.ID), zap.Error(err))
				continue
			}
			n++
		}
	}
	logger.Info("Watchdog started", zap.Int("teams", n), zap.Int("projects", len(projects)))
}
