package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mediline/clinic-sync/internal/api"
	"github.com/mediline/clinic-sync/internal/archive"
	"github.com/mediline/clinic-sync/internal/cache"
	"github.com/mediline/clinic-sync/internal/handlers"
	"github.com/mediline/clinic-sync/internal/session"
)

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	slog.Info("starting clinic sync agent")

	statusPort := getEnv("STATUS_PORT", "8090")
	apiBaseURL := getEnv("API_BASE_URL", "http://localhost:8080")
	channelURL := getEnv("CHANNEL_URL", "ws://localhost:8080/ws")
	sessionToken := getEnv("SESSION_TOKEN", "")
	sessionUserID := getEnv("SESSION_USER_ID", "")
	redisURL := getEnv("REDIS_URL", "")
	archiveURL := getEnv("ARCHIVE_DATABASE_URL", "")
	pollSeconds := getEnvInt("NOTIFICATION_POLL_SECONDS", 60)

	if sessionToken == "" || sessionUserID == "" {
		slog.Error("SESSION_TOKEN and SESSION_USER_ID are required")
		os.Exit(1)
	}

	opts := session.Options{}

	if redisURL != "" {
		snapshots, err := cache.Open(redisURL)
		if err != nil {
			slog.Error("failed to open snapshot store", "error", err)
			os.Exit(1)
		}
		defer snapshots.Close()
		opts.Snapshots = snapshots
		slog.Info("connected to snapshot store")
	}

	if archiveURL != "" {
		db, err := archive.InitDB(archiveURL)
		if err != nil {
			slog.Error("failed to init archive database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := archive.RunMigrations(db); err != nil {
			slog.Error("failed to run archive migrations", "error", err)
			os.Exit(1)
		}
		opts.Archive = archive.NewStore(db)
		slog.Info("connected to archive database")
	}

	client := api.NewClient(apiBaseURL, sessionToken)
	engine := session.New(session.Config{
		ChannelURL:   channelURL,
		PollInterval: time.Duration(pollSeconds) * time.Second,
	}, client, sessionToken, sessionUserID, opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         ":" + statusPort,
		Handler:      handlers.NewRouter(engine),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("status server listening", "port", statusPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("status server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	engine.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("agent stopped gracefully")
}
