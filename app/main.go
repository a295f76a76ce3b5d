package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/tumblhook/app/api"
	"github.com/lysyi3m/tumblhook/app/backup"
	"github.com/lysyi3m/tumblhook/app/cfg"
	"github.com/lysyi3m/tumblhook/app/connections"
	"github.com/lysyi3m/tumblhook/app/connfile"
	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/discord"
	"github.com/lysyi3m/tumblhook/app/relay"
	"github.com/lysyi3m/tumblhook/app/settings"
	"github.com/lysyi3m/tumblhook/app/syncer"
	"github.com/lysyi3m/tumblhook/app/tasks"
	"github.com/lysyi3m/tumblhook/app/tumblr"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if appCfg == nil {
		return
	}

	level := slog.LevelInfo
	if appCfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(appCfg); err != nil {
		slog.Error("Tumblhook stopped", "error", err)
		os.Exit(1)
	}
}

func run(appCfg *cfg.Cfg) error {
	slog.Info("Starting Tumblhook", "version", appCfg.Version)

	db, err := database.NewConnection(appCfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		return err
	}
	slog.Info("Database ready", "path", appCfg.DBPath, "schema_version", version, "dirty", dirty)

	connRepo := database.NewConnectionRepository(db)
	ledgerRepo := database.NewLedgerRepository(db)
	activityRepo := database.NewActivityRepository(db)
	documentRepo := database.NewDocumentRepository(db)

	httpClient := &http.Client{Timeout: appCfg.GetRequestTimeout()}

	relays := tumblr.NewRelayChain(httpClient, appCfg.UserAgent, appCfg.CorsRelay, appCfg.FallbackRelays)
	if preferred, err := documentRepo.GetRelayPreference(); err != nil {
		slog.Warn("Failed to restore relay preference", "error", err)
	} else if preferred != "" {
		relays.SetPreferred(preferred)
		slog.Debug("Relay preference restored", "relay", preferred)
	}
	relays.OnPreferredChange(func(name string) {
		if err := documentRepo.SetRelayPreference(name); err != nil {
			slog.Warn("Failed to persist relay preference", "relay", name, "error", err)
		}
	})

	fetchClient := tumblr.NewClient(appCfg.TumblrBaseURL, appCfg.TumblrAPIKey, relays)

	queue := discord.NewQueue(httpClient, appCfg.GetDeliveryDelay())
	defer queue.Close()
	deliveryClient := discord.NewClient(queue, appCfg.WebhookUsername)

	settingsService := settings.NewService(documentRepo, fetchClient, deliveryClient, settings.Settings{
		TumblrAPIKey:    appCfg.TumblrAPIKey,
		CorsRelay:       appCfg.CorsRelay,
		SourceMode:      tumblr.ModeAPI,
		WebhookUsername: appCfg.WebhookUsername,
	})
	if err := settingsService.Load(); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	engine := syncer.NewEngine(fetchClient, ledgerRepo, connRepo, activityRepo, documentRepo, deliveryClient)
	manager := connections.NewManager(connRepo, fetchClient, deliveryClient)

	backupService, err := backup.NewService(db)
	if err != nil {
		return err
	}

	var publisher tasks.StableIDPublisher
	if appCfg.LookupRelayURL != "" {
		publisher = relay.NewPublisher(httpClient, appCfg.LookupRelayURL, appCfg.LookupRelayKey)
		slog.Info("Stable-id publishing enabled", "relay", appCfg.LookupRelayURL)
	}

	var configCache *connfile.ConfigCache
	if appCfg.ConnectionsDir != "" {
		configCache = connfile.NewConfigCache(appCfg.ConnectionsDir)
		if err := configCache.Run(); err != nil {
			return fmt.Errorf("failed to load connection files: %w", err)
		}
		slog.Info("Connection files loaded", "dir", appCfg.ConnectionsDir, "count", configCache.GetConfigCount())
	}

	scheduler := tasks.NewScheduler(tasks.SchedulerConfig{
		Engine:      engine,
		Connections: connRepo,
		ConfigCache: configCache,
		StableIDs:   ledgerRepo,
		Publisher:   publisher,
		Interval:    appCfg.GetSyncInterval(),
		WorkerCount: appCfg.WorkerCount,
	})
	scheduler.Start()
	defer scheduler.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if configCache != nil {
		if err := configCache.Watch(ctx, scheduler); err != nil {
			slog.Warn("Connection file watching disabled", "error", err)
		}
	}

	events := api.NewEventHub()
	engine.OnActivity(events.Publish)

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(api.HandlerConfig{
		Engine:      engine,
		Manager:     manager,
		Connections: connRepo,
		Ledger:      ledgerRepo,
		Activity:    activityRepo,
		Documents:   documentRepo,
		Settings:    settingsService,
		Backup:      backupService,
		Events:      events,
		Queue:       queue,
		Publisher:   scheduler,
		Version:     appCfg.Version,

		AllowedOrigins: appCfg.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // sync requests and the event stream run long
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", appCfg.Port, "auth", appCfg.APIAccessKey != "")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		return err
	}

	slog.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	slog.Info("Tumblhook shutdown complete")
	return nil
}
