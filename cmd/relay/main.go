package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jessevdk/go-flags"

	"github.com/lysyi3m/tumblhook/app/relay"
)

type options struct {
	Port         string   `long:"port" env:"PORT" default:"8787" description:"HTTP server port"`
	AllowedHosts []string `long:"allow-host" env:"ALLOWED_HOSTS" env-delim:"," default:"api.tumblr.com" description:"Hosts the relay may forward to; a leading dot allows subdomains"`
	APIKey       string   `long:"api-key" env:"RELAY_API_KEY" description:"Key required to publish stable-id maps"`
	RedisURL     string   `long:"redis-url" env:"REDIS_URL" description:"Redis URL for the stable-id store (optional)"`
	UserAgent    string   `long:"user-agent" env:"USER_AGENT" default:"Tumblhook Relay/1.0" description:"User agent for upstream requests"`
	Debug        bool     `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(opts); err != nil {
		slog.Error("Relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	gin.SetMode(gin.ReleaseMode)

	cfg := relay.ServerConfig{
		AllowedHosts: opts.AllowedHosts,
		APIKey:       opts.APIKey,
		UserAgent:    opts.UserAgent,
	}

	if opts.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := relay.NewRedisStore(ctx, opts.RedisURL)
		cancel()
		if err != nil {
			return err
		}
		defer store.Close()
		cfg.Store = store
	} else {
		slog.Warn("No Redis URL configured, lookup and upload endpoints are disabled")
	}

	httpServer := &http.Server{
		Addr:         ":" + opts.Port,
		Handler:      relay.NewServer(relay.NewHandler(cfg)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Relay listening", "port", opts.Port, "allowed_hosts", opts.AllowedHosts)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}

	slog.Info("Relay shutdown complete")
	return nil
}
