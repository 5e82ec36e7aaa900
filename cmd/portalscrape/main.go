package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/use-agent/portalscrape/api"
	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/cache"
	"github.com/use-agent/portalscrape/config"
	"github.com/use-agent/portalscrape/engine"
	"github.com/use-agent/portalscrape/enrich"
	"github.com/use-agent/portalscrape/guard"
	"github.com/use-agent/portalscrape/metrics"
	"github.com/use-agent/portalscrape/webhook"
	"golang.org/x/sync/semaphore"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("portalscrape starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"portal", cfg.Portal.BaseURL,
		"maxPages", cfg.Browser.MaxPages,
	)
	if cfg.Portal.Username == "" || cfg.Portal.Password == "" {
		slog.Warn("portal credentials are not set; extraction requests will fail")
	}

	// ── 3. Launch browser ───────────────────────────────────────────
	provider, err := browser.NewRodProvider(cfg.Browser)
	if err != nil {
		slog.Error("failed to launch browser", "error", err)
		os.Exit(1)
	}
	defer provider.Close()

	// ── 4. Extraction engine (+ optional audio enrichment) ─────────
	var engineOpts []engine.Option
	enricher, err := enrich.FromConfig(cfg.Enrich, cfg.Browser.DefaultProxy)
	if err != nil {
		slog.Error("failed to initialise audio enrichment", "error", err)
		os.Exit(1)
	}
	if enricher != nil {
		engineOpts = append(engineOpts, engine.WithEnricher(enricher))
		slog.Info("audio enrichment enabled", "folder", cfg.Enrich.Folder)
	} else {
		slog.Info("audio enrichment disabled, cloud urls will be null")
	}
	eng := engine.New(provider, engine.ConfigFrom(cfg.Portal, cfg.Extract), engineOpts...)

	// ── 5. Execution guard with observers ───────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	guardOpts := []guard.Option{
		guard.WithSlot(semaphore.NewWeighted(1)),
		guard.WithObserver(recorder),
	}
	var notifier *webhook.Notifier
	if cfg.Webhook.URL != "" {
		notifier = webhook.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Secret)
		guardOpts = append(guardOpts, guard.WithObserver(notifier))
		slog.Info("run webhooks enabled", "url", cfg.Webhook.URL)
	}
	g := guard.New(guard.EngineFactory(eng), guardOpts...)

	// ── 6. Cache ────────────────────────────────────────────────────
	cc := cache.New(cfg.Cache.MaxEntries)
	defer cc.Close()

	// ── 7. Setup router ─────────────────────────────────────────────
	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()
	router := api.NewRouter(rootCtx, cfg, api.Deps{
		Guard:     g,
		Cache:     cc,
		Pool:      provider,
		Metrics:   recorder.Handler(),
		StartTime: time.Now(),
	})

	// ── 8. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := newServer(addr, router, rootCtx, stop)

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 9. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String(), "run_active", g.Active())

	// Shutdown cancels rootCtx, which every request context derives from,
	// so an open stream closes its tab and frees the slot instead of
	// holding the drain until the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	if notifier != nil {
		notifier.Close()
	}
	slog.Info("portalscrape stopped")
}

// newServer builds the HTTP server. Request contexts derive from base, and
// cancel runs as soon as Shutdown starts.
func newServer(addr string, h http.Handler, base context.Context, cancel context.CancelFunc) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
