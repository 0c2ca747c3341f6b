// Preview Server
//
// Features:
// - Debounced live previews of generated projects per session
// - Tree navigation, file-level diff against the dependency-free baseline
// - Syntax highlighting with bounded per-session caches
// - Metadata caching with explicit expiry
// - SSE phase notifications
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/preview/internal/api"
	"github.com/fruitsalade/preview/internal/config"
	"github.com/fruitsalade/preview/internal/events"
	"github.com/fruitsalade/preview/internal/highlight"
	"github.com/fruitsalade/preview/internal/logging"
	"github.com/fruitsalade/preview/internal/metacache"
	"github.com/fruitsalade/preview/internal/metrics"
	"github.com/fruitsalade/preview/internal/preview"
	"github.com/fruitsalade/preview/internal/session"
	"github.com/fruitsalade/preview/pkg/client"
	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/retry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Preview Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("generator", cfg.GeneratorURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Upstream collaborators
	upstream := client.New(client.Config{
		GeneratorURL: cfg.GeneratorURL,
		MetadataURL:  cfg.MetadataURL,
		Timeout:      cfg.UpstreamTimeout,
		Logger:       logging.Named("client"),
	})
	if err := upstream.Ping(ctx); err != nil {
		logging.Warn("generator not reachable yet", zap.Error(err))
	}

	metadata := metacache.NewLoader(metacache.New[models.Metadata](), func(ctx context.Context) (models.Metadata, error) {
		m, err := upstream.FetchMetadata(ctx)
		if err != nil {
			return models.Metadata{}, err
		}
		return *m, nil
	}, cfg.MetadataTTL, logging.Named("metadata"))

	// Snapshots are shared across sessions; highlight caches are not.
	snapshots, err := preview.NewSnapshotCache(cfg.SnapshotCacheSize)
	if err != nil {
		logging.Fatal("snapshot cache init failed", zap.Error(err))
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.RetryCount
	retryCfg.InitialWait = cfg.RetryBaseWait
	retryCfg.MaxWait = cfg.RetryMaxWait

	coordLog := logging.Named("preview")
	sessions, err := session.NewManager(session.Config{
		Secret:      cfg.SessionSecret,
		TTL:         cfg.SessionTTL,
		IdleTimeout: cfg.SessionIdleTimeout,
		MaxSessions: cfg.MaxSessions,
		NewCoordinator: func(id string, pub events.Publisher) (*preview.Coordinator, error) {
			hc, err := highlight.New(highlight.Config{
				TokenCapacity: cfg.TokenCapacity,
				LineCapacity:  cfg.LineCapacity,
			})
			if err != nil {
				return nil, err
			}
			return preview.New(preview.Config{
				Generator:   upstream,
				Highlighter: highlight.NewHighlighter(hc, cfg.DefaultTheme),
				Snapshots:   snapshots,
				Publisher:   pub,
				Logger:      coordLog.With(zap.String("session", id)),
				Debounce:    cfg.DebounceWindow,
				Retry:       retryCfg,
			})
		},
	})
	if err != nil {
		logging.Fatal("session manager init failed", zap.Error(err))
	}
	defer sessions.Close()

	go sessions.Run(ctx, time.Minute)

	srv := api.NewServer(metadata, sessions, cfg.CORSOrigins, nil)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
