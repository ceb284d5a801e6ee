// Pantry Server
//
// Features:
// - Multi-channel uploads (object store, messaging relay, S3-compatible,
//   external URL) with automatic failover
// - Share links with passwords, expiry and view limits
// - Direct links by folder/filename
// - Content moderation (inline, deferred or two-phase per channel)
// - Per-user quotas & rate limiting
// - Local, Redis and CDN cache invalidation
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/api"
	"github.com/fruitsalade/pantry/internal/auth"
	"github.com/fruitsalade/pantry/internal/cache"
	"github.com/fruitsalade/pantry/internal/channel"
	"github.com/fruitsalade/pantry/internal/channel/external"
	"github.com/fruitsalade/pantry/internal/channel/objectstore"
	"github.com/fruitsalade/pantry/internal/channel/relay"
	"github.com/fruitsalade/pantry/internal/channel/s3compat"
	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/dispatch"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/geo"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metadata/badger"
	"github.com/fruitsalade/pantry/internal/metadata/postgres"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/moderation"
	"github.com/fruitsalade/pantry/internal/naming"
	"github.com/fruitsalade/pantry/internal/quota"
	"github.com/fruitsalade/pantry/internal/share"
	"github.com/fruitsalade/pantry/internal/storage/factory"
	"github.com/fruitsalade/pantry/internal/thumbs"
	"github.com/fruitsalade/pantry/internal/upload"
)

func main() {
	configPath := flag.String("config", os.Getenv("PANTRY_CONFIG"), "path to the YAML configuration file")
	issueFor := flag.String("issue-token", "", "print a token for this user id and exit")
	issueAdmin := flag.Bool("admin", false, "with -issue-token, issue an admin token")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	authHandler := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if *issueFor != "" {
		token, expiresAt, err := authHandler.IssueToken(*issueFor, *issueFor, *issueAdmin)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
		return
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.Output,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Pantry server starting...",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata
	kv, err := openMetadata(ctx, cfg.Metadata)
	if err != nil {
		logging.Fatal("metadata store init failed", zap.Error(err))
	}
	store := metadata.NewStore(kv)
	defer store.Close()
	if n, err := store.RebuildNameIndex(ctx); err != nil {
		logging.Fatal("name index rebuild failed", zap.Error(err))
	} else {
		logging.Info("name index rebuilt", zap.Int("files", n))
	}

	// Upload channels
	adapters, closers, err := buildChannels(ctx, cfg.Channels)
	if err != nil {
		logging.Fatal("channel init failed", zap.Error(err))
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logging.Warn("channel close failed", zap.Error(err))
			}
		}
	}()
	dispatcher := dispatch.New(adapters...)
	if !dispatcher.Configured(cfg.Upload.DefaultChannel) {
		logging.Warn("default upload channel is not configured",
			logging.Channel(cfg.Upload.DefaultChannel))
	}
	logging.Info("upload channels ready", zap.Strings("channels", dispatcher.Channels()))

	broadcaster := events.NewBroadcaster()

	// Moderation
	gate, err := moderation.NewGate(cfg.Moderation)
	if err != nil {
		logging.Fatal("moderation init failed", zap.Error(err))
	}
	processor := moderation.NewProcessor(gate, upload.LabelApplier(store, broadcaster),
		cfg.Moderation.Workers, cfg.Moderation.QueueSize)
	processor.Start(ctx)
	defer processor.Stop()

	// GeoIP
	locator, err := geo.Open(cfg.GeoIP.DatabasePath)
	if err != nil {
		logging.Fatal("geoip init failed", zap.Error(err))
	}
	defer locator.Close()
	proxies, err := geo.ParseProxies(cfg.Server.TrustedProxies)
	if err != nil {
		logging.Fatal("invalid trusted proxies", zap.Error(err))
	}

	// Caches and invalidation
	files := cache.NewFiles(cfg.Cache.FileSize, cfg.Cache.FileTTL)
	var purgers []cache.Purger
	if cfg.Cache.Redis.Addr != "" {
		client, err := cache.NewRedisClient(ctx, cfg.Cache.Redis)
		if err != nil {
			logging.Fatal("redis init failed", zap.Error(err))
		}
		fanout := cache.NewRedisFanout(client, cfg.Cache.Redis.Channel)
		defer fanout.Close()
		go fanout.Listen(ctx, files)
		purgers = append(purgers, fanout)
		logging.Info("redis invalidation enabled", zap.String("addr", cfg.Cache.Redis.Addr))
	}
	if cfg.Cache.CDN.Enabled {
		purgers = append(purgers, cache.NewCDN(cfg.Cache.CDN))
		logging.Info("CDN purge enabled", zap.String("zone", cfg.Cache.CDN.ZoneID))
	}
	go cache.NewInvalidator(files, purgers...).Run(ctx, broadcaster)

	// Quotas
	ledger := quota.NewLedger(store, cfg.Quota.DefaultTotal)
	var rateLimiter *quota.RateLimiter
	if cfg.Quota.RequestsPerMinute > 0 {
		rateLimiter = quota.NewRateLimiter(cfg.Quota.RequestsPerMinute)
	}

	defaultNameType, err := naming.ParseStrategy(cfg.Upload.DefaultNameType, naming.Origin)
	if err != nil {
		logging.Fatal("invalid default name type", zap.Error(err))
	}

	uploads := upload.NewService(upload.Deps{
		Store:      store,
		Ledger:     ledger,
		Names:      naming.NewResolver(store, cfg.Upload.MaxFolderDepth, cfg.Upload.ShortIDAttempts),
		Dispatcher: dispatcher,
		Gate:       gate,
		Processor:  processor,
		Geo:        locator,
		Bus:        broadcaster,
	}, upload.Options{
		DefaultChannel:  cfg.Upload.DefaultChannel,
		DefaultNameType: defaultNameType,
		PublicURL:       cfg.Server.PublicURL,
	})

	// Create API server
	srv := api.NewServer(api.Deps{
		Auth:       authHandler,
		Uploads:    uploads,
		Resolver:   share.NewResolver(store, files),
		Guard:      share.NewGuard(store, broadcaster, cfg.Server.PublicURL),
		Shares:     share.NewManager(store, broadcaster, cfg.Server.PublicURL),
		Ledger:     ledger,
		Limiter:    rateLimiter,
		Dispatcher: dispatcher,
		Thumbs:     thumbs.NewCache(cfg.Cache.ThumbSize, cfg.Cache.FileTTL),
		Proxies:    proxies,
	}, cfg.Server)

	// Start metrics server
	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Periodic housekeeping
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pg, ok := kv.(*postgres.Store); ok {
					pg.UpdateConnectionMetrics()
				}
			}
		}
	}()
	if rateLimiter != nil {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					rateLimiter.Cleanup(24 * time.Hour)
				}
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		if useTLS {
			logging.Info("server listening (TLS 1.3)",
				zap.String("addr", cfg.Server.ListenAddr),
				zap.String("cert", cfg.Server.TLSCertFile))
			serveErr <- httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			return
		}
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.Server.ListenAddr))
		serveErr <- httpServer.ListenAndServe()
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logging.Info("shutting down...", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("graceful shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	cancel()
	logging.Info("server stopped")
}

func openMetadata(ctx context.Context, cfg config.MetadataConfig) (metadata.KV, error) {
	switch cfg.Type {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		pg, err := postgres.New(cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		logging.Info("running migrations...")
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil
	default:
		logging.Info("opening BadgerDB...", zap.String("dir", cfg.Badger.Dir), zap.Bool("in_memory", cfg.Badger.InMemory))
		return badger.Open(badger.Config{Dir: cfg.Badger.Dir, InMemory: cfg.Badger.InMemory})
	}
}

// buildChannels constructs every enabled channel adapter. The returned
// closers release adapter resources on shutdown.
func buildChannels(ctx context.Context, cfg config.ChannelsConfig) ([]channel.Adapter, []io.Closer, error) {
	var (
		adapters []channel.Adapter
		closers  []io.Closer
	)

	if cfg.ObjectStore.Enabled {
		backend, err := factory.NewBackendFromConfig(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, nil, fmt.Errorf("object store: %w", err)
		}
		c := objectstore.New(backend, cfg.ObjectStore.PublicURL)
		adapters = append(adapters, c)
		closers = append(closers, c)
	}
	if cfg.Relay.Enabled {
		c, err := relay.New(cfg.Relay)
		if err != nil {
			return nil, nil, fmt.Errorf("relay: %w", err)
		}
		adapters = append(adapters, c)
	}
	if cfg.S3.Enabled {
		c, err := s3compat.New(ctx, cfg.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("s3: %w", err)
		}
		adapters = append(adapters, c)
		closers = append(closers, c)
	}
	if cfg.External.Enabled {
		adapters = append(adapters, external.New())
	}
	return adapters, closers, nil
}
