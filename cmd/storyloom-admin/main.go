package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/storyloom/storyloom/pkg/archive"
	"github.com/storyloom/storyloom/pkg/audit"
	"github.com/storyloom/storyloom/pkg/auth"
	"github.com/storyloom/storyloom/pkg/config"
	"github.com/storyloom/storyloom/pkg/httputil"
	"github.com/storyloom/storyloom/pkg/middleware"
	"github.com/storyloom/storyloom/pkg/observability"
	"github.com/storyloom/storyloom/pkg/rbac"
	"github.com/storyloom/storyloom/pkg/webhooks"
)

// maxRequestBody caps admin API request bodies
const maxRequestBody = 1 << 20

func main() {
	issueToken := flag.String("issue-token", "", "Issue a session token for the named admin user and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *issueToken != "" {
		if err := runIssueToken(ctx, cfg, *issueToken); err != nil {
			logger.WithError(err).Error("Failed to issue token")
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// runIssueToken bootstraps a bearer token so the first administrator can
// reach the API.
func runIssueToken(ctx context.Context, cfg *config.Config, username string) error {
	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	user, err := rbac.NewStore(db).GetAdminUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("admin user %q: %w", username, err)
	}

	session, token, err := auth.NewTokenManager(db, cfg.Auth.SessionTTL).CreateSession(ctx, user.ID, "", "storyloom-admin cli")
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", token)
	fmt.Fprintf(os.Stderr, "session %d for %s expires at %s\n", session.ID, username, session.ExpiresAt.Format(time.RFC3339))
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("Connected to database")

	migrationLogger := logrus.New()
	migrationLogger.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Database.MigrateOnStart {
		if err := rbac.RunMigrations(ctx, db, migrationLogger); err != nil {
			db.Close()
			return err
		}
	}

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
		if otelProviders != nil {
			om, err := observability.NewOTelMetrics()
			if err != nil {
				logger.WithError(err).Warn("Failed to create OpenTelemetry instruments")
			} else {
				metrics.AttachOTel(om)
			}
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = rbac.NewRedisClient(ctx, rbac.RedisOptions{
			URL:        cfg.Redis.URL,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
			PoolSize:   cfg.Redis.PoolSize,
		})
		if err != nil {
			db.Close()
			return err
		}
		logger.Info("Connected to redis")
	}

	var cache rbac.PermissionCache
	switch cfg.RBAC.CacheBackend {
	case config.CacheBackendRedis:
		cache = rbac.NewRedisCache(redisClient, cfg.RBAC.CacheTTL)
	default:
		cache = rbac.NewMemoryCache(cfg.RBAC.CacheSize, cfg.RBAC.CacheTTL)
	}
	logger.WithField("backend", cfg.RBAC.CacheBackend).Info("Permission cache ready")

	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		db.Close()
		return err
	}
	var sinks []audit.Logger
	if cfg.Audit.Sink == config.AuditSinkDB || cfg.Audit.Sink == config.AuditSinkBoth {
		sinks = append(sinks, dbAudit)
	}
	if cfg.Audit.Sink == config.AuditSinkLog || cfg.Audit.Sink == config.AuditSinkBoth {
		sinks = append(sinks, audit.NewSlogLogger(logger.WithField("component", "audit")))
	}
	if cfg.Audit.WebhookURL != "" {
		eventTypes := make([]audit.EventType, 0, len(cfg.Audit.WebhookEvents))
		for _, et := range cfg.Audit.WebhookEvents {
			eventTypes = append(eventTypes, audit.EventType(et))
		}
		notifier, err := webhooks.NewNotifier(webhooks.Config{
			URL:        cfg.Audit.WebhookURL,
			Secret:     cfg.Audit.WebhookSecret,
			EventTypes: eventTypes,
		})
		if err != nil {
			db.Close()
			return err
		}
		// deliveries retry with backoff, keep them off the request path
		webhookSink := audit.NewMultiLogger(notifier)
		webhookSink.SetAsync(true)
		sinks = append(sinks, webhookSink)
		logger.WithField("events", len(eventTypes)).Info("Audit webhook enabled")
	}
	auditLogger := audit.NewMultiLogger(sinks...)
	auditLogger.SetAsync(cfg.Audit.Async)

	store := rbac.NewStore(db)
	resolver := rbac.NewResolver(store, cache,
		rbac.WithSuperAdminRole(cfg.RBAC.SuperAdminRole),
		rbac.WithMetrics(metrics),
	)
	decisions := rbac.NewDecisionPoint(store, resolver, metrics)
	manager := rbac.NewManager(store, resolver, auditLogger, metrics)

	if err := applySeed(ctx, cfg.RBAC, manager, migrationLogger); err != nil {
		db.Close()
		return err
	}

	tokens := auth.NewTokenManager(db, cfg.Auth.SessionTTL)
	permissions := rbac.NewPermissionMiddleware(decisions, auditLogger)

	limiter := newLimiter(ctx, cfg.Server, redisClient)

	if err := httputil.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		db.Close()
		return err
	}

	router := mux.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RequestLogger(logger),
		observability.RecoveryMiddleware(logger),
		audit.ContextMiddleware(auditLogger),
		observability.HTTPMetricsMiddleware(metrics),
	)

	api := router.PathPrefix("/api/admin").Subrouter()
	api.Use(httputil.Chain(httputil.ContentTypeMiddleware, httputil.MaxBytesMiddleware(maxRequestBody)))
	api.Use(middleware.NewAuthMiddleware(tokens, auditLogger, false).Handler)
	if limiter != nil {
		api.Use(middleware.RateLimit(limiter))
	}

	rbac.NewHandlers(manager, decisions, permissions).RegisterRoutes(api.PathPrefix("/rbac").Subrouter())
	auth.NewHandlers(tokens, auditLogger).RegisterRoutes(api, permissions.RequireAny)
	if a := cfg.Auth; a.OIDCIssuerURL != "" {
		login, err := auth.NewOIDCLogin(ctx, auth.OIDCConfig{
			IssuerURL:     a.OIDCIssuerURL,
			ClientID:      a.OIDCClientID,
			ClientSecret:  a.OIDCClientSecret,
			RedirectURL:   a.OIDCRedirectURL,
			Scopes:        a.OIDCScopes,
			UsernameClaim: a.OIDCUsernameClaim,
		}, tokens, auditLogger)
		if err != nil {
			db.Close()
			return err
		}
		login.RegisterRoutes(router)
		logger.WithField("issuer", a.OIDCIssuerURL).Info("OIDC sign-in enabled")
	}
	auditRouter := api.NewRoute().Subrouter()
	auditRouter.Use(permissions.RequireAny(audit.PermissionView))
	audit.NewHandlers(dbAudit).RegisterRoutes(auditRouter)

	var handler http.Handler = router
	if cfg.Observability.OTelEnabled {
		handler = observability.HTTPTracing(router, "storyloom-admin")
	}
	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var archiver audit.Archiver
	if a := cfg.Audit.Archive; a.Enabled {
		s3Archiver, err := archive.NewS3Archiver(ctx, archive.Config{
			Bucket:       a.Bucket,
			Region:       a.Region,
			Endpoint:     a.Endpoint,
			Prefix:       a.Prefix,
			AccessKey:    a.AccessKey,
			SecretKey:    a.SecretKey,
			UsePathStyle: a.UsePathStyle,
		})
		if err != nil {
			db.Close()
			return err
		}
		archiver = s3Archiver
		logger.WithField("bucket", a.Bucket).Info("Audit archiving enabled")
	}

	scheduler, err := newMaintenance(maintenanceJobs{
		audit:     dbAudit,
		retention: audit.RetentionPolicy{RetentionDays: cfg.Audit.RetentionDays},
		archiver:  archiver,
		tokens:    tokens,
		db:        db,
		metrics:   metrics,
		logger:    logger.WithField("component", "maintenance"),
	})
	if err != nil {
		db.Close()
		return err
	}
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc("maintenance", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("audit", func(context.Context) error {
		return auditLogger.Close()
	})
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.RegisterShutdownFunc("database", func(context.Context) error {
		return db.Close()
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Admin API listening on %s", apiServer.Addr)
		return serve(apiServer)
	})
	g.Go(func() error {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		return serve(healthServer)
	})
	if cfg.RBAC.WatchSeed {
		watcher := rbac.NewSeedWatcher(manager, cfg.RBAC.SeedFile, migrationLogger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		return shutdown.Wait(gctx)
	})

	return g.Wait()
}

func serve(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", server.Addr, err)
	}
	return nil
}

// applySeed loads the configured seed file, or the built-in catalog when none
// is set, and applies it under the configured super-admin role name.
func applySeed(ctx context.Context, cfg config.RBACConfig, manager *rbac.Manager, logger *logrus.Logger) error {
	seed := rbac.DefaultSeed()
	if cfg.SeedFile != "" {
		loaded, err := rbac.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		seed = loaded
	} else if cfg.SuperAdminRole != rbac.SuperAdminRole {
		for i := range seed.Roles {
			if seed.Roles[i].Name == rbac.SuperAdminRole {
				seed.Roles[i].Name = cfg.SuperAdminRole
			}
		}
	}

	_, err := manager.ApplySeed(ctx, seed, logger)
	return err
}

func newLimiter(ctx context.Context, cfg config.ServerConfig, client *redis.Client) middleware.Limiter {
	if cfg.RateLimitPerMinute == 0 {
		return nil
	}
	limits := middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimitPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.RateLimitBurst,
	}
	if client != nil {
		return middleware.NewRedisLimiter(client, limits, "storyloom:ratelimit:")
	}
	limiter := middleware.NewMemoryLimiter(limits)
	limiter.StartCleanup(ctx)
	return limiter
}
