package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/rolecontext/internal/config"
	"github.com/ehr/rolecontext/internal/domain/actingcontext"
	"github.com/ehr/rolecontext/internal/domain/assignment"
	"github.com/ehr/rolecontext/internal/domain/capability"
	"github.com/ehr/rolecontext/internal/platform/auth"
	"github.com/ehr/rolecontext/internal/platform/db"
	"github.com/ehr/rolecontext/internal/platform/hipaa"
	"github.com/ehr/rolecontext/internal/platform/middleware"
	"github.com/ehr/rolecontext/internal/platform/prefstore"
	"github.com/ehr/rolecontext/internal/platform/telemetry"
	"github.com/ehr/rolecontext/internal/platform/websocket"
	"github.com/ehr/rolecontext/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rolecontext",
		Short:         "Establishment-scoped acting context service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(sessionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.Files).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)

			if err := assignment.ChangeTrigger.Bind(ctx, pool, cfg.ChangeFeedChannel); err != nil {
				return fmt.Errorf("bind change feed channel: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assignment changes publish on %q.\n", cfg.ChangeFeedChannel)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx, nil)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrations(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the eligible assignments of an identity and the context they produce",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, _ := cmd.Flags().GetString("identity")
			if identity == "" {
				return fmt.Errorf("--identity is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			resolver := assignment.NewResolver(assignment.NewRepo(pool), newLogger(cfg))
			res, err := resolver.Resolve(ctx, identity)
			if err != nil {
				return err
			}
			printResolution(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().String("identity", "", "Identity provider subject")
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open an interactive acting-context session for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, _ := cmd.Flags().GetString("identity")
			if identity == "" {
				return fmt.Errorf("--identity is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg).Level(zerolog.WarnLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			feed, err := startFeed(ctx, pool, cfg, logger)
			if err != nil {
				return err
			}

			prefs, closePrefs, _, err := openPreferences(ctx, cfg)
			if err != nil {
				return err
			}
			defer closePrefs()

			s := actingcontext.NewSession(identity, actingcontext.Config{
				Resolver:      assignment.NewResolver(assignment.NewRepo(pool), logger),
				Preferences:   prefs,
				Feed:          feed,
				Auditor:       hipaa.NewLogAuditor(logger),
				Logger:        logger,
				RetryInterval: cfg.RefreshRetryInterval,
			})
			defer s.Close()

			return newConsole(s, cmd.InOrStdin(), cmd.OutOrStdout()).Run(ctx)
		},
	}
	cmd.Flags().String("identity", "", "Identity provider subject")
	return cmd
}

// openPool connects with cfg, loading the configuration when cfg is nil.
func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, err
		}
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

// startFeed listens for assignment notifications until ctx ends.
func startFeed(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) (*assignment.PGFeed, error) {
	bound, err := assignment.ChangeTrigger.Channel(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("%w; run `rolecontext migrate up`", err)
	}
	if bound != cfg.ChangeFeedChannel {
		return nil, fmt.Errorf("assignment trigger publishes on %q but CHANGE_FEED_CHANNEL is %q; run `rolecontext migrate up`",
			bound, cfg.ChangeFeedChannel)
	}
	listener, err := db.NewNotifyListener(pool, cfg.ChangeFeedChannel, logger)
	if err != nil {
		return nil, err
	}
	feed := assignment.NewPGFeed(listener, logger)
	feed.OnEvent(func(evt assignment.ChangeEvent) {
		logger.Debug().
			Str("op", string(evt.Op)).
			Str("professional_id", evt.ProfessionalID.String()).
			Msg("assignment changed")
	})
	go func() {
		if err := feed.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("change feed stopped")
		}
	}()
	return feed, nil
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.New()
	checks := []db.Check{db.PoolCheck(pool)}

	prefs, closePrefs, check, err := openPreferences(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePrefs()
	if check != nil {
		checks = append(checks, *check)
		logger.Info().Msg("connected to redis")
	}

	// Activation audit
	var auditor actingcontext.Auditor = hipaa.NewLogAuditor(logger)
	if cfg.AuditBackend == config.BackendDB {
		auditor = hipaa.NewPGAuditor(pool)
	}

	repo := assignment.NewRepo(pool)
	feed, err := startFeed(ctx, pool, cfg, logger)
	if err != nil {
		return err
	}

	hub := websocket.NewHub(logger)
	manager := actingcontext.NewManager(actingcontext.Config{
		Resolver:      assignment.NewResolver(repo, logger),
		Preferences:   prefs,
		Feed:          feed,
		Auditor:       auditor,
		Metrics:       metrics,
		Publisher:     hub,
		Logger:        logger,
		RetryInterval: cfg.RefreshRetryInterval,
	}, cfg.SessionIdleTimeout)
	go manager.Run(ctx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(metrics.Middleware())

	e.GET("/health", db.HealthHandler(pool, checks...))
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1", middleware.Logger(logger), authMiddleware(cfg))
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	ws := websocket.NewHandler(hub, originChecker(cfg.CORSOrigins))
	actingcontext.NewHandler(manager, ws, logger).RegisterRoutes(apiV1)
	assignment.NewHandler(assignment.NewService(repo)).
		RegisterRoutes(apiV1, auth.RequireCapability(manager, capability.ManageStaff))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	manager.Close()
	logger.Info().Msg("server stopped")
	return nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		return auth.DevAuthMiddleware("")
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// openPreferences returns the configured preference store, its closer and,
// for Redis, a health check.
func openPreferences(ctx context.Context, cfg *config.Config) (prefstore.Store, func(), *db.Check, error) {
	if cfg.PreferenceBackend != config.BackendRedis {
		return prefstore.NewMemory(), func() {}, nil, nil
	}
	client, err := prefstore.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	check := redisCheck(client)
	return prefstore.NewRedis(client, cfg.PreferenceKeyPrefix), func() { client.Close() }, &check, nil
}

func redisCheck(client *redis.Client) db.Check {
	return db.Check{Name: "redis", Ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// originChecker accepts websocket upgrades from the CORS origins. A
// request without an Origin header is not a browser and is allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return set[u.Scheme+"://"+u.Host]
	}
}
