package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/milanbella/sa-oauth/auth"
	"github.com/milanbella/sa-oauth/config"
	"github.com/milanbella/sa-oauth/db"
	"github.com/milanbella/sa-oauth/grant"
	"github.com/milanbella/sa-oauth/identity"
	"github.com/milanbella/sa-oauth/logger"
	"github.com/milanbella/sa-oauth/metrics"
	"github.com/milanbella/sa-oauth/session"
	"github.com/milanbella/sa-oauth/store"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
)

func main() {
	root := &cobra.Command{
		Use:           "sa-oauth",
		Short:         "OAuth 2.0 authorization server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCmd(),
		migrateCmd(),
		hashPasswordCmd(),
		userCmd(),
		clientCmd(),
		scopeCmd(),
		sessionCmd(),
	)

	err := root.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, sqlDB, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer closeDB(sqlDB)

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, sqlDB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	authenticator, err := newAuthenticator(cfg, sqlDB)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if err := metrics.RegisterDB(registry, sqlDB.DB); err != nil {
		return fmt.Errorf("register db metrics: %w", err)
	}

	server, err := newGrantServer(cfg, store.NewSQLStore(sqlDB), authenticator, m)
	if err != nil {
		return err
	}

	router := auth.NewRouter(auth.RouterDeps{
		Server:        server,
		Sessions:      session.NewManager(sqlDB),
		Authenticator: authenticator,
		Metrics:       m,
		LoginPath:     cfg.Auth.LoginPath,
		Health: func(r *http.Request) error {
			return sqlDB.PingContext(r.Context())
		},
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L().Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.Strings("grant_types", cfg.Auth.GrantTypes))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func newAuthenticator(cfg *config.Config, sqlDB *db.DB) (*identity.Authenticator, error) {
	encoder, err := identity.NewPasswordEncoder(cfg.Auth.PasswordHasher)
	if err != nil {
		return nil, err
	}
	return identity.NewAuthenticator(identity.NewSQLUserProvider(sqlDB), encoder), nil
}

// newGrantServer wires the configured grants over a SQL store. The verifier
// is only attached when the password grant is enabled.
func newGrantServer(cfg *config.Config, oauthStore *store.SQLStore, verifier grant.PasswordVerifier, observer grant.Observer) (*grant.Server, error) {
	opts := grant.Options{
		GrantTypes:      cfg.Auth.GrantTypes,
		AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
		AuthCodeTTL:     cfg.Auth.AuthCodeTTL,
		TokenBytes:      cfg.Auth.TokenBytes,
		DefaultScopes:   cfg.Auth.DefaultScopes,
		RequireScope:    cfg.Auth.RequireScope,
		Observer:        observer,
	}
	for _, gt := range cfg.Auth.GrantTypes {
		if grant.GrantType(gt) == grant.Password {
			opts.PasswordVerifier = verifier
		}
	}
	return grant.NewServer(oauthStore, oauthStore, oauthStore, opts)
}

// bootstrap loads configuration, installs the process logger and opens the database.
func bootstrap(ctx context.Context) (*config.Config, *db.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log)

	sqlDB, err := db.New(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("init db: %w", err)
	}
	return cfg, sqlDB, nil
}

func closeDB(sqlDB *db.DB) {
	if err := sqlDB.Close(); err != nil {
		logger.LogErr(fmt.Errorf("close db: %w", err))
	}
}
