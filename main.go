package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/api"
	"taskboard/auth"
	"taskboard/blobs"
	"taskboard/config"
	"taskboard/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configFile string
	rootCmd := &cobra.Command{
		Use:          "taskboard",
		Short:        "Task board web service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json or toml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "provision",
		Short: "Create the tables and queues the server uses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStorage(); err != nil {
				return err
			}
			setLogLevel(log.StandardLogger(), cfg.Debug)
			return storage.Provision(cmd.Context(),
				cfg.StorageConnectionString,
				[]string{cfg.TasksTable, cfg.AttachmentsTable},
				[]string{cfg.EventsQueue},
			)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setLogLevel(logger *log.Logger, debug bool) {
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
}

func newVerifier(cfg *config.Config) (*auth.Verifier, func(), error) {
	if cfg.AuthTestMode {
		log.Warn("auth test mode enabled; ID tokens are checked with TEST_JWT_SECRET")
		return auth.NewVerifier(auth.VerifierConfig{TestSecret: []byte(cfg.TestJWTSecret)}), func() {}, nil
	}
	jwks, err := keyfunc.Get(cfg.OIDCJWKSURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("jwks: %w", err)
	}
	v := auth.NewVerifier(auth.VerifierConfig{
		JWKS:     jwks,
		Audience: cfg.Audience(),
		Issuers:  cfg.OIDCIssuers,
	})
	return v, jwks.EndBackground, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.New()
	setLogLevel(logger, cfg.Debug)
	setLogLevel(log.StandardLogger(), cfg.Debug)

	store, err := storage.New(cfg.StorageConnectionString, cfg.TasksTable, cfg.AttachmentsTable, cfg.EventsQueue)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	rc := redis.NewClient(cfg.RedisOptions())
	defer rc.Close()

	verifier, stopJWKS, err := newVerifier(cfg)
	if err != nil {
		return err
	}
	defer stopJWKS()

	sessions := auth.NewSessionStore(rc, cfg.SessionTTL)
	cache := storage.NewCache(store, rc, cfg.CacheTTL)
	registry := blobs.NewRegistry(cfg.BlobReleaseDelay)
	defer registry.Close()

	pool := api.DefaultPoolConfig(runtime.NumCPU())
	if cfg.EnqueueWorkers > 0 {
		pool.Workers = cfg.EnqueueWorkers
		pool.Buffer = cfg.EnqueueWorkers * 128
	}
	if cfg.EnqueueBuffer > 0 {
		pool.Buffer = cfg.EnqueueBuffer
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	server := api.Register(e, api.Deps{
		Store:    cache,
		Events:   cache,
		Deduper:  api.NewRedisDeduper(rc, cfg.DeduperTTL),
		Auth:     auth.NewAdapter(auth.NewIDTokenProvider(verifier, sessions), logger),
		Sessions: sessions,
		Verifier: verifier,
		Blobs:    registry,
		Log:      logger,
		Pool:     pool,
		ClientID: cfg.LoginClientID,
	})
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on :%s", cfg.Port)
		errCh <- e.Start(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
