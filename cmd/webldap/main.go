package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"webldap/internal/api"
	"webldap/internal/config"
	"webldap/internal/db"
	"webldap/internal/directory/ldapdir"
	"webldap/internal/logger"
	"webldap/internal/metrics"
	"webldap/internal/notify"
	"webldap/internal/service"
	"webldap/internal/store"
	"webldap/internal/version"
)

func main() {
	root := newRootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "webldap:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "webldap",
		Short:         "Membership front end for an LDAP directory",
		Version:       version.Current().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var envFile string
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env, env ENV_FILE)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			return os.Setenv("ENV_FILE", envFile)
		}
		return nil
	}

	var purgeEvery time.Duration
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), purgeEvery)
		},
	}
	serve.Flags().DurationVar(&purgeEvery, "purge-interval", 0, "also purge expired requests and sessions on this interval (off by default; use purge-requests from cron)")

	purge := &cobra.Command{
		Use:   "purge-requests",
		Short: "Delete expired requests and sessions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			reqs, sessions, err := a.svc.PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d requests, %d sessions\n", reqs, sessions)
			return nil
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sqdb, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer sqdb.Close()
			applied, err := db.Migrate(cmd.Context(), sqdb, cfg.DBDriver)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			return nil
		},
	}

	root.AddCommand(serve, purge, migrate)
	return root
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(logger.Config{Env: cfg.LogEnv, Level: cfg.LogLevel, Service: "webldap", Version: version.Current().Version})
	return cfg, nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	sqdb, err := db.Open(ctx, db.Options{
		Driver:      cfg.DBDriver,
		DSN:         cfg.DBDSN,
		Path:        cfg.DBPath,
		MaxOpen:     cfg.DBMaxOpenConns,
		MaxIdle:     cfg.DBMaxIdleConns,
		MaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return sqdb, nil
}

type app struct {
	cfg     config.Config
	svc     *service.Service
	metrics *metrics.Metrics
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("shutdown", zap.Error(err))
		}
	}
}

// setup wires the stores, the directory and the mailer into a service.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metrics: metrics.New()}

	sqdb, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sqdb.Close)
	applied, err := db.Migrate(ctx, sqdb, cfg.DBDriver)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		logger.L().Info("migrations applied", zap.Strings("versions", applied))
	}
	st := store.New(sqdb).WithDriver(cfg.DBDriver)

	var requests store.RequestStore = st
	if cfg.RequestStore == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closers = append(a.closers, rdb.Close)
		rs := store.NewRedisRequests(rdb, cfg.RedisPrefix)
		if err := rs.Ping(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		requests = rs
	}

	dir := ldapdir.NewDialer(ldapdir.Options{
		URL:                cfg.LDAPURI,
		StartTLS:           cfg.LDAPStartTLS,
		InsecureSkipVerify: cfg.LDAPInsecureSkipVerify,
		Timeout:            cfg.LDAPTimeout,
		PasswordScheme:     cfg.LDAPPasswordScheme,
	})
	a.svc = service.New(cfg, st, requests, dir, notify.NewSender(cfg), a.metrics)
	logger.L().Info("service ready",
		zap.String("db", cfg.DBDriver),
		zap.String("requests", cfg.RequestStore),
		zap.String("ldap", cfg.LDAPURI),
	)
	return a, nil
}

func runServe(ctx context.Context, purgeEvery time.Duration) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	log := logger.Named("serve")

	hsrv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           api.NewRouter(a.cfg, a.svc, a.metrics),
		ReadTimeout:       time.Duration(a.cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", a.cfg.ListenAddr), zap.String("version", version.Current().Version))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info("shutting down")
		return hsrv.Shutdown(shutdownCtx)
	})
	if purgeEvery > 0 {
		g.Go(func() error {
			t := time.NewTicker(purgeEvery)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if _, _, err := a.svc.PurgeExpired(gctx); err != nil {
						log.Warn("purge expired", zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}
