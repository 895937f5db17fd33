package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/storefront/accounts/internal/auth"
	"github.com/storefront/accounts/internal/config"
	"github.com/storefront/accounts/internal/db"
	httphandler "github.com/storefront/accounts/internal/http"
	"github.com/storefront/accounts/internal/http/handlers"
	"github.com/storefront/accounts/internal/kv"
	"github.com/storefront/accounts/internal/logger"
	"github.com/storefront/accounts/internal/notify"
	"github.com/storefront/accounts/internal/ratelimit"
	"github.com/storefront/accounts/internal/repo"
	"github.com/storefront/accounts/internal/revocation"
	"github.com/storefront/accounts/internal/telemetry"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n\n%s\n", os.Args[0], config.Usage())
	}
	flag.Parse()

	// .env is optional; real environment variables win
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.LogLevel)
	log := logger.Log
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server exited")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	repos, err := openRepos(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer repos.close()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics, err := telemetry.NewProvider(telemetry.Config{
		ServiceName: "storefront-accounts",
		Environment: cfg.Env,
		Enabled:     cfg.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	hasher, err := auth.NewHasher(cfg.BcryptCost)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(store, ratelimit.OnDeny(func(_ context.Context, key string, d ratelimit.Decision) {
		log.Info("rate limited", zap.String("action", ratelimit.Action(key)), zap.Duration("retry_after", d.RetryAfter))
	}))

	tokens := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:   cfg.JWT.AccessSecret,
		RefreshSecret:  cfg.JWT.RefreshSecret,
		Issuer:         cfg.JWT.Issuer,
		AccessTTL:      cfg.JWT.AccessTTL,
		RefreshTTL:     cfg.JWT.RefreshTTL,
		ReuseDetection: cfg.JWT.ReuseDetection,
		ReuseGrace:     cfg.JWT.ReuseGrace,
	}, repos.sessions, revocation.New(store, time.Now), log.Named("tokens"), metrics)

	otps := auth.NewOTPManager(store, auth.OTPConfig{
		Salt:        cfg.OTP.Salt,
		TTL:         cfg.OTP.TTL,
		MaxAttempts: cfg.OTP.MaxAttempts,
	})

	var notifier notify.Notifier = notify.NewLogNotifier(log.Named("notify"))
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
	} else if cfg.IsProduction() {
		log.Warn("NOTIFY_WEBHOOK_URL is not set; reset codes will not reach customers")
	}

	svc := auth.NewService(auth.Deps{
		Accounts: repos.accounts,
		Tokens:   tokens,
		OTPs:     otps,
		Limiter:  limiter,
		Hasher:   hasher,
		Notifier: notifier,
		Policies: auth.Policies{
			Register:       cfg.Limits.Register,
			Login:          cfg.Limits.Login,
			Refresh:        cfg.Limits.Refresh,
			ForgotPassword: cfg.Limits.ForgotPassword,
			VerifyOTP:      cfg.Limits.VerifyOTP,
			ResetPassword:  cfg.Limits.ResetPassword,
		},
		NotifyTimeout: cfg.Notify.Timeout,
		Log:           log.Named("auth"),
		Metrics:       metrics,
	})

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = metrics.Handler()
	}

	router := httphandler.NewRouter(httphandler.RouterDeps{
		Service: svc,
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"database": repos.health,
			"store":    handlers.PingFunc(store.Ping),
		}, log),
		Metrics:           metricsHandler,
		Limiter:           limiter,
		RequestLimit:      cfg.Limits.Requests,
		AllowedOrigins:    cfg.CORSOrigins,
		TrustProxyHeaders: cfg.TrustProxy,
		Log:               log.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := svc.Drain(shutdownCtx); err != nil {
		log.Warn("pending otp deliveries abandoned", zap.Error(err))
	}
	return nil
}

type repositories struct {
	accounts repo.AccountRepo
	sessions repo.RefreshRepo
	// health is nil for in-process repositories.
	health handlers.Pinger
	close  func()
}

// openRepos connects to Postgres and migrates it. Without DATABASE_URL
// (development only) accounts and sessions live in process and vanish on
// restart.
func openRepos(ctx context.Context, cfg *config.Config, log *zap.Logger) (*repositories, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL is not set; accounts are kept in memory")
		return &repositories{
			accounts: repo.NewMemoryAccountRepo(),
			sessions: repo.NewMemoryRefreshRepo(),
			close:    func() {},
		}, nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx, database, log); err != nil {
		database.Close()
		return nil, err
	}
	return &repositories{
		accounts: repo.NewAccountRepo(database),
		sessions: repo.NewRefreshRepo(database),
		health:   database,
		close:    func() { database.Close() },
	}, nil
}

// openStore connects to Redis when REDIS_URL is set and falls back to an
// in-process store otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (kv.Store, func(), error) {
	if cfg.RedisURL == "" {
		if cfg.IsProduction() {
			log.Warn("REDIS_URL is not set; rate limits, codes and revocations are local to this instance")
		}
		mem := kv.NewMemory()
		return mem, func() { _ = mem.Close() }, nil
	}

	store, err := kv.Dial(ctx, cfg.RedisURL, "accounts:")
	if err != nil {
		return nil, nil, err
	}
	log.Info("shared store connected", zap.String("backend", "redis"))
	return store, func() { _ = store.Close() }, nil
}
