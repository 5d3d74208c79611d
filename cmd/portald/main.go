// Command portald serves the portal authentication protocol.
//
//	portald -config /etc/portald.toml
//	portald -dev
//
// In dev mode Redis is embedded, users and refresh records live in memory,
// missing keys are generated per process and one-time codes are written to
// the log.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/internal/config"
	"github.com/MrEthical07/portalauth/internal/httpapi"
	"github.com/MrEthical07/portalauth/internal/logging"
	"github.com/MrEthical07/portalauth/internal/memstore"
	"github.com/MrEthical07/portalauth/internal/notify"
	"github.com/MrEthical07/portalauth/internal/store/pg"
	promexport "github.com/MrEthical07/portalauth/metrics/export/prometheus"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "portald: %v\n", err)
		os.Exit(1)
	}
}

type backends struct {
	redis   *redis.Client
	db      *sql.DB
	users   portalauth.UserStore
	refresh portalauth.RefreshTokenStore
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func (b *backends) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if b.db != nil {
		if err := b.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	flags, err := config.ParseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	base := logging.New(stderr, cfg.LogFormat, cfg.LogLevel)
	log := base.With("service", "portald", "version", version)

	engineCfg, err := cfg.Engine()
	if err != nil {
		return err
	}
	if cfg.Dev {
		if err := fillDevKeys(&engineCfg); err != nil {
			return err
		}
		log.Warn(ctx, "dev mode: embedded redis, in-memory stores, one-time codes are logged")
	}

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	var notifier portalauth.Notifier
	if cfg.SMTP.Addr != "" {
		notifier = notify.NewSMTPNotifier(notify.SMTPConfig{
			Addr:     cfg.SMTP.Addr,
			Host:     cfg.SMTP.Host,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	} else {
		if !cfg.Dev {
			log.Warn(ctx, "smtp.addr not set, notifications are written to the log")
		}
		notifier = notify.NewLogNotifier(log)
	}

	engine, err := portalauth.New().
		WithConfig(engineCfg).
		WithRedis(be.redis).
		WithUserStore(be.users).
		WithRefreshTokenStore(be.refresh).
		WithNotifier(notifier).
		WithLogger(log.With("component", "engine")).
		WithAuditSink(portalauth.NewSlogSink(base.Slog().With("service", "portald", "component", "audit"))).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	report := engine.SecurityReport()
	log.Info(ctx, "engine ready",
		"production", report.ProductionMode,
		"signing", report.SigningAlgorithm,
		"access_ttl", report.AccessTTL.String(),
		"refresh_ttl", report.RefreshTTL.String(),
		"family_email_policy", string(report.FamilyEmailPolicy),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		promexport.NewCollector(engine),
	)

	api, err := httpapi.New(engine, log, httpapi.Options{
		CookieSecure:   cfg.HTTP.CookieSecure,
		CookieDomain:   cfg.HTTP.CookieDomain,
		RefreshTTL:     engineCfg.JWT.RefreshTTL,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RequestsPerSec: cfg.HTTP.RequestsPerSec,
		Burst:          cfg.HTTP.Burst,
		TrustProxy:     cfg.HTTP.TrustProxy,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		Registerer:     reg,
		Gatherer:       reg,
		Ready:          be.ready,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("http api: %w", err)
	}
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout.Duration,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout:      cfg.HTTP.WriteTimeout.Duration,
		IdleTimeout:       60 * time.Second,
	}

	go housekeeping(ctx, engine, log, cfg.Housekeeping)

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening", "addr", cfg.Addr, "dev", cfg.Dev)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info(context.Background(), "stopped")
	return nil
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	be := &backends{}

	if cfg.Dev {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start embedded redis: %w", err)
		}
		be.closers = append(be.closers, mr.Close)
		be.redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		be.closers = append(be.closers, func() { _ = be.redis.Close() })
		be.users = memstore.NewUsers()
		be.refresh = memstore.NewRefreshTokens()
		return be, nil
	}

	db, err := pg.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	be.db = db
	be.closers = append(be.closers, func() { _ = db.Close() })
	if err := pg.Migrate(ctx, db); err != nil {
		be.close()
		return nil, err
	}
	be.users = pg.NewUsers(db)
	be.refresh = pg.NewRefreshTokens(db)

	be.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	be.closers = append(be.closers, func() { _ = be.redis.Close() })
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := be.redis.Ping(pingCtx).Err(); err != nil {
		be.close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return be, nil
}

func fillDevKeys(cfg *portalauth.Config) error {
	for _, k := range []*[]byte{
		&cfg.JWT.PrivateKey,
		&cfg.Challenge.SigningKey,
		&cfg.Security.SecretKey,
		&cfg.Security.OTPPepper,
	} {
		if len(*k) > 0 {
			continue
		}
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generate dev key: %w", err)
		}
		*k = b
	}
	return nil
}

func housekeeping(ctx context.Context, engine *portalauth.Engine, log logging.Logger, cfg config.HousekeepingConfig) {
	if cfg.Interval.Duration <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.PurgeExpired(ctx, cfg.Retention.Duration); err != nil {
				log.Error(ctx, "purge expired refresh tokens", "error", err)
			}
		}
	}
}
