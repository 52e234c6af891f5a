package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"provenance.org/internal/audit"
	"provenance.org/internal/auth"
	"provenance.org/internal/cache"
	"provenance.org/internal/config"
	"provenance.org/internal/custody"
	"provenance.org/internal/httpapi"
	"provenance.org/internal/issuance"
	"provenance.org/internal/ledger"
	"provenance.org/internal/migrate"
	"provenance.org/internal/obs"
	"provenance.org/internal/revocation"
	"provenance.org/internal/store/pg"
	"provenance.org/internal/stream"
	"provenance.org/internal/verify"
	"provenance.org/ops/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	build := obs.ResolveBuild(version, commit)
	obs.InitBuildInfo(build)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	verifyCache, invalidator := openCache(ctx, cfg)

	events := stream.New(64)
	notifier := ledger.Notifiers{invalidator, obs.LedgerMetrics{}, audit.Trail{}, events}

	var tokens *auth.Tokens
	if cfg.AuthSecret != "" {
		if tokens, err = auth.NewTokens(cfg.AuthSecret); err != nil {
			log.Fatalf("auth: %v", err)
		}
	} else {
		obs.Warn("auth_disabled", map[string]any{"reason": "PASSPORT_AUTH_SECRET not set; internal routes reject all requests"})
	}

	verifier := verify.New(store,
		verify.WithCache(verifyCache),
		verify.WithBaseURL(cfg.PublicBaseURL),
		verify.WithObserver(obs.ObserveVerification),
		verify.WithLogger(obs.Warn),
	)
	services := httpapi.Services{
		Issuance:   issuance.New(store, issuance.WithNotifier(notifier)),
		Custody:    custody.New(store, custody.WithNotifier(notifier), custody.WithConflictHook(obs.ObserveSequenceConflict)),
		Verify:     verifier,
		Revocation: revocation.New(store, revocation.WithNotifier(notifier)),
		Stream:     events,
		Tokens:     tokens,
	}
	probe := httpapi.ReadyProbe{Store: store}

	api := httpapi.New(probe, version, services,
		httpapi.WithBootstrapKey(cfg.BootstrapKey),
		httpapi.WithTokenTTL(cfg.TokenTTL),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPC(httpapi.NewGRPCServer(probe, version, verifier))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen grpc %s: %v", cfg.GRPCAddr, err)
	}

	obs.Info("starting", map[string]any{
		"service":   "passportd",
		"version":   build.Version,
		"commit":    build.Commit,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
	})

	errc := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		obs.Error("server_failed", map[string]any{"error": err})
	}
	obs.Info("shutting_down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	obs.Info("stopped", nil)
}

func openStore(ctx context.Context, cfg config.Config) (ledger.Store, func()) {
	if cfg.PGDSN == "" {
		obs.Warn("store_in_memory", map[string]any{"reason": "PASSPORT_PG_DSN not set; data is lost on restart"})
		return ledger.NewInMemory(), func() {}
	}
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	if cfg.Migrate {
		mctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := migrate.NewManager(store.DB(), migrations.FS, migrations.Dir).Up(mctx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}
	return store, func() { _ = store.Close() }
}

type cacheWithNotifier interface {
	verify.Cache
	ledger.Notifier
}

func openCache(ctx context.Context, cfg config.Config) (verify.Cache, ledger.Notifier) {
	var c cacheWithNotifier = cache.NewMemory(cfg.CacheTTL, 10000)
	if cfg.RedisURL != "" {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rc, err := cache.Dial(dctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			obs.Warn("redis_unavailable", map[string]any{"error": err, "fallback": "memory"})
		} else {
			c = rc
		}
	}
	return c, c
}
