// Command gk-relay stores and forwards closed group control messages.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/group-keeper/internal/auth"
	"github.com/and161185/group-keeper/internal/config"
	"github.com/and161185/group-keeper/internal/limiter"
	"github.com/and161185/group-keeper/internal/mailbox"
	"github.com/and161185/group-keeper/internal/model"
	"github.com/and161185/group-keeper/internal/observability/metrics"
	"github.com/and161185/group-keeper/internal/server/admin"
	grpcserver "github.com/and161185/group-keeper/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration and starts the TLS gRPC relay and its admin endpoint.
func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	issuer := auth.NewIssuer([]byte(cfg.JWTKey), cfg.TokenTTL)
	if cfg.Mint != "" {
		if err := mint(issuer, cfg.Mint); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger, _ := zap.NewProduction()
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		logger.Fatal("failed to load TLS cert/key", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping", zap.Error(err))
	}

	relay, err := grpcserver.New(
		mailbox.New(rdb, cfg.MailboxTTL),
		limiter.NewRedis(rdb, cfg.RateLimit, cfg.RateWindow),
		cfg.DedupeSize,
		logger,
	)
	if err != nil {
		logger.Fatal("relay", zap.Error(err))
	}

	s := grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.MetricsUnary(),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary(issuer),
		),
	)
	grpcserver.Register(s, relay)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg, "gk-relay")
	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.Router(reg, func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening (TLS)", zap.String("addr", cfg.Addr))
		errCh <- s.Serve(lis)
	}()
	go func() {
		logger.Info("admin listening", zap.String("addr", cfg.AdminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		hs.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(shutdownCtx)

		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// mint prints a bearer token for the given identity.
func mint(issuer *auth.Issuer, raw string) error {
	id, err := model.ParseIdentity(raw)
	if err != nil {
		return err
	}
	tok, exp, err := issuer.Issue(id)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	if !exp.IsZero() {
		fmt.Fprintf(os.Stderr, "expires %s\n", exp.UTC().Format(time.RFC3339))
	}
	return nil
}
