package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zapper.app/zapper/common/id"
	"zapper.app/zapper/common/logger"
	"zapper.app/zapper/common/otel"
	"zapper.app/zapper/core/config"
	"zapper.app/zapper/internal/lightning"
	"zapper.app/zapper/internal/nostr"
	"zapper.app/zapper/internal/queue"
	"zapper.app/zapper/internal/reactor"
	"zapper.app/zapper/internal/relay"
	"zapper.app/zapper/internal/store"
	"zapper.app/zapper/internal/worker"

	"github.com/redis/go-redis/v9"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)
	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "zapper starting",
		"env", cfg.Env,
		"invoice_source", cfg.Invoices.Kind)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	// No key, no receipts: refuse to start rather than fail per invoice.
	key, err := nostr.ParseSecretKey(cfg.Nostr.PrivateKey)
	if err != nil {
		slog.ErrorContext(ctx, "invalid nostr private key", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "signing key loaded", "pubkey", key.PublicKey())

	redisClient, err := store.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "sentinel", cfg.Redis.UsesSentinel())

	source, closeSource, err := newInvoiceSource(ctx, cfg, redisClient)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create invoice source", "error", err)
		os.Exit(1)
	}
	defer closeSource()

	requests := store.NewRedisRequestStore(redisClient, cfg.Redis.RequestKeyPrefix)
	broadcaster := relay.NewBroadcaster(relay.NewWebsocketPublisher(cfg.Relay.PublishTimeout))

	r, err := reactor.New(requests, key, broadcaster)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create reactor", "error", err)
		os.Exit(1)
	}

	w := worker.New(source, r, worker.Config{ResubscribeDelay: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	slog.InfoContext(ctx, "zapper initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down zapper...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		// Waits for receipts already being broadcast.
		w.Stop()
		close(stopped)
	}()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case <-stopped:
		if err := <-errCh; err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "otel shutdown failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "zapper shutdown complete")
}

func newInvoiceSource(ctx context.Context, cfg config.Config, redisClient *redis.Client) (worker.InvoiceSource, func(), error) {
	switch cfg.Invoices.Kind {
	case config.InvoiceSourceStream:
		source, err := queue.NewStreamSource(ctx, redisClient, queue.ConsumerConfig{
			Stream:   cfg.Invoices.Stream,
			Group:    cfg.Invoices.Group,
			Consumer: cfg.Invoices.Consumer,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.InfoContext(ctx, "reading invoices from redis stream",
			"stream", cfg.Invoices.Stream,
			"consumer_group", cfg.Invoices.Group,
			"consumer_name", cfg.Invoices.Consumer)
		return source, func() {}, nil

	default:
		source, err := lightning.NewLNDSource(cfg.LND)
		if err != nil {
			return nil, nil, err
		}
		slog.InfoContext(ctx, "subscribing to lnd invoices", "addr", cfg.LND.Addr())
		return source, func() {
			if err := source.Close(); err != nil {
				slog.WarnContext(ctx, "closing lnd connection", "error", err)
			}
		}, nil
	}
}

const banner = `
███████╗ █████╗ ██████╗ ██████╗ ███████╗██████╗
╚══███╔╝██╔══██╗██╔══██╗██╔══██╗██╔════╝██╔══██╗
  ███╔╝ ███████║██████╔╝██████╔╝█████╗  ██████╔╝
 ███╔╝  ██╔══██║██╔═══╝ ██╔═══╝ ██╔══╝  ██╔══██╗
███████╗██║  ██║██║     ██║     ███████╗██║  ██║
╚══════╝╚═╝  ╚═╝╚═╝     ╚═╝     ╚══════╝╚═╝  ╚═╝
`
