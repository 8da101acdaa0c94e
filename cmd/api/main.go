package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/safar/marketplace-checkout/internal/checkout"
	"github.com/safar/marketplace-checkout/internal/config"
	"github.com/safar/marketplace-checkout/internal/database"
	"github.com/safar/marketplace-checkout/internal/idempotency"
	"github.com/safar/marketplace-checkout/internal/logging"
	"github.com/safar/marketplace-checkout/internal/metrics"
	"github.com/safar/marketplace-checkout/internal/models"
	"github.com/safar/marketplace-checkout/internal/notify"
	"github.com/safar/marketplace-checkout/internal/payment"
	"github.com/safar/marketplace-checkout/internal/store"
	"github.com/safar/marketplace-checkout/internal/store/memstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Open store: %v", err)
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	checkoutMetrics := metrics.NewCheckoutMetrics(reg)

	sink, err := openSink(cfg.Notify)
	if err != nil {
		log.Fatalf("Open notification sink: %v", err)
	}
	notifier := notify.NewNotifier(sink, cfg.Notify.Timeout, checkoutMetrics)
	defer func() {
		if err := notifier.Close(); err != nil {
			log.Printf("Close notifier: %v", err)
		}
	}()

	opts := checkout.Options{
		Config: checkout.Config{
			StepTimeout:         cfg.Checkout.StepTimeout,
			CompensationTimeout: cfg.Checkout.CompensationTimeout,
			LockTTL:             cfg.Checkout.LockTTL,
		},
		Gateway:  openGateway(cfg.Gateway),
		Notifier: notifier,
		Metrics:  checkoutMetrics,
	}

	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Parse REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("Redis unreachable, continuing without checkout lock: %v", err)
		}
		opts.Locker = idempotency.NewRedisLocker(rdb)
	}

	orchestrator := checkout.New(st, opts)
	a := newApp(st, orchestrator, notifier, metrics.NewServerMetrics(reg))

	mux := a.routes()
	mux.Handle("GET /metrics", metrics.Handler(reg))

	go sweepPayments(ctx, orchestrator, cfg.Checkout)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown: %v", err)
		}
	}()

	log.Printf("Server starting on port %s (store=%s, notify=%s)", cfg.Server.Port, cfg.Database.Driver, cfg.Notify.Driver)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}

// apiStore is the method set shared by the Postgres and in-memory stores.
type apiStore interface {
	checkout.Store
	ListOrdersCursor(ctx context.Context, userID int64, cursor string, limit int) (*store.CursorPage[models.Order], error)
	Ping(ctx context.Context) error
}

func openStore(ctx context.Context, cfg *config.Config) (apiStore, func(), error) {
	if cfg.Database.Driver == "memory" {
		log.Printf("Using in-memory store; data is lost on restart")
		return memstore.New(), func() {}, nil
	}

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Connected to database successfully")
	return store.NewPostgres(db), func() { db.Close() }, nil
}

func openSink(cfg config.NotifyConfig) (notify.Sink, error) {
	switch cfg.Driver {
	case "kafka":
		return notify.NewKafkaSink(notify.ParseBrokers(cfg.KafkaBrokers), cfg.KafkaTopic)
	case "amqp":
		return notify.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
	default:
		return notify.NopSink{}, nil
	}
}

func openGateway(cfg config.GatewayConfig) payment.Gateway {
	if cfg.URL == "" {
		log.Printf("PAYMENT_GATEWAY_URL not set, using sandbox gateway")
		return payment.SandboxGateway{}
	}
	return payment.NewHTTPGateway(cfg.URL, cfg.Timeout)
}

// sweepPayments fails gateway payments nobody completed, returning their stock.
func sweepPayments(ctx context.Context, o *checkout.Orchestrator, cfg config.CheckoutConfig) {
	if cfg.PaymentSweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.PaymentSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.ExpireStalePayments(ctx, cfg.PaymentExpiry, cfg.PaymentSweepBatch)
			if n > 0 || err != nil {
				logging.Log(logging.Fields{
					Service: "payment_sweeper",
					Status:  "swept",
					Message: fmt.Sprintf("expired %d payment(s)", n),
					Err:     err,
				})
			}
		}
	}
}
