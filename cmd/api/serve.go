package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/georgemunganga/fixi-backend/internal/config"
	"github.com/georgemunganga/fixi-backend/internal/db"
	"github.com/georgemunganga/fixi-backend/internal/logging"
	"github.com/georgemunganga/fixi-backend/internal/modules/auth"
	"github.com/georgemunganga/fixi-backend/internal/modules/order"
	"github.com/georgemunganga/fixi-backend/internal/modules/payment"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var migrateFirst bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.App.Env)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log, migrateFirst)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, migrateFirst bool) error {
	if migrateFirst {
		conn, err := db.Open(ctx, cfg.Database.URL, log)
		if err != nil {
			return err
		}
		err = db.Migrate(conn, "up")
		conn.Close()
		if err != nil {
			return err
		}
	}

	conn, err := db.Open(ctx, cfg.Database.URL, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ── Payment infrastructure ──────────────────────────────
	locker, closeLocker, err := newLocker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	events := payment.NewNopPublisher()
	if len(cfg.Kafka.Brokers) > 0 {
		pub, closeProducer, err := payment.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return err
		}
		defer closeProducer()
		events = pub
		log.Info("publishing payment events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	node, err := snowflake.NewNode(cfg.Payments.SnowflakeNode)
	if err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}
	feeRate, err := decimal.NewFromString(cfg.Payments.RefundFeeRate)
	if err != nil {
		return fmt.Errorf("REFUND_FEE_RATE: %w", err)
	}
	routes, err := payment.ParseRoutes(cfg.Payments.Routes)
	if err != nil {
		return fmt.Errorf("PAYMENT_ROUTES: %w", err)
	}

	// ── Processors ──────────────────────────────────────────
	returnURL := cfg.Payments.FrontendURL + "/payments/result"
	selector, err := payment.NewSelector(routes,
		payment.NewWompiProcessor(payment.WompiConfig{
			BaseURL:     cfg.Wompi.BaseURL,
			PublicKey:   cfg.Wompi.PublicKey,
			PrivateKey:  cfg.Wompi.PrivateKey,
			RedirectURL: returnURL,
			Currency:    cfg.Payments.Currency,
			Timeout:     cfg.Payments.GatewayTimeout,
		}, log),
		payment.NewMercadoPagoProcessor(payment.MercadoPagoConfig{
			BaseURL:     cfg.Mercado.BaseURL,
			AccessToken: cfg.Mercado.AccessToken,
			CallbackURL: returnURL,
			Timeout:     cfg.Payments.GatewayTimeout,
		}, log),
		payment.NewDirectProcessor(node, cfg.Payments.DirectPSEBankURL),
	)
	if err != nil {
		return err
	}

	// ── Modules ─────────────────────────────────────────────
	orderRepo := order.NewPostgresRepository(conn)
	orderService := order.NewService(orderRepo)

	paymentService := payment.NewService(
		payment.NewPostgresLedger(conn),
		selector,
		order.NewPaymentCollaborator(orderRepo),
		locker,
		events,
		payment.Options{RefundFeeRate: feeRate, Currency: cfg.Payments.Currency},
		log,
	)
	reconciler := payment.NewReconciler(paymentService, payment.WebhookSecrets{
		WompiEventsSecret: cfg.Wompi.EventsSecret,
		MercadoPagoSecret: cfg.Mercado.WebhookSecret,
		NequiToken:        cfg.Webhooks.NequiToken,
		DaviplataToken:    cfg.Webhooks.DaviplataToken,
		PSESecret:         cfg.Webhooks.PSESecret,
	}, log)

	// ── Router ──────────────────────────────────────────────
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(log))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	authn := auth.Middleware([]byte(cfg.Auth.JWTSecret))
	order.NewHandler(orderService).RegisterRoutes(router, authn)
	payment.NewHandler(paymentService, reconciler, log).RegisterRoutes(router, authn)

	// ── Start Server ────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Gateway calls are bounded by GATEWAY_TIMEOUT; leave room around them.
		WriteTimeout: cfg.Payments.GatewayTimeout + 30*time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("fixi API listening", zap.String("addr", srv.Addr), zap.String("env", cfg.App.Env))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newLocker uses Redis when configured so every API instance shares payment locks.
func newLocker(ctx context.Context, cfg *config.Config, log *zap.Logger) (payment.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		log.Warn("REDIS_ADDR not set; payment locks are local to this process")
		return payment.NewMemoryLocker(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	return payment.NewRedisLocker(client, lockTTL(cfg.Payments.GatewayTimeout), log), func() { client.Close() }, nil
}

// lockTTL covers the longest chain of gateway calls made under one lock: a
// Wompi card charge fetches the acceptance token, tokenises the card and then
// creates the transaction.
func lockTTL(gatewayTimeout time.Duration) time.Duration {
	const chainedCalls = 3
	return chainedCalls*gatewayTimeout + 15*time.Second
}

// requestLogger logs one line per request through zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
