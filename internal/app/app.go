package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clec/bundle-reseller/internal/domain/auth"
	"github.com/clec/bundle-reseller/internal/domain/cooldown"
	"github.com/clec/bundle-reseller/internal/domain/order"
	"github.com/clec/bundle-reseller/internal/gateway"
	"github.com/clec/bundle-reseller/internal/handler"
	"github.com/clec/bundle-reseller/internal/notify"
	"github.com/clec/bundle-reseller/internal/provider"
	"github.com/clec/bundle-reseller/internal/queue"
	"github.com/clec/bundle-reseller/internal/repository"
	"github.com/clec/bundle-reseller/internal/worker"
	"github.com/clec/bundle-reseller/pkg/health"
	"github.com/clec/bundle-reseller/pkg/httpmiddleware"
)

const serviceName = "bundle-reseller"

// Telemetry is implemented by the sdk's *app.Telemetry.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
}

// Run creates all dependencies, starts the HTTP server, the queue workers and
// the reconciler, and handles graceful shutdown. It is the single wiring point
// for the application.
func Run(ctx context.Context, lg *zap.Logger, m Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.String("queue", cfg.Queue.Driver))

	if cfg.MigrateOnStart {
		if err := repository.Migrate(cfg.DatabaseURL); err != nil {
			return errors.Wrap(err, "run migrations")
		}
	}
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	// Repositories.
	orderRepo := repository.NewOrderRepository(pool)
	walletRepo := repository.NewWalletRepository(pool)
	priceRepo := repository.NewPriceRepository(pool)

	// Outbound clients share an instrumented transport.
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	)
	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:   cfg.Gateway.BaseURL,
		SecretKey: cfg.Gateway.SecretKey,
		Currency:  cfg.Gateway.Currency,
		Timeout:   cfg.Gateway.Timeout,
	}, transport)
	providerClient := provider.NewClient(provider.Config{
		BaseURL:       cfg.Provider.BaseURL,
		APIKey:        cfg.Provider.APIKey,
		Secret:        cfg.Provider.Secret,
		Timeout:       cfg.Provider.Timeout,
		RatePerSecond: cfg.Provider.RatePerSecond,
		Burst:         cfg.Provider.Burst,

		SignatureTolerance: cfg.Provider.SignatureTolerance,
	}, transport)
	sender := notify.NewSender(notify.Config{
		Secret:     cfg.Notify.Secret,
		MaxRetries: cfg.Notify.MaxRetries,
		BaseDelay:  cfg.Notify.BaseDelay,
		Timeout:    cfg.Notify.Timeout,
	}, transport)

	// Event queues. Notifications get their own workers so that a slow
	// integrator never holds up payment confirmations, and handlers of the
	// events queue only ever publish to the notifications queue.
	var events, notifications queue.Queue
	switch cfg.Queue.Driver {
	case "nats":
		nq, err := queue.DialNATS(cfg.Queue.NATSURL, serviceName, cfg.Queue.Subject, cfg.Queue.Workers)
		if err != nil {
			return errors.Wrap(err, "connect nats")
		}
		events = nq
		nn, err := queue.DialNATS(cfg.Queue.NATSURL, serviceName+"-notify", cfg.Queue.Subject+".notify", cfg.Notify.Workers)
		if err != nil {
			_ = nq.Close()
			return errors.Wrap(err, "connect nats")
		}
		notifications = nn
	default:
		events = queue.NewMemory(cfg.Queue.Buffer, cfg.Queue.Workers)
		notifications = queue.NewMemory(cfg.Notify.Buffer, cfg.Notify.Workers)
	}

	// Domain services.
	orderService := order.NewService(order.Deps{
		Orders:     orderRepo,
		Wallet:     walletRepo,
		Prices:     priceRepo,
		Gateway:    gatewayClient,
		Dispatcher: providerClient,
		Cooldown:   cooldown.NewGuard(orderRepo, cfg.Order.CooldownWindow),
		Notifier:   queue.NewNotifier(notifications),
		Meter:      m.MeterProvider().Meter(serviceName),
		Tracer:     m.TracerProvider().Tracer(serviceName),
	}, order.Config{
		ReferencePrefix:     cfg.Order.ReferencePrefix,
		CallbackURL:         cfg.Gateway.CallbackURL,
		GuestEmailDomain:    cfg.Order.GuestEmailDomain,
		MaxDispatchAttempts: cfg.Order.MaxDispatchAttempts,
		RetryBackoff:        cfg.Order.RetryBackoff,
		PendingPaymentTTL:   cfg.Order.PendingPaymentTTL,
		VerifyGrace:         cfg.Order.VerifyGrace,
		VerifyTimeout:       cfg.Gateway.Timeout,
		DispatchConcurrency: cfg.Order.DispatchConcurrency,
		DeliveryDeadline:    cfg.Order.DeliveryDeadline,
		BatchSize:           cfg.Reconciler.BatchSize,
	})
	scheduler := worker.NewScheduler(orderService, cfg.Reconciler.Interval)
	router := worker.NewRouter(orderService, sender)

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", health.Options{Timeout: 5 * time.Second, FailureThreshold: 2}, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", health.Options{Timeout: time.Second}, health.GoroutineCountCheck(10000))
	// A reconciler that stopped completing passes leaves paid orders stuck.
	healthSvc.AddLivenessCheck("reconciler", health.Options{Timeout: time.Second, FailureThreshold: 3},
		health.HeartbeatCheck(scheduler.LastRun, 5*cfg.Reconciler.Interval))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// HTTP handlers.
	h := handler.NewHandler(handler.Config{},
		orderService,
		gatewayClient,
		providerClient,
		auth.NewTokens(cfg.Auth.JWTSecret),
		events,
	)
	mux := chi.NewRouter()
	mux.Get("/livez", healthSvc.LiveEndpoint)
	mux.Get("/readyz", healthSvc.ReadyEndpoint)
	mux.Mount("/", h.Routes())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				RPS:   cfg.RateLimit.RPS,
				Burst: cfg.RateLimit.Burst,
				Skip:  handler.IsWebhook,
			}),
			httpmiddleware.MaxBody(1<<20),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument(serviceName, m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	// Background work outlives ctx so that requests still in flight during
	// shutdown can enqueue their events.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	queueDone := make(chan struct{})
	notifyDone := make(chan struct{})

	g, gCtx := errgroup.WithContext(workCtx)
	g.Go(func() error {
		defer close(queueDone)
		return errors.Wrap(events.Run(gCtx, router.Handle), "queue")
	})
	g.Go(func() error {
		defer close(notifyDone)
		return errors.Wrap(notifications.Run(gCtx, router.Handle), "notifications")
	})
	g.Go(func() error {
		return errors.Wrap(scheduler.Run(gCtx), "reconciler")
	})

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case <-ctx.Done():
		case <-gCtx.Done():
		}
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}

		// Let the workers finish buffered events, bounded by the same timeout.
		// Event handlers may still emit notifications, so that queue closes last.
		for _, w := range []struct {
			name string
			q    queue.Queue
			done <-chan struct{}
		}{
			{name: "events", q: events, done: queueDone},
			{name: "notifications", q: notifications, done: notifyDone},
		} {
			if err := w.q.Close(); err != nil {
				lg.Error("Queue close error", zap.String("queue", w.name), zap.Error(err))
			}
			select {
			case <-w.done:
			case <-shutdownCtx.Done():
				lg.Warn("Queue drain timed out", zap.String("queue", w.name))
			}
		}
		cancelWork()
		healthSvc.Stop()
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	serveErr := server.ListenAndServe()
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		cancelWork()
		<-shutdownDone
		_ = g.Wait()
		return errors.Wrap(serveErr, "server")
	}
	<-shutdownDone
	return g.Wait()
}
