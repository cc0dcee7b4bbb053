package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	activityhandler "securebase/internal/activity/handler"
	"securebase/internal/activity/journal"
	activitymetrics "securebase/internal/activity/metrics"
	activityservice "securebase/internal/activity/service"
	"securebase/internal/broker"
	"securebase/internal/evidence/classifier"
	evidencehandler "securebase/internal/evidence/handler"
	evidencemetrics "securebase/internal/evidence/metrics"
	evidenceservice "securebase/internal/evidence/service"
	"securebase/internal/gate"
	"securebase/internal/notification"
	"securebase/internal/notification/channel"
	notificationmetrics "securebase/internal/notification/metrics"
	notificationmodels "securebase/internal/notification/models"
	"securebase/internal/onboarding"
	onboardinghandler "securebase/internal/onboarding/handler"
	onboardingmetrics "securebase/internal/onboarding/metrics"
	"securebase/internal/onboarding/provisioning"
	"securebase/internal/platform/config"
	"securebase/internal/platform/database"
	"securebase/internal/platform/health"
	"securebase/internal/platform/kafka/producer"
	"securebase/internal/platform/logger"
	"securebase/internal/platform/redis"
	"securebase/internal/platform/tracer"
	"securebase/internal/scanner"
	tenanthandler "securebase/internal/tenant/handler"
	tenantmetrics "securebase/internal/tenant/metrics"
	tenantservice "securebase/internal/tenant/service"
	"securebase/pkg/platform/httputil"
	"securebase/pkg/platform/middleware/metadata"
	"securebase/pkg/platform/middleware/request"
)

const (
	denialStreakTTL = 24 * time.Hour
	poolStatsEvery  = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires the process and blocks until SIGINT or SIGTERM. Business logic
// lives in the internal packages.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, syncLog, err := logger.New(cfg.Server.LogLevel, cfg.Server.Environment)
	if err != nil {
		return err
	}
	defer syncLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.InfoContext(ctx, "initializing securebase", "addr", cfg.Server.Addr, "environment", cfg.Server.Environment)

	pool, err := database.New(cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close() //nolint:errcheck // shutdown

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck // shutdown
		go redisClient.RunPoolStats(ctx, poolStatsEvery)
	}

	var publisher producer.Publisher = producer.NoopProducer{}
	var kafkaProducer *producer.Producer
	if cfg.Kafka.Brokers != "" {
		kafkaProducer, err = producer.New(cfg.Kafka, log)
		if err != nil {
			return err
		}
		publisher = kafkaProducer
	}

	aws, err := newAWSClients(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	stores, err := newBackends(ctx, cfg, pool, aws.dynamo, log)
	if err != nil {
		return err
	}

	journalOpts := []journal.Option{
		journal.WithBufferSize(cfg.Journal.BufferSize),
		journal.WithBatchSize(cfg.Journal.BatchSize),
		journal.WithFlushInterval(cfg.Journal.FlushInterval),
		journal.WithLogger(log),
		journal.WithMetrics(activitymetrics.New()),
	}
	if cfg.Journal.PublishToKafka {
		journalOpts = append(journalOpts, journal.WithOutbox(publisher, cfg.Kafka.ActivityTopic))
	}
	activityJournal := journal.New(stores.activity, stores.tx, journalOpts...)

	registry := tenantservice.NewRegistry(stores.tenants, stores.principals, stores.activity, stores.tx,
		tenantservice.WithLogger(log),
		tenantservice.WithMetrics(tenantmetrics.New()),
	)

	var denials broker.DenialCounter = broker.NewInMemoryCounter()
	if redisClient != nil {
		denials = broker.NewRedisCounter(redisClient.Client, denialStreakTTL)
	}
	credentialBroker := broker.New(broker.NewSTSIdentity(aws.sts), registry, denials, cfg.Broker,
		broker.WithLogger(log),
		broker.WithMetrics(broker.NewMetrics()),
		broker.WithRecorder(activityJournal),
	)

	otel := tracer.NewOTel()
	evidenceRuns := evidenceservice.New(
		credentialBroker,
		scanner.New(scanner.S3Factory(cfg.AWS), cfg.Scanner,
			scanner.WithLogger(log),
			scanner.WithTracer(otel),
			scanner.WithMetrics(scanner.NewMetrics()),
		),
		classifier.New(cfg.Evidence.ProofCeiling),
		stores.evidence,
		registry,
		activityJournal,
		stores.tx,
		evidenceservice.WithLogger(log),
		evidenceservice.WithMetrics(evidencemetrics.New()),
		evidenceservice.WithTracer(otel),
		evidenceservice.WithRunTimeout(cfg.Scanner.RunTimeout),
	)

	dispatcher, err := newDispatcher(ctx, cfg, stores, aws, redisClient, log)
	if err != nil {
		return err
	}

	provisioner, err := newProvisioner(cfg, publisher, aws, log)
	if err != nil {
		return err
	}

	onboardMetrics := onboardingmetrics.New()
	orchestrator := onboarding.New(stores.ledger, registry,
		onboarding.Stores{
			Credentials: stores.credentials,
			Principals:  stores.principals,
			Deliveries:  stores.deliveries,
			Activity:    stores.activity,
		},
		dispatcher, provisioner, activityJournal, stores.tx, cfg.Onboarding,
		onboarding.WithLogger(log),
		onboarding.WithMetrics(onboardMetrics),
		onboarding.WithTracer(otel),
	)
	worker := onboarding.NewWorker(orchestrator, stores.ledger,
		onboarding.WithWorkers(cfg.Webhook.Workers),
		onboarding.WithQueueSize(cfg.Webhook.QueueSize),
		onboarding.WithSweepInterval(cfg.Onboarding.SweepInterval),
		onboarding.WithWorkerLogger(log),
		onboarding.WithWorkerMetrics(onboardMetrics),
	)
	worker.Start()

	g := gate.New(gate.NewVerifier([]byte(cfg.Gateway.AssertionKey), cfg.Gateway.Issuer), activityJournal, stores.tx,
		gate.WithLogger(log),
		gate.WithMetrics(gate.NewMetrics()),
	)

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	webhookHandler, err := onboardinghandler.New(orchestrator, worker, cfg.Webhook.Secret, cfg.Webhook.Tolerance, log, onboardMetrics)
	if err != nil {
		return err
	}

	healthHandler := health.New()
	if pool != nil {
		healthHandler.RegisterCheck("postgres", pool.Health)
	}
	if redisClient != nil {
		healthHandler.RegisterCheck("redis", redisClient.Health)
	}
	if kafkaProducer != nil {
		healthHandler.RegisterCheck("kafka", kafkaProducer.Health)
	}

	r := chi.NewRouter()
	r.Use(request.Recovery(log))
	r.Use(request.RequestID)
	r.Use(request.RequestTime)
	r.Use(metadata.NewMiddleware(&metadata.Config{TrustedProxies: proxies}).Handler)
	r.Use(request.Logger(log))
	r.Use(request.LatencyMiddleware(request.NewMetrics()))
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", gate.AssertionHeader, "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	healthHandler.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	webhookHandler.Register(r)

	r.Group(func(r chi.Router) {
		r.Use(request.Timeout(cfg.Server.RequestTimeout))
		r.Use(request.BodyLimit(httputil.MaxBodyBytes))
		r.Use(request.ContentTypeJSON)
		r.Use(g.Authenticate)
		tenanthandler.New(registry, g, log).Register(r)
		evidencehandler.New(evidenceRuns, g, log).Register(r)
		activityhandler.New(activityservice.New(stores.activity, stores.tx, log), g, log).Register(r)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting http server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("server error", "error", err)
		}
	}

	log.Info("shutting down server gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		log.Error("onboarding worker did not drain", "error", err)
	}
	evidenceRuns.Close()
	activityJournal.Close()
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error("kafka producer close failed", "error", err)
		}
	}

	log.Info("server stopped")
	return nil
}

func newDispatcher(ctx context.Context, cfg *config.Config, stores *backends, aws *awsClients, redisClient *redis.Client, log *slog.Logger) (*notification.Dispatcher, error) {
	key := cfg.Dispatcher.EncryptionKey
	if key == "" && cfg.Server.Environment != "production" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate notification key: %w", err)
		}
		key = base64.StdEncoding.EncodeToString(raw)
		log.WarnContext(ctx, "NOTIFY_ENCRYPTION_KEY not set, pending notifications will not survive a restart")
	}
	sealer, err := notification.NewSealer(ctx, key, cfg.Dispatcher.KeyID)
	if err != nil {
		return nil, err
	}
	opts := []notification.Option{
		notification.WithLogger(log),
		notification.WithMetrics(notificationmetrics.New()),
	}
	if cfg.Dispatcher.EmailSender != "" {
		opts = append(opts, notification.WithSender(notificationmodels.ChannelEmail, channel.NewEmail(aws.ses, cfg.Dispatcher.EmailSender)))
	} else {
		log.WarnContext(ctx, "NOTIFY_EMAIL_SENDER not set, email notifications are suppressed")
	}
	if cfg.Dispatcher.InAppEnabled && redisClient != nil {
		opts = append(opts, notification.WithSender(notificationmodels.ChannelInApp, channel.NewInApp(redisClient.Client)))
	}
	return notification.New(stores.deliveries, sealer, stores.tx, cfg.Dispatcher, opts...), nil
}

func newProvisioner(cfg *config.Config, publisher producer.Publisher, aws *awsClients, log *slog.Logger) (provisioning.Publisher, error) {
	switch cfg.Provisioning.Backend {
	case "sqs":
		if cfg.Provisioning.QueueURL == "" {
			return nil, fmt.Errorf("PROVISIONING_BACKEND=sqs requires PROVISIONING_SQS_URL")
		}
		return provisioning.NewSQS(aws.sqs, cfg.Provisioning.QueueURL), nil
	case "kafka":
		if cfg.Kafka.Brokers == "" {
			return nil, fmt.Errorf("PROVISIONING_BACKEND=kafka requires KAFKA_BROKERS")
		}
		return provisioning.NewKafka(publisher, cfg.Provisioning.Topic), nil
	default:
		return provisioning.NewLog(log), nil
	}
}
