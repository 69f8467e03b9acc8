package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/autoconnect/internal/config"
	"github.com/openclaw/autoconnect/internal/deeplink"
	"github.com/openclaw/autoconnect/internal/dispatch"
	"github.com/openclaw/autoconnect/internal/handler"
	"github.com/openclaw/autoconnect/internal/jobs"
	"github.com/openclaw/autoconnect/internal/linkapi"
	"github.com/openclaw/autoconnect/internal/middleware"
	"github.com/openclaw/autoconnect/internal/notify"
	"github.com/openclaw/autoconnect/internal/redis"
	"github.com/openclaw/autoconnect/internal/repository"
	"github.com/openclaw/autoconnect/internal/retry"
	"github.com/openclaw/autoconnect/internal/service"
	"github.com/openclaw/autoconnect/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	}

	sessionRepo, closeStore, err := openSessionRepository(ctx, cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open session store")
	}
	defer closeStore()
	log.Info().Str("backend", cfg.StoreBackend).Msg("session store ready")

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(promRegistry)

	linkClient := linkapi.NewClient(cfg.LinkAPIBaseURL, cfg.LinkAPIToken, cfg.SessionTTL())
	resolver := deeplink.NewResolver(deeplink.Templates{
		Native:    cfg.NativeLinkTemplate,
		Universal: cfg.UniversalLinkTemplate,
		Fallback:  cfg.FallbackLinkTemplate,
	})
	controllerOpts := service.ControllerOptions{
		PollInterval: cfg.PollInterval(),
		PollDeadline: cfg.PollDeadline(),
		SessionTTL:   cfg.SessionTTL(),
		Policy: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay(),
			MaxDelay:   cfg.RetryMaxDelay(),
		},
		Metrics: metrics,
	}

	registry, err := service.NewRegistry(cfg.MaxControllers, func(ownerKey string) *service.LinkSessionController {
		return service.NewLinkSessionController(service.ControllerDeps{
			Issuer:     linkClient,
			Checker:    linkClient,
			Resolver:   resolver,
			Store:      repository.ForOwner(sessionRepo, ownerKey),
			Sink:       notify.NewBrokerSink(broker, ownerKey),
			Dispatcher: dispatch.NewBrokerDispatcher(broker, ownerKey),
		}, controllerOpts)
	}, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create controller registry")
	}
	defer registry.Close()

	var limiter middleware.Limiter = middleware.NewRateLimiter()
	if redisClient != nil {
		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
	}

	clientIdentity := middleware.NewClientIdentityMiddleware(cfg.SecureCookies)
	startLimit := middleware.NewRateLimitMiddleware(limiter, cfg.RateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(cfg.SecureCookies)

	linkHandler := handler.NewLinkHandler(registry, startLimit.Handler)
	eventsHandler := handler.NewEventsHandler(registry, broker)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"timestamp":   time.Now().UnixMilli(),
			"controllers": registry.Len(),
			"sseClients":  broker.TotalClients(),
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	r.Route("/v1/link", func(r chi.Router) {
		r.Use(clientIdentity.Handler)
		r.Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(bodyLimitMiddleware.Handler)
			r.Mount("/", linkHandler.Routes())
		})
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	cleanupJob := jobs.NewCleanupJob(sessionRepo, registry, config.CleanupJobInterval, config.ControllerIdleTTL)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return cleanupJob.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
