package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/leadflow/funnel-server-go/internal/calendar"
	"github.com/leadflow/funnel-server-go/internal/config"
	"github.com/leadflow/funnel-server-go/internal/database"
	"github.com/leadflow/funnel-server-go/internal/handler"
	"github.com/leadflow/funnel-server-go/internal/jobs"
	"github.com/leadflow/funnel-server-go/internal/middleware"
	"github.com/leadflow/funnel-server-go/internal/policy"
	"github.com/leadflow/funnel-server-go/internal/redis"
	"github.com/leadflow/funnel-server-go/internal/repository"
	"github.com/leadflow/funnel-server-go/internal/service"
	"github.com/leadflow/funnel-server-go/internal/worker"
)

func main() {
	_ = godotenv.Load()

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

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	if err := db.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	cal := buildCalendar(cfg)
	formRules := loadRules(cfg.FormFunnelRules, policy.DefaultFormRules)
	apptRules := loadRules(cfg.AppointmentFunnelRules, policy.DefaultAppointmentRules)

	store := repository.NewPostgresStore(db)
	renderer := service.NewTemplateRenderer()
	transport := buildTransport(cfg)
	crm := buildCRM(cfg)

	orchestrator := service.NewOrchestrator(
		store, cal, formRules, apptRules, renderer, redisClient,
		cfg.FormBaseURL, cfg.BookingBaseURL,
	)
	sessionService := service.NewSessionService(store, orchestrator, crm, cfg.SessionTTL())

	pool := worker.NewPool(
		store, transport, redisClient,
		cfg.WorkerConcurrency, cfg.SendTimeout(), cfg.MaxSendRetries,
	)
	pool.Start()
	defer pool.Stop()

	sweeper := jobs.NewSweeper(
		store, cal, formRules, apptRules, orchestrator, redisClient, cfg.SweepInterval(),
	)
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweeper")
	}
	defer sweeper.Stop()

	authMiddleware := middleware.NewAuthMiddleware(cfg.APIToken)
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client, config.WebhookRateLimitPerMin)

	webhookHandler := handler.NewWebhookHandler(sessionService)
	adminHandler := handler.NewAdminHandler(sessionService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)
		r.Mount("/", webhookHandler.Routes())
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Mount("/", adminHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func buildCalendar(cfg *config.Config) *calendar.Calendar {
	weekday, err := calendar.ParseWindow(cfg.WeekdayWindow)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid WEEKDAY_SEND_WINDOW")
	}
	friday, err := calendar.ParseWindow(cfg.FridayWindow)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid FRIDAY_SEND_WINDOW")
	}
	cal, err := calendar.New(cfg.Timezone, weekday, friday, cfg.HolidayDates())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build send calendar")
	}
	return cal
}

func loadRules(spec string, defaults func() policy.Rules) policy.Rules {
	if spec == "" {
		return defaults()
	}
	rules, err := policy.Parse(spec)
	if err != nil {
		log.Fatal().Err(err).Str("rules", spec).Msg("invalid funnel rules")
	}
	return rules
}

func buildTransport(cfg *config.Config) service.Transport {
	if cfg.TwilioAccountSID == "" {
		log.Warn().Msg("no twilio credentials configured, messages will be logged only")
		return service.NewLogTransport()
	}
	return service.NewTwilioTransport(
		cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber,
		cfg.SendTimeout(), cfg.SendRatePerSecond,
	)
}

func buildCRM(cfg *config.Config) service.CRMClient {
	if cfg.CRMBaseURL == "" {
		return service.NewNoopCRMClient()
	}
	return service.NewCRMClient(cfg.CRMBaseURL, cfg.CRMAPIKey, cfg.SendTimeout())
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
