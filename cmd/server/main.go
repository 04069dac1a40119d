package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/ecoswap/ecoswap-api/internal/auth"
	"github.com/ecoswap/ecoswap-api/internal/clock"
	"github.com/ecoswap/ecoswap-api/internal/config"
	"github.com/ecoswap/ecoswap-api/internal/database"
	"github.com/ecoswap/ecoswap-api/internal/exchange"
	"github.com/ecoswap/ecoswap-api/internal/notify"
	"github.com/ecoswap/ecoswap-api/internal/publications"
	"github.com/ecoswap/ecoswap-api/internal/reputation"
	"github.com/ecoswap/ecoswap-api/internal/users"
	"github.com/ecoswap/ecoswap-api/pkg/middleware"
)

// configureLogging uses pretty console output outside production and
// JSON in production. DEBUG=true lowers the level to debug.
func configureLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		zlog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file (default $ECOSWAP_CONFIG)")
	port := pflag.StringP("port", "p", "", "port to listen on, overrides config")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	configureLogging(cfg)

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	clk := clock.Real()
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Mail goes out from a background worker so SMTP latency never holds
	// up a request.
	var mailer notify.Notifier = notify.NewMailer(cfg.SMTP)
	if !cfg.SMTP.Enabled() {
		zlog.Warn().Msg("SMTP credentials not set, notifications will be discarded")
		mailer = notify.Discard{}
	}
	dispatcher := notify.NewDispatcher(mailer, 256)
	go dispatcher.Start(bgCtx)

	authService := auth.NewService(cfg.JWT, clk)

	userService := users.NewService(db, authService, dispatcher, clk)
	userHandlers := users.NewGinHandlers(userService)

	publicationService := publications.NewService(db)
	publicationHandlers := publications.NewGinHandlers(publicationService)

	exchangeDB := exchange.NewDatabase(db)
	exchangeService := exchange.NewService(exchangeDB, publicationService, dispatcher, clk)
	exchangeHandlers := exchange.NewGinHandlers(exchangeService)
	go exchange.NewKeySweeper(exchangeDB, clk, time.Hour).Start(bgCtx)

	reputationService := reputation.NewService(db, clk)
	reputationHandlers := reputation.NewGinHandlers(reputationService)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit)
	go rateLimiter.Run(bgCtx)

	router.Use(
		gin.Recovery(),
		middleware.AccessLog(),
		rateLimiter.Handler(),
		middleware.BodyLimit(cfg.Server.MaxBodyBytes),
	)

	requireAuth := middleware.JWTAuth(authService, userService)

	v1 := router.Group("/api/v1")
	userHandlers.RegisterRoutes(v1.Group("/users"), requireAuth)
	publicationHandlers.RegisterRoutes(v1.Group("/publications"), requireAuth)
	exchangeHandlers.RegisterRoutes(v1.Group("/exchanges"), requireAuth)
	reputationHandlers.RegisterRoutes(v1.Group("/rating"), requireAuth)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("Starting EcoSwap API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop background workers and let queued mail drain.
	bgCancel()
	select {
	case <-dispatcher.Done():
	case <-time.After(30 * time.Second):
		zlog.Warn().Msg("Timed out waiting for notifications to drain")
	}

	zlog.Info().Msg("Server exiting")
}
