package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/google/fhir-gateway/internal/config"
	"github.com/google/fhir-gateway/internal/gateway/access"
	"github.com/google/fhir-gateway/internal/gateway/audit"
	"github.com/google/fhir-gateway/internal/gateway/graph"
	"github.com/google/fhir-gateway/internal/gateway/proxy"
	"github.com/google/fhir-gateway/internal/gateway/syncscope"
	"github.com/google/fhir-gateway/internal/platform/auth"
	"github.com/google/fhir-gateway/internal/platform/fhirclient"
	"github.com/google/fhir-gateway/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-gateway",
		Short: "Authorizing reverse proxy for a FHIR R4 server",
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	client, err := fhirclient.New(fhirclient.Config{
		BaseURL:                  cfg.ProxyTo,
		SocketTimeout:            time.Duration(cfg.SocketTimeoutMS) * time.Millisecond,
		ConnectionRequestTimeout: time.Duration(cfg.ConnectionRequestTimeoutMS) * time.Millisecond,
		ConnectTimeout:           time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
		MaxConnectionTotal:       cfg.MaxConnectionTotal,
		MaxConnectionPerRoute:    cfg.MaxConnectionPerRoute,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build upstream FHIR client")
	}
	logger.Info().Str("proxy_to", cfg.ProxyTo).Msg("configured upstream FHIR server")

	graphResolver := graph.NewResolver(client, time.Duration(cfg.PractitionerCacheTTLSeconds)*time.Second)
	scopeResolver := syncscope.NewResolver(client, graphResolver)

	var checker access.Checker
	if cfg.DevMode {
		logger.Warn().Msg("permission checker running in dev mode: bundle entries missing a role are logged, not denied")
	}
	checker = access.NewPermissionChecker(cfg.DevMode)

	synth := audit.NewSynthesizer(client, client.BaseURL(), nil, logger)
	handler := proxy.New(client, scopeResolver, checker, synth, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize())
	e.Use(middleware.RequestTimeout(time.Duration(cfg.SocketTimeoutMS) * time.Millisecond))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))
	e.Use(middleware.BodyLimit("1M", "10M"))

	fhirGroup := e.Group("/fhir")
	fhirGroup.Use(auth.Middleware(nil))
	fhirGroup.Any("/*", handler.Handle)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting gateway")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gateway")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("gateway stopped")
	return nil
}
