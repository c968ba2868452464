package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crowdlink/internal/core/services"
	httphandlers "crowdlink/internal/handlers/http"
	"crowdlink/internal/infrastructure/middleware"
	"crowdlink/internal/infrastructure/monitoring"
	"crowdlink/internal/infrastructure/relay"
	"crowdlink/internal/infrastructure/repositories"
	"crowdlink/pkg/config"
	"crowdlink/pkg/logger"
	"crowdlink/pkg/tracing"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the configuration file")
	address := pflag.String("address", "", "listen address, overrides server.address")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Server.Address = *address
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Fatalw("relay server failed", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.ServiceName = cfg.Tracing.ServiceName + "-relay"
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		return err
	}

	clk := clock.New()
	instanceID := uuid.NewString()
	log = log.With("instance_id", instanceID)

	repoFactory := repositories.NewRepositoryFactory(cfg, instanceID, clk, log)

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	var auth services.AuthService
	if cfg.Auth.Enabled {
		auth = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, clk)
	}

	server := relay.NewServer(relay.NewServerConfig(cfg), relay.ServerDeps{
		Registry: repoFactory.CreateRoomRegistry(),
		Bus:      repoFactory.CreateRoomBus(),
		Auth:     auth,
		Metrics:  collector,
		Clock:    clk,
		Logger:   log.Named("relay"),
	})

	checker := monitoring.NewHealthChecker(clk)
	checker.AddStorageCheck(repoFactory, 10*time.Second, 2*time.Second)
	checker.AddRelayCheck(server, 10*time.Second, time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = prometheus.DefaultGatherer
	}
	httphandlers.NewHealthHandler(checker, gatherer).SetupRoutes(router)
	httphandlers.NewRelayHandler(server).SetupRoutes(router)
	if auth != nil {
		api := router.Group("", middleware.NewHTTPRateLimitMiddleware(cfg))
		httphandlers.NewTokenHandler(auth, cfg.Auth.TokenTTL).SetupRoutes(api)
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting crowdlink relay", "address", cfg.Server.Address, "redis", cfg.Redis.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down crowdlink relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// hijacked websocket connections are not tracked by Shutdown
		server.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			srv.Close()
		}
		if err := repoFactory.Close(shutdownCtx); err != nil {
			log.Errorw("error closing repository factory", "error", err)
		}
		return tp.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("crowdlink relay stopped")
	return err
}
