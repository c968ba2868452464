package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/services"
	httphandlers "crowdlink/internal/handlers/http"
	"crowdlink/internal/infrastructure/middleware"
	"crowdlink/internal/infrastructure/monitoring"
	"crowdlink/internal/infrastructure/relay"
	"crowdlink/internal/infrastructure/reliability"
	webrtcinfra "crowdlink/internal/infrastructure/webrtc"
	"crowdlink/pkg/circuitbreaker"
	"crowdlink/pkg/config"
	"crowdlink/pkg/logger"
	"crowdlink/pkg/tracing"
	"crowdlink/pkg/utils"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type flags struct {
	config string
	room   string
	peer   string
	name   string
	relay  string
	route  string
	api    string
}

func main() {
	var f flags
	pflag.StringVarP(&f.config, "config", "c", "configs/config.yaml", "path to the configuration file")
	pflag.StringVarP(&f.room, "room", "r", "", "room to join")
	pflag.StringVarP(&f.peer, "peer", "p", "", "peer id, generated when empty")
	pflag.StringVarP(&f.name, "name", "n", "", "display name")
	pflag.StringVar(&f.relay, "relay", "", "relay websocket url")
	pflag.StringVar(&f.route, "route", "", "route preference: auto, relay, direct or mesh")
	pflag.StringVar(&f.api, "api", "", "address for the local session API")
	pflag.Parse()

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Fatalw("session failed", "error", err)
	}
}

func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, err
	}

	if f.room != "" {
		cfg.Session.RoomID = f.room
	}
	if f.peer != "" {
		cfg.Session.PeerID = f.peer
	}
	if f.name != "" {
		cfg.Session.DisplayName = f.name
	}
	if cfg.Session.PeerID == "" {
		cfg.Session.PeerID = utils.NewPeerID(cfg.Session.DisplayName)
	}
	if f.relay != "" {
		cfg.Relay.URL = f.relay
	}
	if f.route != "" {
		cfg.Session.RoutePreference = strings.ToLower(f.route)
	}
	if f.api != "" {
		cfg.Session.DiagnosticsAddr = f.api
	}
	if cfg.Session.RoomID == "" {
		return nil, errors.New("a room is required (--room or session.room_id)")
	}
	return cfg, cfg.Validate()
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.ServiceName = cfg.Tracing.ServiceName + "-client"
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	clk := clock.New()
	registry := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(registry)

	breakers := reliability.NewTransportBreakers(
		circuitbreaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryWindow:   cfg.Breaker.RecoveryWindow,
		},
		cfg.Breaker.DirectFailureWindow,
		clk,
		log.Named("breakers"),
		collector.ObserveCircuit,
	)

	connector, err := webrtcinfra.NewConnector(webrtcinfra.NewConfig(cfg), log.Named("webrtc"))
	if err != nil {
		return err
	}

	sessionCfg, err := services.NewSessionConfig(cfg)
	if err != nil {
		return err
	}
	session := services.NewSession(sessionCfg, services.SessionDeps{
		Relay:     relay.NewClient(relay.NewClientConfig(cfg), log.Named("relay")),
		Connector: connector,
		Breakers:  breakers,
		Clock:     clk,
		Logger:    log,
		Metrics:   collector,
	})
	defer session.Close()

	unsubscribe := session.OnMessage(func(msg *domain.Message) {
		name := msg.SenderDisplayName
		if name == "" {
			name = string(msg.SenderID)
		}
		fmt.Printf("[%s] %s: %s\n", utils.FormatClock(msg.Timestamp), name, msg.Content)
	})
	defer unsubscribe()

	if err := session.Start(ctx); err != nil {
		return err
	}
	log.Infow("session started", "room_id", session.Room(), "peer_id", session.Self())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Run(gctx)
	})

	if addr := cfg.Session.DiagnosticsAddr; addr != "" {
		srv := sessionAPI(cfg, addr, session, registry, log)
		g.Go(func() error {
			log.Infow("serving session API", "address", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// stdin is read outside the group; EOF ends the session
	go func() {
		readInput(gctx, session, clk, log)
		stop()
	}()

	return g.Wait()
}

func sessionAPI(cfg *config.Config, addr string, session *services.Session, registry *prometheus.Registry, log *zap.SugaredLogger) *http.Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	checker := monitoring.NewHealthChecker(nil)
	checker.AddSessionCheck(session, 0, 0)
	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	httphandlers.NewHealthHandler(checker, gatherer).SetupRoutes(router)

	api := router.Group("")
	if cfg.Auth.Enabled {
		auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, nil)
		api.Use(middleware.AuthMiddleware(auth, session.Room(), session.Self()))
	}
	httphandlers.NewSessionHandler(session).SetupRoutes(api)

	return &http.Server{Addr: addr, Handler: router}
}

// readInput sends each stdin line as a chat message. Lines starting with a
// slash are commands.
func readInput(ctx context.Context, session *services.Session, clk clock.Clock, log *zap.SugaredLogger) {
	started := clk.Now()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/status":
			status := session.GetStatus()
			fmt.Printf("connected=%v peers=%d route=%s quality=%s degraded=%v up=%s\n",
				status.Connected, status.PeerCount, status.Route, status.Quality, status.Degraded,
				utils.FormatUptime(clk.Since(started)))
		case line == "/reconnect":
			if err := session.ForceReconnect(ctx); err != nil {
				log.Warnw("reconnect failed", "error", err)
			}
		case strings.HasPrefix(line, "/route "):
			mode, err := domain.ParseRouteMode(strings.TrimSpace(strings.TrimPrefix(line, "/route ")))
			if err != nil {
				fmt.Println(err)
				continue
			}
			session.SetRoutePreference(mode)
		case line == "/quit":
			return
		default:
			if _, err := session.SendMessage(ctx, line); err != nil {
				log.Warnw("send failed", "error", err)
			}
		}
	}
}
