package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/pires/go-proxyproto"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"

	"portmap-proxy/internal/client"
	"portmap-proxy/internal/config"
	"portmap-proxy/internal/eventlog"
	"portmap-proxy/internal/handler"
	"portmap-proxy/internal/metrics"
	"portmap-proxy/internal/middleware"
	"portmap-proxy/internal/relay"
	"portmap-proxy/internal/route"
	"portmap-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// logOutput is the destination behind the process logger.
type logOutput interface {
	Close() error
}

func main() {
	// A missing .env file is fine; the environment may be set otherwise.
	_ = godotenv.Load()

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("portmap-proxy"),
		kong.Description("Single-hop reverse proxy forwarding local bindings to fixed upstreams."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: l}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			route.NewTableFromConfig,
			client.NewForwardingClient,
			relay.NewStreamer,
			eventlog.NewFromConfig,
			func(l *eventlog.Logger) eventlog.Sink { return l },
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, logRoutes, startServer),
	).Run()
}

func newLogger(cfg *config.Config) (*slog.Logger, logOutput, error) {
	logger, closer, err := eventlog.NewSlog(cfg)
	if err != nil {
		return nil, nil, err
	}
	return logger, closer, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, events eventlog.Sink, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running streamed
	// responses. Protection is provided by the upstream read timeout, ReadTimeout,
	// and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	if cfg.Server.TrustForwardedFor {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.StripHopByHop())
	e.Use(middleware.RequestLogger(events))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	if n := cfg.Server.BodyMaxBytes; n > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", n)))
		logger.Info("request body limit enabled", "max", humanize.IBytes(uint64(n)))
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond, events))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logRoutes(svc *service.ProxyService, logger *slog.Logger) {
	for _, r := range svc.Routes() {
		logger.Info("route", "binding", r.Key.String(), "upstream", r.Target.Authority())
	}
}

type serverDeps struct {
	fx.In

	Lifecycle fx.Lifecycle
	Echo      *echo.Echo
	Config    *config.Config
	Logger    *slog.Logger
	Output    logOutput
	Client    *client.ForwardingClient
	Events    *eventlog.Logger
}

func startServer(d serverDeps) {
	logger := d.Logger
	d.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := d.Config.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			if d.Config.Server.ProxyProtocol {
				ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 10 * time.Second}
			}
			logger.Info("starting server", "addr", addr, "proxy_protocol", d.Config.Server.ProxyProtocol)
			go func() {
				if err := d.Echo.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			err := d.Echo.Shutdown(ctx)
			d.Client.CloseIdleConnections()
			if dropped := d.Events.Dropped(); dropped > 0 {
				logger.Warn("events dropped", "count", dropped)
			}
			err = multierr.Append(err, d.Events.Close())
			return multierr.Append(err, d.Output.Close())
		},
	})
}
