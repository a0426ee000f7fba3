package koemi

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const apiHealthCheck = "/healthz"

// API is the liveness HTTP server. It serves a single health check
// endpoint and shares no state with the bot's event loop.
type API struct {
	config     *HTTPConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func newAPI(config *HTTPConfig) *API {
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(
		apiHealthCheck, func(c *gin.Context) {
			c.String(http.StatusOK, "ok")
		},
	)

	return &API{
		config: config,
		engine: r,
		logger: logger,
		httpServer: &http.Server{
			Addr:              config.Listen,
			Handler:           r,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
	}
}

// Serve listens on the configured address and serves until the server
// is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return err
		}
		a.listener = ln
	}
	a.logger.Info("liveness endpoint listening", "addr", a.config.Listen)
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the server.
func (a *API) Shutdown(ctx context.Context) {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Warn("error shutting down liveness endpoint", tint.Err(err))
	}
}
