package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/cache"
	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/database"
	"github.com/yagydev/animalmela/internal/logger"
	"github.com/yagydev/animalmela/internal/observability"
	"github.com/yagydev/animalmela/internal/presentation/http/response"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

const readinessTimeout = 2 * time.Second

// Module exposes the HTTP server lifecycle to Fx.
var Module = fx.Module("http_server",
	fx.Provide(NewEcho),
	fx.Invoke(Run),
)

// Params are the dependencies of NewEcho. Everything except config and logger
// is optional so tests can build a bare router.
type Params struct {
	fx.In

	Config config.Config
	Logger *zap.Logger
	Obs    *observability.Manager `optional:"true"`
	DB     *database.Connections  `optional:"true"`
	Cache  cache.Store            `optional:"true"`
}

// NewEcho builds the router shared by every transport handler: request ids,
// panic recovery, access logs and the JSON error envelope.
func NewEcho(p Params) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(p.Logger)

	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	if p.Obs != nil && p.Obs.TracingEnabled() {
		e.Use(otelecho.Middleware(p.Config.Observability.ServiceName))
	}
	e.Use(accessLog(p.Logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/ready", readiness(p.DB, p.Cache))

	if p.Obs != nil && p.Obs.MetricsEnabled() && p.Obs.MetricsHandler() != nil {
		e.GET(p.Obs.PrometheusPath(), echo.WrapHandler(p.Obs.MetricsHandler()))
	}

	return e
}

// errorHandler renders anything a handler returned, including echo's own
// routing errors, in the response envelope.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			appErr *errorbank.AppError
			he     *echo.HTTPError
		)
		if !errors.As(err, &appErr) && errors.As(err, &he) {
			err = errorbank.New(kindForStatus(he.Code), fmt.Sprint(he.Message),
				errorbank.WithStatus(he.Code), errorbank.WithCause(he.Internal))
		}

		appErr = errorbank.From(err)
		if appErr.StatusCode() >= http.StatusInternalServerError {
			logger.Error("http request failed",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Error(err),
			)
		}
		if buildErr := response.New(c).WithError(appErr).Build(); buildErr != nil {
			logger.Warn("write error response", zap.Error(buildErr))
		}
	}
}

func kindForStatus(status int) errorbank.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return errorbank.KindBadRequest
	case http.StatusUnauthorized:
		return errorbank.KindUnauthorized
	case http.StatusForbidden:
		return errorbank.KindForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return errorbank.KindNotFound
	case http.StatusConflict:
		return errorbank.KindConflict
	default:
		if status < http.StatusInternalServerError {
			return errorbank.KindBadRequest
		}
		return errorbank.KindInternal
	}
}

func accessLog(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.WithTrace(c.Request().Context(), log).Info("http request",
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
			)
			return nil
		}
	}
}

func readiness(db *database.Connections, store cache.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
		defer cancel()

		checks := map[string]string{}
		var failed bool
		if db != nil {
			checks["database"] = "ok"
			if err := db.Ping(ctx); err != nil {
				checks["database"] = err.Error()
				failed = true
			}
		}
		if p, ok := store.(cache.Pinger); ok {
			checks["cache"] = "ok"
			if err := p.Ping(ctx); err != nil {
				checks["cache"] = err.Error()
				failed = true
			}
		}

		if failed {
			return response.New(c).
				WithError(errorbank.New(errorbank.KindInternal, "dependencies unavailable",
					errorbank.WithCode("not_ready"),
					errorbank.WithStatus(http.StatusServiceUnavailable),
					errorbank.WithDetail("checks", checks))).
				Build()
		}
		return response.New(c).WithData(checks).Build()
	}
}

// Run starts the HTTP server and ties it to the Fx lifecycle.
func Run(lc fx.Lifecycle, cfg config.Config, e *echo.Echo, logger *zap.Logger) {
	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting HTTP server", zap.String("addr", addr))
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping HTTP server")
			return server.Shutdown(ctx)
		},
	})
}
