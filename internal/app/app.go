package app

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/auth"
	"github.com/yagydev/animalmela/internal/cache"
	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/database"
	"github.com/yagydev/animalmela/internal/logger"
	"github.com/yagydev/animalmela/internal/messaging"
	"github.com/yagydev/animalmela/internal/migration"
	"github.com/yagydev/animalmela/internal/observability"
	"github.com/yagydev/animalmela/internal/payment"
	repositorylisting "github.com/yagydev/animalmela/internal/repository/listing"
	repositoryorder "github.com/yagydev/animalmela/internal/repository/order"
	repositorytransport "github.com/yagydev/animalmela/internal/repository/transport"
	grpcserver "github.com/yagydev/animalmela/internal/server/grpc"
	httpserver "github.com/yagydev/animalmela/internal/server/http"
	serviceorder "github.com/yagydev/animalmela/internal/service/order"
	servicetransport "github.com/yagydev/animalmela/internal/service/transport"
	transporthttp "github.com/yagydev/animalmela/internal/transport/http"
	"github.com/yagydev/animalmela/internal/worker"
	workerorder "github.com/yagydev/animalmela/internal/worker/order"
)

// Infra provides configuration, logging, storage and messaging.
var Infra = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
	repositorylisting.Module,
	repositoryorder.Module,
	repositorytransport.Module,
)

// Core adds the domain services shared across executables.
var Core = fx.Options(
	Infra,
	payment.Module,
	serviceorder.Module,
	servicetransport.Module,
)

// HTTP wires the HTTP and gRPC servers on top of the core modules.
var HTTP = fx.Options(
	Core,
	migration.Module,
	migration.AutoMigrate,
	auth.Module,
	httpserver.Module,
	transporthttp.Module,
	grpcserver.Module,
)

// Worker exposes background worker processing.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerorder.Module,
)

// Module is the default application wiring (HTTP only).
var Module = HTTP

// FxLogger routes Fx lifecycle events through the application logger.
var FxLogger = fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})
