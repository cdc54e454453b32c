package http

import (
	"go.uber.org/fx"

	jobtransport "github.com/yagydev/animalmela/internal/transport/http/job"
	"github.com/yagydev/animalmela/internal/transport/http/middleware"
	ordertransport "github.com/yagydev/animalmela/internal/transport/http/order"
)

// Module provides the bearer-token middleware shared by the order and
// transport job routes, then registers both.
var Module = fx.Options(
	fx.Provide(fx.Annotate(middleware.Authenticate, fx.ResultTags(middleware.AuthnTag))),
	ordertransport.Module,
	jobtransport.Module,
)
