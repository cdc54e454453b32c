package order

import (
	"go.uber.org/fx"

	"github.com/yagydev/animalmela/internal/transport/http/middleware"
)

// Module wires HTTP order and booking payment handlers. It expects the
// Authenticate middleware under middleware.AuthnTag.
var Module = fx.Options(
	fx.Provide(NewHandler),
	fx.Invoke(fx.Annotate(Register, fx.ParamTags(``, ``, middleware.AuthnTag))),
)
