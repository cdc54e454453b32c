// Command api runs only the HTTP and gRPC servers; the worker runs via
// `animalmela worker run`.
package main

import (
	"time"

	"go.uber.org/fx"

	"github.com/yagydev/animalmela/internal/app"
)

func main() {
	fx.New(
		app.HTTP,
		app.FxLogger,
		fx.StartTimeout(30*time.Second),
	).Run()
}
