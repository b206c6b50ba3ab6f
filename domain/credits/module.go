package credits

import (
	"go.uber.org/fx"
)

// Module provides the credits domain
var Module = fx.Module("credits",
	fx.Provide(NewRepository),
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
