package jobs

import (
	"go.uber.org/fx"
)

// Module provides the jobs domain
var Module = fx.Module("jobs",
	fx.Provide(NewStore),
	fx.Provide(NewEngine),
	fx.Provide(NewWatchdog),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
