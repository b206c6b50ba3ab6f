package progress

import (
	"go.uber.org/fx"

	"github.com/phraseforge/phraseforge/domain/jobs"
)

// Module provides the progress channel
var Module = fx.Module("progress",
	fx.Provide(NewHub),
	fx.Provide(NewBroker),
	fx.Provide(func(b *Broker) jobs.ProgressPublisher { return b }),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
