package commet

import "go.uber.org/fx"

var Module = fx.Module("commet",
	fx.Provide(NewClient),
)
