package account

import (
	"github.com/smallbiznis/hookline/internal/account/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("account.directory",
	fx.Provide(repository.Provide),
)
