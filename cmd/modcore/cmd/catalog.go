package cmd

import (
	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/modules/auth"
	"github.com/GoCodeAlone/modcore/modules/game"
	"github.com/GoCodeAlone/modcore/modules/network"
	"github.com/GoCodeAlone/modcore/modules/sqlite"
)

// DefaultCatalog returns every module the binary ships with.
func DefaultCatalog() *modcore.Catalog {
	return modcore.NewCatalog().MustRegister(
		network.Registration(),
		sqlite.Registration(),
		auth.Registration(),
		game.Registration(),
	)
}
