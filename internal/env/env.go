package env

import (
	"github.com/thatsimonsguy/replenisher/internal/config"
)

// Cfg is the loaded rig config, set once by main before anything else starts.
var Cfg *config.Config
