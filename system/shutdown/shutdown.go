package shutdown

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// ExitFunc is swapped in tests.
var ExitFunc = os.Exit

type closer struct {
	name string
	fn   func() error
}

var (
	mu      sync.Mutex
	closers []closer
)

// Register adds a resource to release on shutdown. Resources are released in reverse
// registration order, so the serial link opened first is closed last.
func Register(name string, fn func() error) {
	mu.Lock()
	defer mu.Unlock()
	closers = append(closers, closer{name: name, fn: fn})
}

// Release closes every registered resource once. Failures are logged and do not
// stop the remaining closers.
func Release() {
	mu.Lock()
	pending := closers
	closers = nil
	mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		c := pending[i]
		if err := c.fn(); err != nil {
			log.Warn().Err(err).Str("resource", c.name).Msg("Failed to release resource")
			continue
		}
		log.Debug().Str("resource", c.name).Msg("Released resource")
	}
}

func Shutdown() {
	Release()
	log.Info().Msg("Replenisher stopped")
	ExitFunc(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	Release()
	ExitFunc(1)
}
