package cache

import (
	"fmt"

	"tgmonitor/internal/clock"
	"tgmonitor/internal/config"
)

// Open builds the configured cache backend.
// Params: cache settings and clock.
// Returns: store or backend setup error.
func Open(settings config.CacheConfig, c clock.Clock) (Store, error) {
	switch settings.Backend {
	case config.CacheBackendMemory, "":
		return NewMemoryStore(c), nil
	case config.CacheBackendNATS:
		return NewNATSStore(settings, c)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", settings.Backend)
	}
}
