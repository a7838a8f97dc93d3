// ABOUTME: Construction-time backend selection for the shared state store
// ABOUTME: The configured backend decides the implementation, never a runtime probe

package state

import (
	"fmt"
	"log/slog"

	"github.com/2389/relay-gateway/internal/config"
)

// Open constructs the configured state store backend. This is the only place
// that knows both implementations; callers hold the Store interface.
func Open(cfg config.StateConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return NewLocalStore(logger), nil
	case config.BackendNATS:
		return NewNATSStore(NATSOptions{
			URL:    cfg.NATS.URL,
			Bucket: cfg.NATS.Bucket,
			Prefix: cfg.NATS.Prefix,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
