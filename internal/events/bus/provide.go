package bus

import (
	"fmt"
	"strings"

	"github.com/avatar-engine/avatar-engine/internal/common/config"
	"github.com/avatar-engine/avatar-engine/internal/common/logger"
)

// Provide builds the in-process bus and, when a NATS URL is configured,
// attaches a mirror. The returned cleanup detaches and drains the mirror.
func Provide(cfg *config.Config, log *logger.Logger) (*Bus, func() error, error) {
	b := New(log)

	if strings.TrimSpace(cfg.NATS.URL) == "" {
		return b, func() error { return nil }, nil
	}

	mirror, err := NewMirror(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event mirror: %w", err)
	}
	mirror.Attach(b)

	cleanup := func() error {
		mirror.Close()
		return nil
	}
	return b, cleanup, nil
}
