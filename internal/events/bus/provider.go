package bus

import (
	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
)

// New selects the bus implementation from configuration: NATS when a URL
// is set, the in-process bus otherwise.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		log.Debug("no NATS URL configured, using in-memory event bus")
		return NewMemoryEventBus(log), nil
	}
	log.Debug("using NATS event bus", zap.String("url", cfg.URL))
	return NewNATSEventBus(cfg, log)
}
