package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Backend names accepted by NewDialer.
const (
	BackendAMQP   = "amqp"
	BackendKafka  = "kafka"
	BackendMemory = "memory"
)

// Config selects and configures a bus backend.
type Config struct {
	Backend string
	AMQP    AMQPConfig
	Kafka   KafkaConfig
	// Memory is the broker used by the memory backend. A new one is created
	// when nil.
	Memory *MemoryBroker
}

// NewDialer returns a DialFunc for the configured backend.
func NewDialer(cfg Config) (DialFunc, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendAMQP, "":
		log.Info().Str("host", cfg.AMQP.Host).Int("port", cfg.AMQP.Port).Msg("bus: using AMQP backend")
		return func(ctx context.Context) (Bus, error) {
			return DialAMQP(ctx, cfg.AMQP)
		}, nil
	case BackendKafka:
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("bus: using Kafka backend")
		return func(ctx context.Context) (Bus, error) {
			return DialKafka(ctx, cfg.Kafka)
		}, nil
	case BackendMemory:
		log.Info().Msg("bus: using in-memory backend")
		mem := cfg.Memory
		if mem == nil {
			mem = NewMemoryBroker()
		}
		return mem.Dialer(), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}
