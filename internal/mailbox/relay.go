package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Relay moves envelopes between agent addresses.
type Relay interface {
	// Deliver queues env for env.Target.
	Deliver(ctx context.Context, env *Envelope) error
	// Listen calls fn for every envelope addressed to address until ctx is
	// done. It returns nil on cancellation.
	Listen(ctx context.Context, address string, fn func(*Envelope)) error
	// PublishManifest announces that address speaks the protocol in m.
	PublishManifest(ctx context.Context, address string, m Manifest) error
	Close() error
}

// RelayConfig selects and configures a relay transport.
type RelayConfig struct {
	Transport string // nats | redis | memory
	URL       string
	Key       string // mailbox key: NATS token or Redis password
	Name      string
	Logger    *slog.Logger
}

// NewRelay builds the relay named by cfg.Transport.
func NewRelay(cfg RelayConfig) (Relay, error) {
	switch strings.ToLower(cfg.Transport) {
	case "", "memory":
		return NewMemoryRelay(), nil
	case "nats":
		return NewNATSRelay(NATSConfig{URL: cfg.URL, Token: cfg.Key, Name: cfg.Name, Logger: cfg.Logger})
	case "redis":
		return NewRedisRelay(RedisConfig{URL: cfg.URL, Password: cfg.Key, Logger: cfg.Logger})
	default:
		return nil, fmt.Errorf("unknown mailbox transport %q", cfg.Transport)
	}
}
