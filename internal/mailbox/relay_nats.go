package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	natsSubjectPrefix   = "mailbox."
	natsManifestSubject = "mailbox.manifests"
)

// NATSRelay delivers envelopes on the subject mailbox.<address>.
type NATSRelay struct {
	nc     *nats.Conn
	logger *slog.Logger
}

type NATSConfig struct {
	URL    string
	Token  string // mailbox key
	Name   string
	Logger *slog.Logger
}

func NewNATSRelay(cfg NATSConfig) (*NATSRelay, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "coderun-mailbox"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("mailbox relay disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("mailbox relay reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to mailbox relay %s: %w", url, err)
	}
	return &NATSRelay{nc: nc, logger: logger}, nil
}

func natsSubject(address string) string {
	return natsSubjectPrefix + address
}

func (r *NATSRelay) Deliver(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.nc.Publish(natsSubject(env.Target), data)
}

func (r *NATSRelay) Listen(ctx context.Context, address string, fn func(*Envelope)) error {
	sub, err := r.nc.Subscribe(natsSubject(address), func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			r.logger.Warn("dropping malformed envelope", "subject", msg.Subject, "error", err)
			return
		}
		fn(&env)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsSubject(address), err)
	}
	<-ctx.Done()
	_ = sub.Drain()
	return nil
}

type manifestAnnouncement struct {
	Address  string   `json:"address"`
	Manifest Manifest `json:"manifest"`
}

func (r *NATSRelay) PublishManifest(ctx context.Context, address string, m Manifest) error {
	data, err := json.Marshal(manifestAnnouncement{Address: address, Manifest: m})
	if err != nil {
		return err
	}
	return r.nc.Publish(natsManifestSubject, data)
}

func (r *NATSRelay) Close() error {
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
		return err
	}
	return nil
}
