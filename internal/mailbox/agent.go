package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"coderun/internal/bus"
)

const defaultReplyTTL = 5 * time.Minute

var ErrNoReply = errors.New("no reply before timeout")

// Agent is an addressable participant on a mailbox relay.
type Agent struct {
	name     string
	id       *Identity
	relay    Relay
	replyTTL time.Duration
	events   *bus.EventBus
	logger   *slog.Logger

	mu        sync.Mutex
	protocols []*Protocol
	publish   map[*Protocol]bool
	startup   []func(ctx context.Context, mc *Context)
	pending   map[string]chan *Envelope // session -> waiting Ask
	nonces    *nonceCache
	wg        sync.WaitGroup
}

type Config struct {
	Name     string
	Seed     string
	Relay    Relay
	ReplyTTL time.Duration
	Events   *bus.EventBus // optional
	Logger   *slog.Logger
}

func New(cfg Config) (*Agent, error) {
	if cfg.Seed == "" {
		return nil, errors.New("mailbox agent: seed is required")
	}
	if cfg.Relay == nil {
		return nil, errors.New("mailbox agent: relay is required")
	}
	if cfg.ReplyTTL <= 0 {
		cfg.ReplyTTL = defaultReplyTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := NewIdentity(cfg.Seed)
	return &Agent{
		name:     cfg.Name,
		id:       id,
		relay:    cfg.Relay,
		replyTTL: cfg.ReplyTTL,
		events:   cfg.Events,
		logger:   cfg.Logger.With("agent", cfg.Name),
		publish:  make(map[*Protocol]bool),
		pending:  make(map[string]chan *Envelope),
		nonces:   newNonceCache(),
	}, nil
}

func (a *Agent) Name() string    { return a.name }
func (a *Agent) Address() string { return a.id.Address() }

// OnStartup registers fn to run when Run starts.
func (a *Agent) OnStartup(fn func(ctx context.Context, mc *Context)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startup = append(a.startup, fn)
}

// Include attaches a protocol. With publishManifest the manifest is
// announced on the relay when Run starts.
func (a *Agent) Include(p *Protocol, publishManifest bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.protocols = append(a.protocols, p)
	a.publish[p] = publishManifest
}

// Run runs the startup hooks, publishes manifests, then handles envelopes
// until ctx is done. In-flight handlers finish before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	hooks := append([]func(context.Context, *Context){}, a.startup...)
	var announce []*Protocol
	for _, p := range a.protocols {
		if a.publish[p] {
			announce = append(announce, p)
		}
	}
	a.mu.Unlock()

	for _, fn := range hooks {
		fn(ctx, a.context("", ""))
	}

	for _, p := range announce {
		m := p.Manifest()
		if err := a.relay.PublishManifest(ctx, a.Address(), m); err != nil {
			a.logger.Warn("failed to publish manifest", "protocol", p.Name, "error", err)
			continue
		}
		a.logger.Info("manifest published", "protocol", p.Name, "version", p.Version, "digest", m.Digest)
	}

	defer a.wg.Wait()
	return a.relay.Listen(ctx, a.Address(), func(env *Envelope) {
		a.dispatch(ctx, env)
	})
}

func (a *Agent) dispatch(ctx context.Context, env *Envelope) {
	if env.Target != a.Address() {
		a.logger.Warn("dropping envelope for another address", "target", env.Target)
		return
	}
	now := time.Now()
	if err := env.Verify(now); err != nil {
		a.logger.Warn("dropping envelope", "sender", env.Sender, "error", err)
		return
	}
	if !a.nonces.firstSeen(env, now) {
		a.logger.Warn("dropping replayed envelope", "sender", env.Sender, "session", env.Session)
		return
	}
	a.emit(bus.EventMailboxReceived, env)

	a.mu.Lock()
	waiter, ok := a.pending[env.Session]
	a.mu.Unlock()
	if ok {
		select {
		case waiter <- env:
		default:
		}
		return
	}

	p, fn := a.handlerFor(env)
	if fn == nil {
		a.logger.Warn("no handler for message", "schema_digest", env.SchemaDigest, "sender", env.Sender)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		mc := a.context(env.Sender, env.Session)
		if err := fn(ctx, mc, env); err != nil {
			a.logger.Error("handler failed", "protocol", p.Name, "sender", env.Sender, "error", err)
		}
	}()
}

func (a *Agent) handlerFor(env *Envelope) (*Protocol, handlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.protocols {
		if env.ProtocolDigest != "" && env.ProtocolDigest != p.Digest() {
			continue
		}
		if fn, ok := p.handler(env.SchemaDigest); ok {
			return p, fn
		}
	}
	return nil, nil
}

func (a *Agent) protocolDigest(schemaDigest string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.protocols {
		if _, ok := p.handler(schemaDigest); ok {
			return p.Digest()
		}
	}
	return ""
}

// Send delivers msg to target in a new session.
func (a *Agent) Send(ctx context.Context, target string, msg any) error {
	_, err := a.send(ctx, target, uuid.NewString(), msg)
	return err
}

func (a *Agent) send(ctx context.Context, target, session string, msg any) (*Envelope, error) {
	if !ValidAddress(target) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, target)
	}
	env, err := NewEnvelope(a.id, target, session, msg, a.replyTTL)
	if err != nil {
		return nil, err
	}
	if pd := a.protocolDigest(env.SchemaDigest); pd != "" {
		env.ProtocolDigest = pd
		env.Sign(a.id)
	}
	if err := a.relay.Deliver(ctx, env); err != nil {
		return nil, fmt.Errorf("deliver to %s: %w", target, err)
	}
	a.emit(bus.EventMailboxSent, env)
	return env, nil
}

// Ask sends msg and waits for the first envelope of the same session.
// The agent must be running to receive the reply.
func (a *Agent) Ask(ctx context.Context, target string, msg any, timeout time.Duration) (*Envelope, error) {
	session := uuid.NewString()
	ch := make(chan *Envelope, 1)

	a.mu.Lock()
	a.pending[session] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, session)
		a.mu.Unlock()
	}()

	if _, err := a.send(ctx, target, session, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		return nil, ErrNoReply
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AskFor is Ask with the reply decoded as R.
func AskFor[R any](ctx context.Context, a *Agent, target string, msg any, timeout time.Duration) (R, error) {
	var reply R
	env, err := a.Ask(ctx, target, msg, timeout)
	if err != nil {
		return reply, err
	}
	if want := SchemaDigest[R](); env.SchemaDigest != want {
		return reply, fmt.Errorf("unexpected reply model %s, want %s", env.SchemaDigest, ModelName[R]())
	}
	err = env.Decode(&reply)
	return reply, err
}

func (a *Agent) context(sender, session string) *Context {
	return &Context{agent: a, Sender: sender, Session: session, Logger: a.logger}
}

func (a *Agent) emit(eventType string, env *Envelope) {
	if a.events == nil {
		return
	}
	a.events.Emit(bus.Event{
		Type:   eventType,
		Source: "mailbox",
		Payload: map[string]any{
			"sender":        env.Sender,
			"target":        env.Target,
			"session":       env.Session,
			"schema_digest": env.SchemaDigest,
		},
	})
}

// Context is handed to startup hooks and message handlers.
type Context struct {
	agent   *Agent
	Sender  string // empty in startup hooks
	Session string
	Logger  *slog.Logger
}

func (c *Context) Address() string { return c.agent.Address() }
func (c *Context) Name() string    { return c.agent.Name() }

// Reply sends msg back to the sender in the same session.
func (c *Context) Reply(ctx context.Context, msg any) error {
	if c.Sender == "" {
		return errors.New("no sender to reply to")
	}
	_, err := c.agent.send(ctx, c.Sender, c.Session, msg)
	return err
}

// Send delivers msg to target in a new session.
func (c *Context) Send(ctx context.Context, target string, msg any) error {
	return c.agent.Send(ctx, target, msg)
}
