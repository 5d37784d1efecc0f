package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"coderun/internal/domain"
)

const (
	defaultConcurrency  = 3
	defaultQueryTimeout = 5 * time.Minute
)

// QueryAnswerer is what the loop needs from the answer pipeline.
type QueryAnswerer interface {
	Answer(ctx context.Context, q Query) (*Result, error)
}

// Loop consumes inbound messages from the bus, answers them, and sends the
// result back to the originating channel.
type Loop struct {
	answerer     QueryAnswerer
	bus          domain.MessageBus
	logger       *slog.Logger
	concurrency  int
	queryTimeout time.Duration
	wg           sync.WaitGroup
}

// LoopConfig holds all dependencies and tuning parameters for the agent loop.
type LoopConfig struct {
	Answerer     QueryAnswerer
	Bus          domain.MessageBus
	Logger       *slog.Logger
	Concurrency  int // max parallel queries (default 3)
	QueryTimeout time.Duration
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		answerer:     cfg.Answerer,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		concurrency:  cfg.Concurrency,
		queryTimeout: cfg.QueryTimeout,
	}
}

// Run consumes inbound messages and processes them with bounded concurrency.
// It returns once ctx is done or the bus is closed and in-flight queries have
// finished.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("agent loop started", "concurrency", l.concurrency)
	defer l.wg.Wait()

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("agent loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, agent loop stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			l.wg.Add(1)
			go func(m domain.InboundMessage) {
				defer l.wg.Done()
				defer func() { <-sem }()
				l.processMessage(ctx, m)
			}(msg)
		}
	}
}

// ProcessDirect answers one query synchronously. Used by the CLI and the
// mailbox agent, which need a blocking reply.
func (l *Loop) ProcessDirect(ctx context.Context, content, model, channel, chatID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.queryTimeout)
	defer cancel()
	return l.answerer.Answer(ctx, Query{
		Text:    content,
		Model:   model,
		Channel: channel,
		ChatID:  chatID,
	})
}

// processMessage answers a single inbound message and sends the outcome back
// through the message bus.
func (l *Loop) processMessage(ctx context.Context, msg domain.InboundMessage) {
	l.logger.Debug("processing message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)

	out := domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Query:   msg.Content,
		Model:   msg.Model,
	}

	res, err := l.ProcessDirect(ctx, msg.Content, msg.Model, msg.Channel, msg.ChatID)
	if err != nil {
		out.Error = err.Error()
		out.Kind = FailureKind(err)
	} else {
		out.RunID = res.RunID
		out.Model = res.Model
		out.Generated = res.Generated
		out.Code = res.Code
	}

	l.bus.SendOutbound(out)
}

// FailureKind classifies a pipeline error for the channels.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrEmptyQuery), errors.Is(err, ErrUnknownModel):
		return domain.FailureInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTimeout
	default:
		return domain.FailureError
	}
}
