package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/justinjstark/SmtpRouter/internal/envelope"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
)

var ErrNoRecipients = errors.New("message has no recipients")

// Relayer delivers a serialized message. Implementations must be safe for
// concurrent use.
type Relayer interface {
	Send(ctx context.Context, from string, rcpts []string, msg []byte) error
	Addr() string
}

// Send hands the envelope to the downstream relay. Every failure is logged at
// critical level and returned so the run aborts.
type Send struct {
	relay  Relayer
	logger *slog.Logger
}

func NewSend(relay Relayer, logger *slog.Logger) *Send {
	return &Send{relay: relay, logger: orDiscard(logger)}
}

func (m *Send) Name() string { return "send" }

func (m *Send) Transform(ctx context.Context, env *envelope.Envelope, _ *pipeline.Session, tx *pipeline.Transaction) (*envelope.Envelope, error) {
	logger := m.logger.With("tx", txID(tx), "relay", m.relay.Addr())
	logger.Info("sending message")

	if err := m.send(ctx, env, tx); err != nil {
		logger.Log(ctx, pipeline.LevelCritical, "unable to send message", "error", err)
		return nil, err
	}
	return env, nil
}

func (m *Send) send(ctx context.Context, env *envelope.Envelope, tx *pipeline.Transaction) error {
	rcpts := env.Recipients().Addresses()
	if len(rcpts) == 0 {
		return ErrNoRecipients
	}

	from := ""
	if tx != nil {
		from = tx.From
	}
	if from == "" {
		if a, ok := env.From(); ok {
			from = a.Address
		}
	}

	msg, err := env.Bytes()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	return m.relay.Send(ctx, from, rcpts, msg)
}
