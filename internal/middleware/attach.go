package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/justinjstark/SmtpRouter/internal/envelope"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
)

const (
	OriginalEmailFilename   = "OriginalEmail.eml"
	OriginalHeadersFilename = "OriginalHeaders.txt"
)

// OriginalSource selects what AddOriginalEmailAsAttachment attaches.
type OriginalSource int

const (
	// FromRawBytes attaches the message exactly as it was received.
	FromRawBytes OriginalSource = iota
	// FromCurrentState attaches the envelope as serialized at this step.
	FromCurrentState
)

func (s OriginalSource) String() string {
	switch s {
	case FromRawBytes:
		return "raw"
	case FromCurrentState:
		return "current"
	}
	return fmt.Sprintf("OriginalSource(%d)", int(s))
}

// AddOriginalEmailAsAttachment attaches the message as OriginalEmail.eml.
type AddOriginalEmailAsAttachment struct {
	source OriginalSource
	logger *slog.Logger
}

func NewAddOriginalEmailAsAttachment(logger *slog.Logger, source OriginalSource) *AddOriginalEmailAsAttachment {
	return &AddOriginalEmailAsAttachment{source: source, logger: orDiscard(logger)}
}

func (m *AddOriginalEmailAsAttachment) Name() string { return "add-original-attachment" }

func (m *AddOriginalEmailAsAttachment) Transform(_ context.Context, env *envelope.Envelope, _ *pipeline.Session, tx *pipeline.Transaction) (*envelope.Envelope, error) {
	m.logger.Info("adding original email as attachment", "tx", txID(tx), "source", m.source.String())

	var content []byte
	switch m.source {
	case FromCurrentState:
		b, err := env.Bytes()
		if err != nil {
			m.logger.Error("serialize original email", "tx", txID(tx), "error", err)
			return env, nil
		}
		content = b
	default:
		content = env.Raw()
	}

	env.Attach(envelope.NewAttachment("text/plain", OriginalEmailFilename, content))
	return env, nil
}

// AddHeadersAsAttachment attaches the plain text recipient banner as
// OriginalHeaders.txt.
type AddHeadersAsAttachment struct {
	logger *slog.Logger
}

func NewAddHeadersAsAttachment(logger *slog.Logger) *AddHeadersAsAttachment {
	return &AddHeadersAsAttachment{logger: orDiscard(logger)}
}

func (m *AddHeadersAsAttachment) Name() string { return "add-headers-attachment" }

func (m *AddHeadersAsAttachment) Transform(_ context.Context, env *envelope.Envelope, _ *pipeline.Session, tx *pipeline.Transaction) (*envelope.Envelope, error) {
	m.logger.Info("adding headers as attachment", "tx", txID(tx))
	env.Attach(envelope.NewAttachment("text/plain", OriginalHeadersFilename, []byte(PlainTextBanner(env))))
	return env, nil
}
