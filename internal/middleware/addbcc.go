// Package middleware holds the pipeline steps.
//
// AddBcc, InjectHeaders and the attachment steps are additive: when they fail
// they log the error and hand the envelope on unchanged. Send propagates its
// failures so that undelivered messages are rejected.
package middleware

import (
	"context"
	"log/slog"

	"github.com/justinjstark/SmtpRouter/internal/address"
	"github.com/justinjstark/SmtpRouter/internal/envelope"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
)

// AddBcc appends a fixed set of addresses to Bcc.
type AddBcc struct {
	addrs  []string
	logger *slog.Logger
}

func NewAddBcc(logger *slog.Logger, addrs ...string) *AddBcc {
	return &AddBcc{addrs: append([]string(nil), addrs...), logger: orDiscard(logger)}
}

func (m *AddBcc) Name() string { return "add-bcc" }

func (m *AddBcc) Transform(_ context.Context, env *envelope.Envelope, _ *pipeline.Session, tx *pipeline.Transaction) (*envelope.Envelope, error) {
	list, err := address.ParseStrings(m.addrs)
	if err != nil {
		m.logger.Error("add bcc", "tx", txID(tx), "error", err)
		return env, nil
	}
	m.logger.Debug("adding bcc", "tx", txID(tx), "bcc", list.Addresses())
	env.Bcc = address.Concat(env.Bcc, list)
	return env, nil
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return pipeline.Discard()
	}
	return logger
}

func txID(tx *pipeline.Transaction) string {
	if tx == nil {
		return ""
	}
	return tx.ID
}
