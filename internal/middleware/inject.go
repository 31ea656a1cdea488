package middleware

import (
	"context"
	"log/slog"
	"strings"

	"github.com/justinjstark/SmtpRouter/internal/envelope"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
)

// InjectHeaders writes the current recipients at the top of the message body:
// a plain banner before the last plain text part and an HTML banner right
// after <body> in the last HTML part.
type InjectHeaders struct {
	logger *slog.Logger
}

func NewInjectHeaders(logger *slog.Logger) *InjectHeaders {
	return &InjectHeaders{logger: orDiscard(logger)}
}

func (m *InjectHeaders) Name() string { return "inject-headers" }

func (m *InjectHeaders) Transform(_ context.Context, env *envelope.Envelope, _ *pipeline.Session, tx *pipeline.Transaction) (*envelope.Envelope, error) {
	m.logger.Info("injecting headers into message", "tx", txID(tx))

	var plain, html *envelope.Text
	for _, t := range env.TextParts() {
		if t.HTML {
			html = t
		} else {
			plain = t
		}
	}
	if plain == nil && html == nil {
		return env, nil
	}

	plainBanner := PlainTextBanner(env)
	htmlBanner := HTMLBanner(env)

	if html != nil {
		at := indexFold(html.Content, "<body>")
		if at < 0 {
			at = 0
		} else {
			at += len("<body>")
		}
		html.Content = html.Content[:at] + htmlBanner + html.Content[at:]
	}
	if plain != nil {
		plain.Content = plainBanner + plain.Content
	}
	return env, nil
}

// indexFold is a case-insensitive strings.Index for an ASCII needle.
func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}
