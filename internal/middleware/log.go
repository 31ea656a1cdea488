package middleware

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/justinjstark/SmtpRouter/internal/envelope"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
)

const indent = "  "

// Formatter renders an envelope for logging.
type Formatter func(env *envelope.Envelope) string

// Log writes the envelope to the logger. It never fails.
type Log struct {
	name   string
	logger *slog.Logger
	level  slog.Level
	format Formatter
}

// NewLog logs the full message with DumpFormatter. Pass a formatter to log
// something shorter.
func NewLog(logger *slog.Logger, level slog.Level, format Formatter) *Log {
	if format == nil {
		format = DumpFormatter
	}
	return &Log{name: "log", logger: orDiscard(logger), level: level, format: format}
}

// NewLogReceived logs a one line notice naming the recipients.
func NewLogReceived(logger *slog.Logger) *Log {
	l := NewLog(logger, slog.LevelInfo, ReceivedFormatter)
	l.name = "log-received"
	return l
}

func (m *Log) Name() string { return m.name }

func (m *Log) Transform(ctx context.Context, env *envelope.Envelope, _ *pipeline.Session, tx *pipeline.Transaction) (*envelope.Envelope, error) {
	if m.logger.Enabled(ctx, m.level) {
		m.logger.Log(ctx, m.level, m.format(env), "tx", txID(tx))
	}
	return env, nil
}

// ReceivedFormatter renders "Message received for <to>".
func ReceivedFormatter(env *envelope.Envelope) string {
	return "Message received for " + env.To.String()
}

// DumpFormatter renders the header fields and the MIME tree of the message.
func DumpFormatter(env *envelope.Envelope) string {
	var b strings.Builder
	b.WriteString("Message received\n")
	writeDump(&b, env)
	return strings.TrimSuffix(b.String(), "\n")
}

func writeDump(b *strings.Builder, env *envelope.Envelope) {
	b.WriteString(indent + "Headers:\n")
	for _, f := range env.Fields() {
		fmt.Fprintf(b, "%s%s%s: %s\n", indent, indent, f.Key, f.Value)
	}
	if len(env.Bcc) > 0 {
		fmt.Fprintf(b, "%s%sBcc: %s\n", indent, indent, env.Bcc.String())
	}
	b.WriteString(indent + "Body:\n")
	writeNode(b, env.Body, indent+indent)
}

func writeNode(b *strings.Builder, n envelope.Node, prefix string) {
	if n == nil {
		return
	}
	fmt.Fprintf(b, "%sMime Type: %s\n", prefix, n.MediaType())
	prefix += indent

	switch n := n.(type) {
	case *envelope.Multipart:
		for _, child := range n.Parts {
			writeNode(b, child, prefix)
		}
	case *envelope.Text:
		content := strings.ReplaceAll(n.Content, "\r\n", "\n")
		for _, line := range strings.Split(content, "\n") {
			b.WriteString(prefix + line + "\n")
		}
	case *envelope.Part:
		fmt.Fprintf(b, "%sAttachment: %s\n", prefix, n.Filename())
	}
}

// Print writes the message dump to an io.Writer, typically os.Stdout. It is
// meant for local debugging and never fails; write errors are logged.
type Print struct {
	w      io.Writer
	logger *slog.Logger
}

func NewPrint(w io.Writer, logger *slog.Logger) *Print {
	return &Print{w: w, logger: orDiscard(logger)}
}

func (m *Print) Name() string { return "print" }

func (m *Print) Transform(_ context.Context, env *envelope.Envelope, _ *pipeline.Session, tx *pipeline.Transaction) (*envelope.Envelope, error) {
	var b strings.Builder
	b.WriteString("MESSAGE:\n")
	writeDump(&b, env)
	if _, err := io.WriteString(m.w, b.String()); err != nil {
		m.logger.Error("print message", "tx", txID(tx), "error", err)
	}
	return env, nil
}
