// Package pipeline runs an ordered chain of middleware against one envelope
// per received message.
package pipeline

import (
	"context"

	"github.com/justinjstark/SmtpRouter/internal/envelope"
)

// PropertyUsername is the session property holding the authenticated SMTP
// username.
const PropertyUsername = "SmtpUsername"

// Middleware transforms an envelope. Implementations own env for the duration
// of the call only and return either env itself or a replacement.
type Middleware interface {
	Transform(ctx context.Context, env *envelope.Envelope, sess *Session, tx *Transaction) (*envelope.Envelope, error)
}

// Named is implemented by middleware that want a stable name in logs, errors
// and metrics.
type Named interface {
	Name() string
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(ctx context.Context, env *envelope.Envelope, sess *Session, tx *Transaction) (*envelope.Envelope, error)

func (f MiddlewareFunc) Transform(ctx context.Context, env *envelope.Envelope, sess *Session, tx *Transaction) (*envelope.Envelope, error) {
	return f(ctx, env, sess, tx)
}

// Session is the read-only per-connection metadata recorded at
// authentication time.
type Session struct {
	Username   string
	RemoteAddr string
	Properties map[string]string
}

// NewSession returns a session for username with PropertyUsername set when
// username is not empty.
func NewSession(username, remoteAddr string) *Session {
	props := map[string]string{}
	if username != "" {
		props[PropertyUsername] = username
	}
	return &Session{Username: username, RemoteAddr: remoteAddr, Properties: props}
}

// Property returns a named property, or "" if it is missing. A nil session has
// no properties.
func (s *Session) Property(key string) string {
	if s == nil {
		return ""
	}
	return s.Properties[key]
}

// User returns the authenticated username, or "" for a nil session.
func (s *Session) User() string {
	if s == nil {
		return ""
	}
	return s.Username
}

// Transaction describes one SMTP mail transaction.
type Transaction struct {
	ID   string
	From string
	// Recipients are the RCPT TO addresses, which may differ from the
	// addresses in the message header.
	Recipients []string
}
