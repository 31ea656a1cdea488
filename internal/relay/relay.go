// Package relay delivers finished messages to a downstream SMTP server.
//
// Every Send opens its own connection, so a Client can be shared by
// concurrent pipeline runs.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type Security string

const (
	SecurityNone     Security = "none"
	SecurityStartTLS Security = "starttls"
	SecurityTLS      Security = "tls"
)

// ParseSecurity accepts the Security names, case-sensitively. An empty string
// means SecurityNone.
func ParseSecurity(s string) (Security, error) {
	switch Security(s) {
	case "", SecurityNone:
		return SecurityNone, nil
	case SecurityStartTLS, SecurityTLS:
		return Security(s), nil
	}
	return "", fmt.Errorf("unknown relay security %q", s)
}

const (
	defaultDialTimeout    = 30 * time.Second
	defaultCommandTimeout = 5 * time.Minute
)

type Config struct {
	Host     string
	Port     int
	Security Security
	// Username enables AUTH PLAIN when set.
	Username string
	Password string
	// HeloName is sent with EHLO. It is not used with SecurityStartTLS, where
	// the client introduces itself as localhost.
	HeloName  string
	TLSConfig *tls.Config

	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// Error reports the protocol stage a delivery failed at.
type Error struct {
	Stage string
	// Temporary is set for 4xx replies and network failures.
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Client struct {
	cfg    Config
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.Security == "" {
		cfg.Security = SecurityNone
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		cfg:    cfg,
		dial:   (&net.Dialer{}).DialContext,
		logger: logger,
	}
}

// Addr is the host:port messages are relayed to.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Send delivers msg to rcpts. Cancelling ctx closes the connection and aborts
// whatever command is in flight.
func (c *Client) Send(ctx context.Context, from string, rcpts []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return &Error{Stage: "connect", Err: err}
	}
	c.logger.Info("sending message", "relay", c.Addr(), "recipients", len(rcpts))

	cl, err := c.connect(ctx)
	if err != nil {
		return c.wrap(ctx, "connect", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = cl.Close() })
	defer stop()

	if err := c.transfer(cl, from, rcpts, msg); err != nil {
		_ = cl.Close()
		return c.wrap(ctx, err.stage, err.err)
	}

	if err := cl.Quit(); err != nil {
		c.logger.Warn("relay QUIT", "relay", c.Addr(), "error", err)
		_ = cl.Close()
	}
	return nil
}

type stageError struct {
	stage string
	err   error
}

func (c *Client) connect(ctx context.Context) (*smtp.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dial(dialCtx, "tcp", c.Addr())
	cancel()
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	switch c.cfg.Security {
	case SecurityTLS:
		conn = tls.Client(conn, c.tlsConfig())
	case SecurityStartTLS:
		cl, err := smtp.NewClientStartTLS(conn, c.tlsConfig())
		if err != nil {
			_ = conn.Close()
			return nil, &Error{Stage: "starttls", Err: err}
		}
		cl.CommandTimeout = c.cfg.CommandTimeout
		return cl, nil
	}

	cl := smtp.NewClient(conn)
	cl.CommandTimeout = c.cfg.CommandTimeout
	if c.cfg.HeloName != "" {
		if err := cl.Hello(c.cfg.HeloName); err != nil {
			_ = cl.Close()
			return nil, err
		}
	}
	return cl, nil
}

func (c *Client) transfer(cl *smtp.Client, from string, rcpts []string, msg []byte) *stageError {
	if c.cfg.Username != "" {
		if err := cl.Auth(sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)); err != nil {
			return &stageError{"auth", err}
		}
	}
	if err := cl.Mail(from, nil); err != nil {
		return &stageError{"mail", err}
	}
	for _, rcpt := range rcpts {
		if err := cl.Rcpt(rcpt, nil); err != nil {
			return &stageError{"rcpt", fmt.Errorf("%s: %w", rcpt, err)}
		}
	}

	wc, err := cl.Data()
	if err != nil {
		return &stageError{"data", err}
	}
	if _, err := wc.Write(msg); err != nil {
		return &stageError{"data", err}
	}
	if err := wc.Close(); err != nil {
		return &stageError{"data", err}
	}
	return nil
}

func (c *Client) tlsConfig() *tls.Config {
	cfg := &tls.Config{}
	if c.cfg.TLSConfig != nil {
		cfg = c.cfg.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.cfg.Host
	}
	return cfg
}

// wrap attaches the stage to err. A cancelled ctx takes precedence over the
// I/O error caused by closing the connection.
func (c *Client) wrap(ctx context.Context, stage string, err error) error {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		stage, err = relayErr.Stage, relayErr.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Error{Stage: stage, Err: ctxErr}
	}
	return &Error{Stage: stage, Temporary: temporary(err), Err: err}
}

func temporary(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
