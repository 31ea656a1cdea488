// Package smtpserver accepts SMTP transactions and hands every received
// message to the pipeline. A message is accepted only when the whole pipeline
// succeeds.
package smtpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/justinjstark/SmtpRouter/internal/address"
	"github.com/justinjstark/SmtpRouter/internal/envelope"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
)

const (
	defaultDomain = "smtprouter"
)

type AuthConfig struct {
	Enabled bool
	// Required rejects MAIL and RCPT before a successful AUTH.
	Required bool
	// Users maps usernames to passwords.
	Users map[string]string
	// AcceptAny accepts every username and password. The username is still
	// recorded so it can drive routing.
	AcceptAny bool
}

type Config struct {
	Addr   string
	Domain string
	Auth   AuthConfig

	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	// ProcessTimeout bounds one pipeline run. Zero means no limit.
	ProcessTimeout time.Duration
}

type Server struct {
	smtp    *smtp.Server
	backend *backend
	logger  *slog.Logger
}

func New(p *pipeline.Pipeline, logger *slog.Logger, cfg Config, observers ...Observer) *Server {
	if logger == nil {
		logger = pipeline.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	backend := &backend{
		pipeline:       p,
		logger:         logger,
		auth:           cfg.Auth,
		processTimeout: cfg.ProcessTimeout,
		observers:      observers,
		ctx:            ctx,
		cancel:         cancel,
	}
	server := smtp.NewServer(backend)
	server.Addr = cfg.Addr
	server.Domain = cfg.Domain
	if server.Domain == "" {
		server.Domain = defaultDomain
	}
	server.AllowInsecureAuth = true
	server.ReadTimeout = orDefault(cfg.ReadTimeout, 15*time.Second)
	server.WriteTimeout = orDefault(cfg.WriteTimeout, 15*time.Second)
	server.MaxRecipients = 100
	if cfg.MaxRecipients > 0 {
		server.MaxRecipients = cfg.MaxRecipients
	}
	server.MaxMessageBytes = 25 << 20
	if cfg.MaxMessageBytes > 0 {
		server.MaxMessageBytes = cfg.MaxMessageBytes
	}

	return &Server{smtp: server, backend: backend, logger: logger}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

// Serve accepts connections on l until the server is closed.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp server listening", "addr", l.Addr().String())
	return s.smtp.Serve(l)
}

// Close cancels running pipelines and closes every connection.
func (s *Server) Close() error {
	s.backend.cancel()
	return s.smtp.Close()
}

// Shutdown stops accepting connections and waits for open sessions to end
// until ctx expires, then cancels running pipelines.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.smtp.Shutdown(ctx)
	s.backend.cancel()
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

type backend struct {
	pipeline       *pipeline.Pipeline
	logger         *slog.Logger
	auth           AuthConfig
	processTimeout time.Duration
	observers      []Observer

	ctx    context.Context
	cancel context.CancelFunc
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	return &session{
		backend: b,
		sess:    pipeline.NewSession("", remote),
	}, nil
}

func (b *backend) authenticate(username, password string) bool {
	if b.auth.AcceptAny {
		return true
	}
	expected, ok := b.auth.Users[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

type session struct {
	backend *backend
	sess    *pipeline.Session
	from    string
	to      []string
}

func (s *session) AuthMechanisms() []string {
	if s.backend.auth.Enabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.auth.Enabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return smtp.ErrAuthFailed
		}
		if !s.backend.authenticate(username, password) {
			s.backend.logger.Warn("smtp authentication failed", "username", username, "remote", s.sess.RemoteAddr)
			return smtp.ErrAuthFailed
		}
		s.sess = pipeline.NewSession(username, s.sess.RemoteAddr)
		return nil
	}), nil
}

func (s *session) authorized() bool {
	return !s.backend.auth.Enabled || !s.backend.auth.Required || s.sess.Username != ""
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authorized() {
		return smtp.ErrAuthRequired
	}
	s.from = strings.TrimSpace(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if !s.authorized() {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, strings.TrimSpace(to))
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	tx := &pipeline.Transaction{
		ID:         uuid.NewString(),
		From:       s.from,
		Recipients: append([]string(nil), s.to...),
	}
	return s.backend.process(raw, s.sess, tx)
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// process runs the pipeline over one received message and maps the result to
// an SMTP reply.
func (b *backend) process(raw []byte, sess *pipeline.Session, tx *pipeline.Transaction) error {
	logger := b.logger.With("tx", tx.ID)
	outcome := Outcome{
		TxID:       tx.ID,
		Session:    sess,
		From:       tx.From,
		Size:       len(raw),
		ReceivedAt: time.Now(),
	}

	ctx := b.ctx
	if b.processTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.processTimeout)
		defer cancel()
	}

	env, err := envelope.Parse(raw)
	if err != nil {
		outcome.Err = fmt.Errorf("parse message: %w", err)
		logger.Warn("reject unparsable message", "error", err)
		b.notify(ctx, outcome)
		return transactionFailed(outcome.Err)
	}
	for _, entry := range env.Malformed {
		logger.Warn("skip malformed address", "address", entry)
	}
	Reconcile(env, tx.Recipients)
	outcome.Subject = env.Subject()
	outcome.Original = env.Recipients()
	if outcome.From == "" {
		if from, ok := env.From(); ok {
			outcome.From = from.Address
		}
	}

	final, err := b.pipeline.Run(ctx, env, sess, tx)
	outcome.Duration = time.Since(outcome.ReceivedAt)
	if err != nil {
		outcome.Err = err
		logger.Error("transaction failed", "error", err, "duration", outcome.Duration)
		b.notify(ctx, outcome)
		return transactionFailed(err)
	}

	outcome.Final = final.Recipients()
	logger.Info("transaction processed", "recipients", outcome.Final.Addresses(), "duration", outcome.Duration)
	b.notify(ctx, outcome)
	return nil
}

func (b *backend) notify(ctx context.Context, o Outcome) {
	// Observers must see the outcome even when the run was cancelled.
	ctx = context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, obs := range b.observers {
		wg.Add(1)
		go func(obs Observer) {
			defer wg.Done()
			obs.RunCompleted(ctx, o)
		}(obs)
	}
	wg.Wait()
}

// transactionFailed builds the 554 reply. The detail must fit on one reply
// line.
func transactionFailed(err error) *smtp.SMTPError {
	detail := strings.Join(strings.Fields(err.Error()), " ")
	return &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 0, 0},
		Message:      detail,
	}
}

// Reconcile adds every declared recipient that is absent from To and Cc to
// Bcc. Addresses that do not parse are added verbatim.
func Reconcile(env *envelope.Envelope, declared []string) {
	visible := address.Concat(env.To, env.Cc)
	var missing address.List
	for _, rcpt := range declared {
		addr, err := address.Parse(rcpt)
		if err != nil {
			addr = address.Address{Address: strings.Trim(strings.TrimSpace(rcpt), "<>")}
		}
		if addr.Address == "" || visible.Contains(addr) {
			continue
		}
		missing = append(missing, addr)
	}
	if len(missing) == 0 {
		return
	}
	env.Bcc = address.Concat(env.Bcc, missing).Dedup()
}
