package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/justinjstark/SmtpRouter/internal/envelope"
)

// LevelCritical marks failures that abort delivery.
const LevelCritical = slog.LevelError + 4

var ErrNilEnvelope = errors.New("pipeline: middleware returned no envelope")

// StepError reports the failing step of a run. It unwraps to the cause.
type StepError struct {
	Step  string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Observer is notified about every step outcome. Implementations must be safe
// for concurrent use.
type Observer interface {
	StepFailed(step string, err error)
}

// Pipeline is immutable once built and safe for concurrent Run calls.
type Pipeline struct {
	steps    []Middleware
	names    []string
	logger   *slog.Logger
	observer Observer
}

type Option func(*Pipeline)

// WithObserver attaches an observer for step failures.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// New builds a pipeline that executes steps in the given order.
func New(logger *slog.Logger, steps []Middleware, opts ...Option) *Pipeline {
	if logger == nil {
		logger = Discard()
	}
	p := &Pipeline{
		steps:  append([]Middleware(nil), steps...),
		logger: logger,
	}
	p.names = make([]string, len(p.steps))
	for i, step := range p.steps {
		p.names[i] = StepName(step, i)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Steps returns the names of the configured steps in execution order.
func (p *Pipeline) Steps() []string {
	return append([]string(nil), p.names...)
}

// Len is the number of steps.
func (p *Pipeline) Len() int {
	return len(p.steps)
}

// Run executes every step in order, each one receiving the envelope produced
// by its predecessor. The first error stops the run; the envelope at that
// point is discarded.
func (p *Pipeline) Run(ctx context.Context, env *envelope.Envelope, sess *Session, tx *Transaction) (*envelope.Envelope, error) {
	if tx == nil {
		tx = &Transaction{}
	}
	logger := p.logger.With("tx", tx.ID)

	for i, step := range p.steps {
		name := p.names[i]
		if err := ctx.Err(); err != nil {
			logger.Warn("pipeline cancelled", "step", name, "error", err)
			return nil, &StepError{Step: name, Index: i, Err: err}
		}

		next, err := step.Transform(ctx, env, sess, tx)
		if err == nil && next == nil {
			err = ErrNilEnvelope
		}
		if err != nil {
			if p.observer != nil {
				p.observer.StepFailed(name, err)
			}
			logger.Debug("pipeline step failed", "step", name, "error", err)
			return nil, &StepError{Step: name, Index: i, Err: err}
		}
		env = next
	}
	return env, nil
}

// StepName returns the Name of a Named step, or a positional name.
func StepName(m Middleware, index int) string {
	if n, ok := m.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("step-%d", index)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
