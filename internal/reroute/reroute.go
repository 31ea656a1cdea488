// Package reroute decides the final recipients of a message.
//
// Every rule is evaluated and the targets of all matching rules are merged.
// When nothing matches, the default route is used; without one the message is
// refused. Existing recipients only survive when a keep predicate accepts them.
package reroute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/justinjstark/SmtpRouter/internal/address"
	"github.com/justinjstark/SmtpRouter/internal/envelope"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
)

var ErrNoRoute = errors.New("no route found and no default route specified")

// NoRouteError is returned when the matching rules yield no address and no
// default route is configured. Matched lists rules that matched but had no
// targets.
type NoRouteError struct {
	Matched []string
}

func (e *NoRouteError) Error() string {
	if len(e.Matched) == 0 {
		return ErrNoRoute.Error()
	}
	return fmt.Sprintf("%s (matched rules without targets: %s)", ErrNoRoute, strings.Join(e.Matched, ", "))
}

func (e *NoRouteError) Is(target error) bool {
	return target == ErrNoRoute
}

// Predicate decides whether a rule applies to a message.
type Predicate func(env *envelope.Envelope, sess *pipeline.Session, tx *pipeline.Transaction) bool

// KeepFunc decides whether an existing recipient survives rerouting. It
// receives the bare mailbox, e.g. "user@example.com".
type KeepFunc func(addr string) bool

// Rule maps a predicate to substitute recipients. A rule without targets is
// valid and contributes nothing.
type Rule struct {
	Name  string
	Match Predicate
	To    []string
}

// Observer receives routing outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	RuleMatched(rule string)
	DefaultRouteUsed()
	NoRoute()
}

type compiledRule struct {
	name    string
	match   Predicate
	targets address.List
}

// Engine is immutable after New and safe for concurrent use.
type Engine struct {
	name         string
	rules        []compiledRule
	defaultRoute address.List
	keep         []KeepFunc
	logger       *slog.Logger
	observer     Observer
}

type Option func(*Engine) error

// WithDefaultRoute sets the addresses used when no rule produces a target.
// An empty list leaves the engine without a default route.
func WithDefaultRoute(addrs ...string) Option {
	return func(e *Engine) error {
		list, err := address.ParseStrings(addrs)
		if err != nil {
			return fmt.Errorf("default route: %w", err)
		}
		e.defaultRoute = list.Dedup()
		return nil
	}
}

// WithKeep adds keep predicates. An address is kept when any predicate
// accepts it.
func WithKeep(preds ...KeepFunc) Option {
	return func(e *Engine) error {
		for _, p := range preds {
			if p == nil {
				return errors.New("nil keep predicate")
			}
		}
		e.keep = append(e.keep, preds...)
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) error {
		e.observer = o
		return nil
	}
}

// WithName overrides the step name reported to the pipeline.
func WithName(name string) Option {
	return func(e *Engine) error {
		e.name = name
		return nil
	}
}

// New validates the rules and parses all target addresses up front, so that
// routing itself cannot fail on bad configuration.
func New(rules []Rule, opts ...Option) (*Engine, error) {
	e := &Engine{
		name:   "reroute",
		logger: pipeline.Discard(),
	}
	for i, r := range rules {
		if r.Match == nil {
			return nil, fmt.Errorf("rule %d (%s): missing predicate", i, r.Name)
		}
		targets, err := address.ParseStrings(r.To)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		e.rules = append(e.rules, compiledRule{name: name, match: r.Match, targets: targets})
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) Name() string { return e.name }

// Decision is the outcome of routing one message.
type Decision struct {
	// Matched holds the names of matching rules in declaration order.
	Matched []string
	// Default is set when the default route supplied the targets.
	Default bool
	Targets address.List
	To      address.List
	Cc      address.List
	Bcc     address.List
}

// Decide computes the routing outcome without touching env.
func (e *Engine) Decide(env *envelope.Envelope, sess *pipeline.Session, tx *pipeline.Transaction) (Decision, error) {
	var d Decision
	var union address.List
	for _, r := range e.rules {
		if !r.match(env, sess, tx) {
			continue
		}
		d.Matched = append(d.Matched, r.name)
		union = append(union, r.targets...)
	}
	d.Targets = union.Dedup()

	if len(d.Targets) == 0 {
		if len(e.defaultRoute) == 0 {
			return Decision{Matched: d.Matched}, &NoRouteError{Matched: d.Matched}
		}
		d.Default = true
		d.Targets = e.defaultRoute.Clone()
	}

	d.To = address.Concat(e.kept(env.To), d.Targets).Dedup()
	d.Cc = e.kept(env.Cc).Dedup()
	d.Bcc = e.kept(env.Bcc).Dedup()
	return d, nil
}

// Transform applies Decide to env. On error env is left as it was.
func (e *Engine) Transform(_ context.Context, env *envelope.Envelope, sess *pipeline.Session, tx *pipeline.Transaction) (*envelope.Envelope, error) {
	d, err := e.Decide(env, sess, tx)
	if e.observer != nil {
		for _, name := range d.Matched {
			e.observer.RuleMatched(name)
		}
	}
	if err != nil {
		if e.observer != nil {
			e.observer.NoRoute()
		}
		e.logger.Error("reroute failed",
			"tx", txID(tx),
			"user", sess.User(),
			"to", env.To.Addresses(),
			"error", err,
		)
		return nil, err
	}
	if d.Default && e.observer != nil {
		e.observer.DefaultRouteUsed()
	}

	e.logger.Info("rerouted message",
		"tx", txID(tx),
		"rules", d.Matched,
		"default", d.Default,
		"original", env.To.Addresses(),
		"to", d.To.Addresses(),
	)

	env.To, env.Cc, env.Bcc = d.To, d.Cc, d.Bcc
	return env, nil
}

func (e *Engine) kept(list address.List) address.List {
	return list.Filter(func(a address.Address) bool {
		for _, keep := range e.keep {
			if keep(a.Address) {
				return true
			}
		}
		return false
	})
}

func txID(tx *pipeline.Transaction) string {
	if tx == nil {
		return ""
	}
	return tx.ID
}
