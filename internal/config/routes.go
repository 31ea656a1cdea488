package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/justinjstark/SmtpRouter/internal/middleware"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
	"github.com/justinjstark/SmtpRouter/internal/reroute"
)

// Step names accepted in Routes.Steps. Dashes are accepted in place of
// underscores.
const (
	StepLogReceived           = "log_received"
	StepLog                   = "log"
	StepPrint                 = "print"
	StepAddBcc                = "add_bcc"
	StepInjectHeaders         = "inject_headers"
	StepAddOriginalAttachment = "add_original_attachment"
	StepAddHeadersAttachment  = "add_headers_attachment"
	StepReroute               = "reroute"
	StepRerouteTo             = "reroute_to"
	StepSend                  = "send"
)

// Routes describes the pipeline built for every received message.
type Routes struct {
	Steps   []string     `yaml:"steps"`
	Bcc     []string     `yaml:"bcc"`
	Reroute RerouteRules `yaml:"reroute"`
	// RerouteTo is the target list of the "reroute_to" step, which sends
	// every message there. It honours the keep lists of Reroute.
	RerouteTo []string `yaml:"reroute_to"`
	// LogLevel is the level of the "log" step: debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// AttachSource is "raw" (default) or "current".
	AttachSource string `yaml:"attach_source"`
}

type RerouteRules struct {
	Rules []RuleConfig `yaml:"rules"`
	// ByUsername maps an authenticated username to its targets. These rules
	// are evaluated after Rules.
	ByUsername    map[string][]string `yaml:"by_username"`
	Default       []string            `yaml:"default"`
	KeepDomains   []string            `yaml:"keep_domains"`
	KeepPatterns  []string            `yaml:"keep_patterns"`
	KeepAddresses []string            `yaml:"keep_addresses"`
}

// RuleConfig matches when every condition it sets holds.
type RuleConfig struct {
	Name      string         `yaml:"name"`
	Username  string         `yaml:"username"`
	Property  *PropertyMatch `yaml:"property"`
	Header    *HeaderMatch   `yaml:"header"`
	Sender    string         `yaml:"sender"`
	Subject   string         `yaml:"subject"`
	Recipient string         `yaml:"recipient"`
	Always    bool           `yaml:"always"`
	To        []string       `yaml:"to"`
}

type PropertyMatch struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type HeaderMatch struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// Deps are the collaborators BuildPipeline hands to the steps.
type Deps struct {
	Logger *slog.Logger
	// Relay is required when the "send" step is configured.
	Relay middleware.Relayer
	// Stdout receives the "print" step output. Defaults to os.Stdout.
	Stdout           io.Writer
	PipelineObserver pipeline.Observer
	RerouteObserver  reroute.Observer
}

// DefaultRoutes is the stack used when no routes file is configured: the
// App1 account is rerouted to app1@mydomain.com, everything else to
// default@mydomain.com, and recipients in the two internal domains are kept.
func DefaultRoutes() Routes {
	return Routes{
		Steps: []string{
			StepLogReceived,
			StepAddOriginalAttachment,
			StepInjectHeaders,
			StepReroute,
			StepLog,
			StepSend,
		},
		Reroute: RerouteRules{
			Rules: []RuleConfig{
				{Name: "App1", Username: "App1", To: []string{"app1@mydomain.com"}},
			},
			Default:     []string{"default@mydomain.com"},
			KeepDomains: []string{"mydomain.com", "anotherdomain.net"},
		},
	}
}

// LoadRoutes reads a YAML routes file.
func LoadRoutes(path string) (Routes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Routes{}, fmt.Errorf("read routes file: %w", err)
	}
	var routes Routes
	if err := yaml.Unmarshal(data, &routes); err != nil {
		return Routes{}, fmt.Errorf("parse routes file: %w", err)
	}
	if len(routes.Steps) == 0 {
		return Routes{}, errors.New("routes file lists no steps")
	}
	return routes, nil
}

// BuildPipeline turns routes into a pipeline. Every configuration error is
// reported here rather than while a message is processed.
func BuildPipeline(routes Routes, deps Deps) (*pipeline.Pipeline, error) {
	logger := deps.Logger
	if logger == nil {
		logger = pipeline.Discard()
	}

	steps := make([]pipeline.Middleware, 0, len(routes.Steps))
	for i, name := range routes.Steps {
		step, err := buildStep(normalizeStep(name), routes, deps, logger)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, name, err)
		}
		steps = append(steps, step)
	}

	var opts []pipeline.Option
	if deps.PipelineObserver != nil {
		opts = append(opts, pipeline.WithObserver(deps.PipelineObserver))
	}
	return pipeline.New(logger, steps, opts...), nil
}

func buildStep(name string, routes Routes, deps Deps, logger *slog.Logger) (pipeline.Middleware, error) {
	switch name {
	case StepLogReceived:
		return middleware.NewLogReceived(logger), nil
	case StepLog:
		level, err := ParseLevel(routes.LogLevel)
		if err != nil {
			return nil, err
		}
		return middleware.NewLog(logger, level, nil), nil
	case StepPrint:
		w := deps.Stdout
		if w == nil {
			w = os.Stdout
		}
		return middleware.NewPrint(w, logger), nil
	case StepAddBcc:
		if len(routes.Bcc) == 0 {
			return nil, errors.New("no bcc addresses configured")
		}
		return middleware.NewAddBcc(logger, routes.Bcc...), nil
	case StepInjectHeaders:
		return middleware.NewInjectHeaders(logger), nil
	case StepAddOriginalAttachment:
		source, err := parseAttachSource(routes.AttachSource)
		if err != nil {
			return nil, err
		}
		return middleware.NewAddOriginalEmailAsAttachment(logger, source), nil
	case StepAddHeadersAttachment:
		return middleware.NewAddHeadersAsAttachment(logger), nil
	case StepReroute:
		engine, err := buildReroute(routes.Reroute, deps.RerouteObserver, logger)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case StepRerouteTo:
		if len(routes.RerouteTo) == 0 {
			return nil, errors.New("no reroute_to addresses configured")
		}
		keep, err := buildKeep(routes.Reroute)
		if err != nil {
			return nil, err
		}
		engine, err := reroute.To(routes.RerouteTo, rerouteOptions(keep, deps.RerouteObserver, logger)...)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case StepSend:
		if deps.Relay == nil {
			return nil, errors.New("no relay configured")
		}
		return middleware.NewSend(deps.Relay, logger), nil
	}
	return nil, errors.New("unknown step")
}

func buildReroute(cfg RerouteRules, observer reroute.Observer, logger *slog.Logger) (*reroute.Engine, error) {
	rules := make([]reroute.Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		match, err := rc.predicate()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rc.Name, err)
		}
		rules = append(rules, reroute.Rule{Name: rc.Name, Match: match, To: rc.To})
	}
	rules = append(rules, reroute.UsernameRules(cfg.ByUsername)...)

	keep, err := buildKeep(cfg)
	if err != nil {
		return nil, err
	}
	opts := append(rerouteOptions(keep, observer, logger), reroute.WithDefaultRoute(cfg.Default...))
	return reroute.New(rules, opts...)
}

func buildKeep(cfg RerouteRules) ([]reroute.KeepFunc, error) {
	var keep []reroute.KeepFunc
	if len(cfg.KeepDomains) > 0 {
		keep = append(keep, reroute.KeepDomains(cfg.KeepDomains...))
	}
	for _, p := range cfg.KeepPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("keep pattern %q: %w", p, err)
		}
		keep = append(keep, reroute.KeepPattern(re))
	}
	if len(cfg.KeepAddresses) > 0 {
		keep = append(keep, reroute.KeepAddresses(cfg.KeepAddresses...))
	}
	return keep, nil
}

func rerouteOptions(keep []reroute.KeepFunc, observer reroute.Observer, logger *slog.Logger) []reroute.Option {
	opts := []reroute.Option{
		reroute.WithKeep(keep...),
		reroute.WithLogger(logger),
	}
	if observer != nil {
		opts = append(opts, reroute.WithObserver(observer))
	}
	return opts
}

func (rc RuleConfig) predicate() (reroute.Predicate, error) {
	var preds []reroute.Predicate
	if rc.Always {
		preds = append(preds, reroute.Always())
	}
	if rc.Username != "" {
		preds = append(preds, reroute.ByUsername(rc.Username))
	}
	if rc.Property != nil {
		if rc.Property.Key == "" {
			return nil, errors.New("property without key")
		}
		preds = append(preds, reroute.ByProperty(rc.Property.Key, rc.Property.Value))
	}
	if rc.Header != nil {
		if rc.Header.Name == "" {
			return nil, errors.New("header without name")
		}
		re, err := regexp.Compile(rc.Header.Pattern)
		if err != nil {
			return nil, fmt.Errorf("header pattern: %w", err)
		}
		preds = append(preds, reroute.ByHeader(rc.Header.Name, re))
	}
	for _, m := range []struct {
		field   string
		pattern string
		build   func(*regexp.Regexp) reroute.Predicate
	}{
		{"sender", rc.Sender, reroute.BySender},
		{"subject", rc.Subject, reroute.BySubject},
		{"recipient", rc.Recipient, reroute.ByRecipient},
	} {
		if m.pattern == "" {
			continue
		}
		re, err := regexp.Compile(m.pattern)
		if err != nil {
			return nil, fmt.Errorf("%s pattern: %w", m.field, err)
		}
		preds = append(preds, m.build(re))
	}

	switch len(preds) {
	case 0:
		return nil, errors.New("rule has no condition")
	case 1:
		return preds[0], nil
	}
	return reroute.All(preds...), nil
}

func normalizeStep(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}

// ParseLevel maps debug, info, warn, error and critical onto slog levels.
// An empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return pipeline.LevelCritical, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func parseAttachSource(s string) (middleware.OriginalSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw":
		return middleware.FromRawBytes, nil
	case "current":
		return middleware.FromCurrentState, nil
	}
	return 0, fmt.Errorf("unknown attach source %q", s)
}
