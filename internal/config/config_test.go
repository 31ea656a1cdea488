package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinjstark/SmtpRouter/internal/envelope"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
	"github.com/justinjstark/SmtpRouter/internal/relay"
	"github.com/justinjstark/SmtpRouter/internal/reroute"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"SMTP_ADDR", "SMTP_USERNAME", "SMTP_AUTH_ACCEPT_ANY", "PROCESS_TIMEOUT", "RELAY_SECURITY", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	assert.Equal(t, ":2525", cfg.SMTPAddr)
	assert.True(t, cfg.SMTPAuthEnabled)
	assert.True(t, cfg.SMTPAuthAcceptAny)
	assert.Equal(t, 2*time.Minute, cfg.ProcessTimeout)
	assert.Equal(t, "info", cfg.LogLevel)

	srv := cfg.Server()
	assert.Nil(t, srv.Auth.Users)
	assert.False(t, srv.Auth.Required)

	rc, err := cfg.Relay()
	require.NoError(t, err)
	assert.Equal(t, relay.SecurityNone, rc.Security)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SMTP_ADDR", " :2626 ")
	t.Setenv("SMTP_USERNAME", "App1")
	t.Setenv("SMTP_PASSWORD", "secret")
	t.Setenv("SMTP_AUTH_REQUIRED", "true")
	t.Setenv("SMTP_AUTH_ACCEPT_ANY", "")
	t.Setenv("SMTP_MAX_MESSAGE_BYTES", "1024")
	t.Setenv("PROCESS_TIMEOUT", "45")
	t.Setenv("RELAY_HOST", "mail.internal")
	t.Setenv("RELAY_PORT", "587")
	t.Setenv("RELAY_SECURITY", "STARTTLS")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()
	assert.Equal(t, ":2626", cfg.SMTPAddr)
	assert.False(t, cfg.SMTPAuthAcceptAny)
	assert.Equal(t, int64(1024), cfg.SMTPMaxMessageBytes)
	assert.Equal(t, 45*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)

	srv := cfg.Server()
	assert.True(t, srv.Auth.Required)
	assert.Equal(t, map[string]string{"App1": "secret"}, srv.Auth.Users)

	rc, err := cfg.Relay()
	require.NoError(t, err)
	assert.Equal(t, relay.SecurityStartTLS, rc.Security)
	assert.Equal(t, "mail.internal", rc.Host)
	assert.Equal(t, 587, rc.Port)
}

func TestRelayRejectsUnknownSecurity(t *testing.T) {
	t.Setenv("RELAY_SECURITY", "ssl")
	_, err := Load().Relay()
	assert.Error(t, err)
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"90s", 90 * time.Second},
		{"2m", 2 * time.Minute},
		{"30", 30 * time.Second},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			assert.Equal(t, tt.want, getEnvDuration("TEST_DURATION", time.Minute))
		})
	}
}

func TestLoadRoutes(t *testing.T) {
	content := `
steps: [log_received, add-bcc, reroute, send]
bcc: [audit@mydomain.com]
log_level: warn
reroute:
  rules:
    - name: App1
      username: App1
      to: [app1@mydomain.com]
    - name: invoices
      subject: "(?i)invoice"
      sender: "@billing\\.example\\.com$"
      to: [billing@mydomain.com]
  default: [default@mydomain.com]
  keep_domains: [mydomain.com]
  keep_patterns: ["^qa-.*@"]
`
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	routes, err := LoadRoutes(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"log_received", "add-bcc", "reroute", "send"}, routes.Steps)
	assert.Equal(t, []string{"audit@mydomain.com"}, routes.Bcc)
	assert.Equal(t, "warn", routes.LogLevel)
	require.Len(t, routes.Reroute.Rules, 2)
	assert.Equal(t, "(?i)invoice", routes.Reroute.Rules[1].Subject)
	assert.Equal(t, []string{"^qa-.*@"}, routes.Reroute.KeepPatterns)

	p, err := BuildPipeline(routes, Deps{Relay: &fakeRelay{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"log-received", "add-bcc", "reroute", "send"}, p.Steps())
}

func TestLoadRoutesErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadRoutes(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read routes file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("steps: [\n"), 0o644))
	_, err = LoadRoutes(bad)
	assert.ErrorContains(t, err, "parse routes file")

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("bcc: [a@b.com]\n"), 0o644))
	_, err = LoadRoutes(empty)
	assert.ErrorContains(t, err, "no steps")
}

func TestBuildPipelineErrors(t *testing.T) {
	tests := []struct {
		name   string
		routes Routes
		deps   Deps
		want   string
	}{
		{"unknown step", Routes{Steps: []string{"compress"}}, Deps{}, "unknown step"},
		{"send without relay", Routes{Steps: []string{StepSend}}, Deps{}, "no relay"},
		{"bcc without addresses", Routes{Steps: []string{StepAddBcc}}, Deps{}, "no bcc"},
		{"bad log level", Routes{Steps: []string{StepLog}, LogLevel: "loud"}, Deps{}, "unknown log level"},
		{"bad attach source", Routes{Steps: []string{StepAddOriginalAttachment}, AttachSource: "disk"}, Deps{}, "unknown attach source"},
		{"rule without condition", Routes{
			Steps:   []string{StepReroute},
			Reroute: RerouteRules{Rules: []RuleConfig{{Name: "x", To: []string{"a@b.com"}}}},
		}, Deps{}, "no condition"},
		{"bad rule pattern", Routes{
			Steps:   []string{StepReroute},
			Reroute: RerouteRules{Rules: []RuleConfig{{Subject: "(", To: []string{"a@b.com"}}}},
		}, Deps{}, "subject pattern"},
		{"bad target", Routes{
			Steps:   []string{StepReroute},
			Reroute: RerouteRules{Rules: []RuleConfig{{Always: true, To: []string{"not an address"}}}},
		}, Deps{}, "rule 0"},
		{"bad keep pattern", Routes{
			Steps:   []string{StepReroute},
			Reroute: RerouteRules{KeepPatterns: []string{"["}},
		}, Deps{}, "keep pattern"},
		{"reroute_to without addresses", Routes{Steps: []string{"reroute-to"}}, Deps{}, "no reroute_to"},
		{"bad reroute_to target", Routes{Steps: []string{StepRerouteTo}, RerouteTo: []string{"nope"}}, Deps{}, "parse address"},
		{"property without key", Routes{
			Steps:   []string{StepReroute},
			Reroute: RerouteRules{Rules: []RuleConfig{{Property: &PropertyMatch{Value: "x"}}}},
		}, Deps{}, "property without key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildPipeline(tt.routes, tt.deps)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("critical")
	require.NoError(t, err)
	assert.Equal(t, pipeline.LevelCritical, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	level, err = ParseLevel("Warning")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}

const demoMessage = "From: App <app@app.local>\r\n" +
	"To: ext@other.com, keep@mydomain.com\r\n" +
	"Subject: Welcome\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello there\r\n"

func runDefault(t *testing.T, username string) (*fakeRelay, error) {
	t.Helper()
	r := &fakeRelay{}
	p, err := BuildPipeline(DefaultRoutes(), Deps{Relay: r})
	require.NoError(t, err)

	env, err := envelope.Parse([]byte(demoMessage))
	require.NoError(t, err)
	_, err = p.Run(context.Background(), env, pipeline.NewSession(username, "127.0.0.1:4000"), &pipeline.Transaction{ID: "tx-1", From: "app@app.local"})
	return r, err
}

func TestDefaultRoutes(t *testing.T) {
	p, err := BuildPipeline(DefaultRoutes(), Deps{Relay: &fakeRelay{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"log-received", "add-original-attachment", "inject-headers", "reroute", "log", "send"}, p.Steps())

	r, err := runDefault(t, "App1")
	require.NoError(t, err)
	assert.Equal(t, "app@app.local", r.from)
	assert.ElementsMatch(t, []string{"keep@mydomain.com", "app1@mydomain.com"}, r.rcpts)
	msg := string(r.msg)
	assert.Contains(t, msg, "OriginalEmail.eml")
	assert.Contains(t, msg, "ext@other.com")

	r, err = runDefault(t, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"keep@mydomain.com", "default@mydomain.com"}, r.rcpts)
}

func TestRerouteObserverIsWired(t *testing.T) {
	obs := &routeCounter{}
	routes := Routes{
		Steps:   []string{StepReroute},
		Reroute: RerouteRules{Rules: []RuleConfig{{Name: "App1", Username: "App1", To: []string{"app1@mydomain.com"}}}},
	}
	p, err := BuildPipeline(routes, Deps{RerouteObserver: obs})
	require.NoError(t, err)

	env, err := envelope.Parse([]byte(demoMessage))
	require.NoError(t, err)
	_, err = p.Run(context.Background(), env, pipeline.NewSession("App2", ""), &pipeline.Transaction{ID: "tx-2"})
	assert.ErrorIs(t, err, reroute.ErrNoRoute)

	_, err = p.Run(context.Background(), env, pipeline.NewSession("App1", ""), &pipeline.Transaction{ID: "tx-3"})
	require.NoError(t, err)

	assert.Equal(t, []string{"App1"}, obs.matched)
	assert.Equal(t, 1, obs.none)
}

func TestRerouteByUsernameMap(t *testing.T) {
	content := `
steps: [reroute, send]
reroute:
  by_username:
    App2: [app2@mydomain.com]
    App1: [app1@mydomain.com]
  default: [default@mydomain.com]
  keep_domains: [mydomain.com]
`
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	routes, err := LoadRoutes(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"app2@mydomain.com"}, routes.Reroute.ByUsername["App2"])

	obs := &routeCounter{}
	for user, expected := range map[string]string{
		"App1":  "app1@mydomain.com",
		"App2":  "app2@mydomain.com",
		"Other": "default@mydomain.com",
	} {
		r := &fakeRelay{}
		p, err := BuildPipeline(routes, Deps{Relay: r, RerouteObserver: obs})
		require.NoError(t, err)
		env, err := envelope.Parse([]byte(demoMessage))
		require.NoError(t, err)
		_, err = p.Run(context.Background(), env, pipeline.NewSession(user, ""), &pipeline.Transaction{ID: "tx-" + user})
		require.NoError(t, err, user)
		assert.ElementsMatch(t, []string{"keep@mydomain.com", expected}, r.rcpts, user)
	}
	assert.ElementsMatch(t, []string{"App1", "App2"}, obs.matched)
}

func TestRerouteToStep(t *testing.T) {
	routes := Routes{
		Steps:     []string{"reroute-to", StepSend},
		RerouteTo: []string{"qa@mydomain.com"},
		Reroute:   RerouteRules{KeepDomains: []string{"mydomain.com"}},
	}
	r := &fakeRelay{}
	p, err := BuildPipeline(routes, Deps{Relay: r})
	require.NoError(t, err)
	assert.Equal(t, []string{"reroute-to", "send"}, p.Steps())

	env, err := envelope.Parse([]byte(demoMessage))
	require.NoError(t, err)
	_, err = p.Run(context.Background(), env, pipeline.NewSession("", ""), &pipeline.Transaction{ID: "tx-4"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"keep@mydomain.com", "qa@mydomain.com"}, r.rcpts)
}

type fakeRelay struct {
	mu    sync.Mutex
	from  string
	rcpts []string
	msg   []byte
}

func (r *fakeRelay) Addr() string { return "relay.test:25" }

func (r *fakeRelay) Send(_ context.Context, from string, rcpts []string, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from, r.rcpts, r.msg = from, rcpts, msg
	return nil
}

type routeCounter struct {
	matched []string
	none    int
}

func (c *routeCounter) RuleMatched(rule string) { c.matched = append(c.matched, rule) }
func (c *routeCounter) DefaultRouteUsed()       {}
func (c *routeCounter) NoRoute()                { c.none++ }
