package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/justinjstark/SmtpRouter/internal/pipeline"
	"github.com/justinjstark/SmtpRouter/internal/reroute"
	"github.com/justinjstark/SmtpRouter/internal/smtpserver"
)

var (
	_ pipeline.Observer   = (*Metrics)(nil)
	_ reroute.Observer    = (*Metrics)(nil)
	_ smtpserver.Observer = (*Metrics)(nil)
)

func TestRunResults(t *testing.T) {
	m := New(prometheus.NewRegistry())
	ctx := context.Background()

	m.RunCompleted(ctx, smtpserver.Outcome{Duration: time.Millisecond})
	m.RunCompleted(ctx, smtpserver.Outcome{Err: &pipeline.StepError{Step: "send", Err: errors.New("down")}})
	m.RunCompleted(ctx, smtpserver.Outcome{Err: errors.New("parse message: bad header")})
	m.RunCompleted(ctx, smtpserver.Outcome{})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("rejected")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.runDuration))
}

func TestRoutingCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RuleMatched("App1")
	m.RuleMatched("App1")
	m.RuleMatched("App2")
	m.DefaultRouteUsed()
	m.NoRoute()
	m.StepFailed("reroute", reroute.ErrNoRoute)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ruleMatches.WithLabelValues("App1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ruleMatches.WithLabelValues("App2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.defaultRoutes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unrouted))

	expected := `
# HELP smtprouter_step_failures_total Pipeline steps that aborted a run
# TYPE smtprouter_step_failures_total counter
smtprouter_step_failures_total{step="reroute"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(m.stepFailures, strings.NewReader(expected)))
}

func TestRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
