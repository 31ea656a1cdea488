package smtpserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/justinjstark/SmtpRouter/internal/address"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
	"github.com/justinjstark/SmtpRouter/internal/sse"
	"github.com/justinjstark/SmtpRouter/internal/store"
)

// Outcome describes one finished transaction.
type Outcome struct {
	TxID       string
	Session    *pipeline.Session
	From       string
	Subject    string
	Size       int
	ReceivedAt time.Time
	Duration   time.Duration
	// Original holds the recipients after reconciliation, before the
	// pipeline ran.
	Original address.List
	// Final is nil when the run failed.
	Final address.List
	Err   error
}

// FailedStep names the step that failed, or "" for parse failures and
// successful runs.
func (o Outcome) FailedStep() string {
	var stepErr *pipeline.StepError
	if errors.As(o.Err, &stepErr) {
		return stepErr.Step
	}
	return ""
}

// Observer is told about every transaction outcome. Observers of one outcome
// run concurrently and must not block for long.
type Observer interface {
	RunCompleted(ctx context.Context, o Outcome)
}

// Recorder journals outcomes to the store and publishes them on the hub.
// Either may be nil.
type Recorder struct {
	store  *store.Store
	hub    *sse.Hub
	logger *slog.Logger
}

func NewRecorder(st *store.Store, hub *sse.Hub, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = pipeline.Discard()
	}
	return &Recorder{store: st, hub: hub, logger: logger}
}

func (r *Recorder) RunCompleted(ctx context.Context, o Outcome) {
	run := store.Run{
		ID:         uuid.NewString(),
		TxID:       o.TxID,
		Username:   o.Session.User(),
		From:       o.From,
		Subject:    o.Subject,
		Status:     store.StatusOK,
		FailedStep: o.FailedStep(),
		RawSize:    int64(o.Size),
		Duration:   o.Duration,
		CreatedAt:  o.ReceivedAt,
	}
	if o.Session != nil {
		run.RemoteAddr = o.Session.RemoteAddr
	}
	if o.Err != nil {
		run.Status = store.StatusFailed
		run.Error = o.Err.Error()
	}

	// Journal addresses are stored in lookup form so the email filter can
	// match them exactly.
	var recipients []store.Recipient
	for _, a := range o.Original {
		recipients = append(recipients, store.Recipient{Email: a.Key(), Kind: store.KindOriginal})
	}
	for _, a := range o.Final {
		recipients = append(recipients, store.Recipient{Email: a.Key(), Kind: store.KindFinal})
	}

	if r.store != nil {
		if err := r.store.InsertRun(ctx, run, recipients); err != nil {
			r.logger.Error("journal run", "tx", o.TxID, "error", err)
		}
	}
	if r.hub != nil {
		err := r.hub.Publish(sse.Event{
			ID:        run.ID,
			TxID:      run.TxID,
			Status:    run.Status,
			From:      run.From,
			Subject:   run.Subject,
			Original:  o.Original.Addresses(),
			Final:     o.Final.Addresses(),
			Error:     run.Error,
			CreatedAt: run.CreatedAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			r.logger.Error("publish run", "tx", o.TxID, "error", err)
		}
	}
}
