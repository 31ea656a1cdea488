package store

import "time"

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

const (
	KindOriginal = "original"
	KindFinal    = "final"
)

// Run is one journaled pipeline run. Message content is never stored.
type Run struct {
	ID         string
	TxID       string
	Username   string
	RemoteAddr string
	From       string
	Subject    string
	Status     string
	FailedStep string
	Error      string
	RawSize    int64
	Duration   time.Duration
	CreatedAt  time.Time
}

type Recipient struct {
	Email string
	Kind  string
}

type RunSummary struct {
	ID              string
	TxID            string
	Username        string
	From            string
	Subject         string
	Status          string
	CreatedAt       time.Time
	RecipientGroups map[string][]string
}

// Filter narrows ListRuns. Zero values match everything.
type Filter struct {
	// Email matches runs with this address among their recipients.
	Email  string
	Status string
	Search string
	Sort   string
}
