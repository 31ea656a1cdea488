// Package pagination reads page, limit and sort parameters from a query
// string and turns them into an offset for the journal queries.
package pagination

import (
	"net/url"
	"strconv"
)

const (
	MaxLimit     int32 = 100
	DefaultPage  int32 = 1
	DefaultLimit int32 = 10

	SortNewest = "newest"
	SortOldest = "oldest"
)

// Params is a validated page request. Page is 1-based.
type Params struct {
	Page   int32
	Limit  int32
	Offset int32
	Sort   string
}

type Option func(*Params)

// WithDefaultLimit replaces DefaultLimit. Non-positive values are ignored.
func WithDefaultLimit(limit int32) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// WithDefaultSort replaces the newest-first default.
func WithDefaultSort(sort string) Option {
	return func(p *Params) {
		if s, ok := normalizeSort(sort); ok {
			p.Sort = s
		}
	}
}

// Parse never fails: invalid values fall back to the defaults and the limit
// is capped at MaxLimit.
func Parse(q url.Values, opts ...Option) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
		Sort:  SortNewest,
	}
	for _, opt := range opts {
		opt(&params)
	}

	if v, ok := positive(q.Get("page")); ok {
		params.Page = v
	}
	if v, ok := positive(q.Get("limit")); ok {
		params.Limit = v
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	if s, ok := normalizeSort(q.Get("sort")); ok {
		params.Sort = s
	}

	params.Offset = (params.Page - 1) * params.Limit
	return params
}

// HasNext reports whether items remain after the page at offset.
func HasNext(offset, limit, total int32) bool {
	return offset+limit < total
}

func positive(s string) (int32, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil || v <= 0 {
		return 0, false
	}
	return int32(v), true
}

// normalizeSort maps asc/desc onto the oldest/newest names the store uses.
func normalizeSort(s string) (string, bool) {
	switch s {
	case SortNewest, "desc":
		return SortNewest, true
	case SortOldest, "asc":
		return SortOldest, true
	}
	return "", false
}
