package reroute

import (
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/justinjstark/SmtpRouter/internal/address"
	"github.com/justinjstark/SmtpRouter/internal/envelope"
	"github.com/justinjstark/SmtpRouter/internal/pipeline"
)

// Always matches every message.
func Always() Predicate {
	return func(*envelope.Envelope, *pipeline.Session, *pipeline.Transaction) bool {
		return true
	}
}

// ByUsername matches sessions authenticated as username.
func ByUsername(username string) Predicate {
	return func(_ *envelope.Envelope, sess *pipeline.Session, _ *pipeline.Transaction) bool {
		return sess.User() == username
	}
}

// ByProperty matches sessions whose property key equals value.
func ByProperty(key, value string) Predicate {
	return func(_ *envelope.Envelope, sess *pipeline.Session, _ *pipeline.Transaction) bool {
		return sess.Property(key) == value
	}
}

// BySender matches when the envelope sender or the From header matches re.
func BySender(re *regexp.Regexp) Predicate {
	return func(env *envelope.Envelope, _ *pipeline.Session, tx *pipeline.Transaction) bool {
		if tx != nil && tx.From != "" && re.MatchString(tx.From) {
			return true
		}
		from, ok := env.From()
		return ok && re.MatchString(from.Address)
	}
}

// BySubject matches the decoded Subject header.
func BySubject(re *regexp.Regexp) Predicate {
	return func(env *envelope.Envelope, _ *pipeline.Session, _ *pipeline.Transaction) bool {
		return re.MatchString(env.Subject())
	}
}

// ByHeader matches any value of the named header field.
func ByHeader(key string, re *regexp.Regexp) Predicate {
	return func(env *envelope.Envelope, _ *pipeline.Session, _ *pipeline.Transaction) bool {
		for _, v := range env.Header.Values(key) {
			if re.MatchString(v) {
				return true
			}
		}
		return false
	}
}

// ByRecipient matches when any current or declared recipient matches re.
func ByRecipient(re *regexp.Regexp) Predicate {
	return func(env *envelope.Envelope, _ *pipeline.Session, tx *pipeline.Transaction) bool {
		for _, a := range env.Recipients() {
			if re.MatchString(a.Address) {
				return true
			}
		}
		if tx == nil {
			return false
		}
		for _, r := range tx.Recipients {
			if re.MatchString(r) {
				return true
			}
		}
		return false
	}
}

// All matches when every predicate matches. All() matches everything.
func All(preds ...Predicate) Predicate {
	return func(env *envelope.Envelope, sess *pipeline.Session, tx *pipeline.Transaction) bool {
		for _, p := range preds {
			if !p(env, sess, tx) {
				return false
			}
		}
		return true
	}
}

// KeepDomains keeps addresses whose domain is one of domains. Subdomains do
// not match.
func KeepDomains(domains ...string) KeepFunc {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[domainKey(d)] = struct{}{}
	}
	return func(addr string) bool {
		_, ok := set[domainKey(address.Address{Address: addr}.Domain())]
		return ok
	}
}

// KeepPattern keeps addresses matching re.
func KeepPattern(re *regexp.Regexp) KeepFunc {
	return re.MatchString
}

// KeepAddresses keeps the listed mailboxes.
func KeepAddresses(addrs ...string) KeepFunc {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[address.ForLookup(a)] = struct{}{}
	}
	return func(addr string) bool {
		_, ok := set[address.ForLookup(addr)]
		return ok
	}
}

// UsernameRules builds one rule per username, sorted by username.
func UsernameRules(routes map[string][]string) []Rule {
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)

	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		rules = append(rules, Rule{Name: name, Match: ByUsername(name), To: routes[name]})
	}
	return rules
}

// To reroutes every message to addrs. The engine is named "reroute-to"
// unless opts say otherwise.
func To(addrs []string, opts ...Option) (*Engine, error) {
	if len(addrs) == 0 {
		return nil, errors.New("reroute-to: no target addresses")
	}
	opts = append([]Option{WithName("reroute-to")}, opts...)
	return New([]Rule{{Name: "reroute-to", Match: Always(), To: addrs}}, opts...)
}

func domainKey(d string) string {
	return address.ForLookup("x@" + strings.TrimSpace(d))
}
