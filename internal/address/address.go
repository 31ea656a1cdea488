// Package address holds the mailbox value types shared by the routing core.
//
// Equality between addresses ignores the display name and compares the
// canonical lookup form returned by ForLookup.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

var ErrEmpty = errors.New("address: empty address")

// Address is a single mailbox. Name is the optional display name.
type Address struct {
	Name    string
	Address string
}

// Parse accepts the bare "user@host" form as well as "Name <user@host>".
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, ErrEmpty
	}
	parsed, err := mail.ParseAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	if parsed.Address == "" {
		return Address{}, ErrEmpty
	}
	return Address{Name: parsed.Name, Address: parsed.Address}, nil
}

// MustParse is Parse for static configuration; it panics on error.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the address per RFC 5322, quoting the display name when
// needed.
func (a Address) String() string {
	return (&mail.Address{Name: a.Name, Address: a.Address}).String()
}

// Domain returns the part after the last "@", or "" if there is none.
func (a Address) Domain() string {
	_, domain := split(a.Address)
	return domain
}

// Equal reports whether both addresses name the same mailbox.
func (a Address) Equal(other Address) bool {
	return ForLookup(a.Address) == ForLookup(other.Address)
}

// Key is the canonical lookup form of the mailbox.
func (a Address) Key() string {
	return ForLookup(a.Address)
}

// ForLookup transforms addr into a canonical form usable for map lookups or
// direct comparisons. The local part is NFC-normalized and case-folded, the
// domain is converted to U-labels and case-folded. If the domain cannot be
// converted it is only case-folded.
func ForLookup(addr string) string {
	mbox, domain := split(strings.TrimSpace(addr))
	mbox = strings.ToLower(norm.NFC.String(mbox))
	if domain == "" {
		return mbox
	}
	if uDomain, err := idna.ToUnicode(domain); err == nil {
		domain = uDomain
	}
	domain = strings.ToLower(norm.NFC.String(domain))
	return mbox + "@" + domain
}

func split(addr string) (mbox, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}
