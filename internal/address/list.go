package address

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// List is an ordered sequence of addresses. Duplicates are allowed until
// Dedup is called.
type List []Address

// ParseList parses a comma separated address list. Group syntax
// ("team: a@x, b@y;") is flattened into its member mailboxes; an empty group
// contributes nothing.
func ParseList(s string) (List, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parsed, err := mail.ParseAddressList(s)
	if err != nil {
		return nil, fmt.Errorf("parse address list: %w", err)
	}
	return FromMail(parsed), nil
}

// ParseStrings parses each element with Parse. It fails on the first invalid
// element and returns no partial result.
func ParseStrings(addrs []string) (List, error) {
	list := make(List, 0, len(addrs))
	for _, s := range addrs {
		a, err := Parse(s)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, nil
}

// FromMail converts go-message addresses, skipping nil and empty entries.
func FromMail(addrs []*mail.Address) List {
	list := make(List, 0, len(addrs))
	for _, a := range addrs {
		if a == nil || a.Address == "" {
			continue
		}
		list = append(list, Address{Name: a.Name, Address: a.Address})
	}
	return list
}

// Mail converts the list for use with mail.Header.SetAddressList.
func (l List) Mail() []*mail.Address {
	out := make([]*mail.Address, 0, len(l))
	for _, a := range l {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// Contains reports whether a mailbox equal to addr is in the list.
func (l List) Contains(addr Address) bool {
	key := addr.Key()
	for _, a := range l {
		if a.Key() == key {
			return true
		}
	}
	return false
}

// Dedup returns a new list without repeated mailboxes, keeping the first
// occurrence of each.
func (l List) Dedup() List {
	seen := make(map[string]struct{}, len(l))
	out := make(List, 0, len(l))
	for _, a := range l {
		key := a.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Filter returns the addresses for which keep returns true, in order.
func (l List) Filter(keep func(Address) bool) List {
	out := make(List, 0, len(l))
	for _, a := range l {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns an independent copy of the list.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	copy(out, l)
	return out
}

// Addresses returns the bare mailbox of every entry.
func (l List) Addresses() []string {
	out := make([]string, 0, len(l))
	for _, a := range l {
		out = append(out, a.Address)
	}
	return out
}

// String formats the list as it would appear in a To or Cc header.
func (l List) String() string {
	parts := make([]string, 0, len(l))
	for _, a := range l {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// Concat joins lists in order without deduplication.
func Concat(lists ...List) List {
	var n int
	for _, l := range lists {
		n += len(l)
	}
	out := make(List, 0, n)
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
