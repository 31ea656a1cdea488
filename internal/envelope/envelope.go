// Package envelope is the structured, mutable form of one message while it
// moves through the pipeline.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/justinjstark/SmtpRouter/internal/address"
)

const maxDepth = 32

var ErrTooDeep = errors.New("envelope: multipart nesting too deep")

// Envelope is owned by exactly one pipeline run.
//
// To, Cc and Bcc are authoritative. The To, Cc and Bcc fields still present in
// Header only mark where the rewritten fields go on serialization; Bcc is
// never serialized.
type Envelope struct {
	Header mail.Header
	To     address.List
	Cc     address.List
	Bcc    address.List
	Body   Node
	// Malformed lists the To, Cc and Bcc entries that could not be parsed.
	// They are dropped from the address lists.
	Malformed []string

	raw []byte
}

// Parse decodes raw into an Envelope. Unknown charsets and transfer encodings
// are tolerated and leave the affected content undecoded.
func Parse(raw []byte) (*Envelope, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !lenient(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}

	msgHeader, contentHeader := splitHeader(ent.Header)
	env := &Envelope{
		Header: mail.Header{Header: msgHeader},
		raw:    bytes.Clone(raw),
	}
	for _, f := range []struct {
		key  string
		dest *address.List
	}{
		{"To", &env.To},
		{"Cc", &env.Cc},
		{"Bcc", &env.Bcc},
	} {
		for _, v := range ent.Header.Values(f.key) {
			list, bad := parseAddressField(v)
			*f.dest = append(*f.dest, list...)
			env.Malformed = append(env.Malformed, bad...)
		}
	}

	body, err := parseNode(ent, contentHeader, 0)
	if err != nil {
		return nil, err
	}
	env.Body = body
	return env, nil
}

// New builds an envelope around body with no original bytes. It is meant for
// messages composed in code.
func New(header mail.Header, body Node) *Envelope {
	return &Envelope{Header: header, Body: body}
}

// Raw returns a copy of the bytes the envelope was parsed from.
func (e *Envelope) Raw() []byte {
	return bytes.Clone(e.raw)
}

// Subject returns the decoded Subject field, or the raw value if it cannot be
// decoded.
func (e *Envelope) Subject() string {
	s, err := e.Header.Subject()
	if err != nil {
		return e.Header.Get("Subject")
	}
	return s
}

// From returns the first address of the From field.
func (e *Envelope) From() (address.Address, bool) {
	list, err := e.Header.AddressList("From")
	if err != nil || len(list) == 0 {
		return address.Address{}, false
	}
	return address.Address{Name: list[0].Name, Address: list[0].Address}, true
}

// Recipients is the deduplicated union of To, Cc and Bcc.
func (e *Envelope) Recipients() address.List {
	return address.Concat(e.To, e.Cc, e.Bcc).Dedup()
}

// TextParts lists the inline text entities in depth-first order.
func (e *Envelope) TextParts() []*Text {
	var out []*Text
	Walk(e.Body, func(n Node) bool {
		if t, ok := n.(*Text); ok {
			out = append(out, t)
		}
		return true
	})
	return out
}

// Attach adds n to the top-level multipart/mixed entity, or wraps the current
// body and n into a new multipart/mixed one. Any other multipart root, such as
// multipart/alternative, becomes the first part of the wrapper. Repeated calls
// never nest wrappers.
func (e *Envelope) Attach(n Node) {
	if m, ok := e.Body.(*Multipart); ok && strings.EqualFold(m.Subtype, "mixed") {
		m.Parts = append(m.Parts, n)
		return
	}
	if e.Body == nil {
		e.Body = NewMultipart("mixed", n)
		return
	}
	e.Body = NewMultipart("mixed", e.Body, n)
}

// Clone returns a deep copy. The original bytes are shared since they are
// never modified.
func (e *Envelope) Clone() *Envelope {
	return &Envelope{
		Header:    e.Header.Copy(),
		To:        e.To.Clone(),
		Cc:        e.Cc.Clone(),
		Bcc:       e.Bcc.Clone(),
		Body:      cloneNode(e.Body),
		Malformed: append([]string(nil), e.Malformed...),
		raw:       e.raw,
	}
}

func cloneNode(n Node) Node {
	switch n := n.(type) {
	case *Text:
		return &Text{Header: n.Header.Copy(), HTML: n.HTML, Content: n.Content}
	case *Part:
		return &Part{Header: n.Header.Copy(), Content: bytes.Clone(n.Content)}
	case *Multipart:
		parts := make([]Node, 0, len(n.Parts))
		for _, p := range n.Parts {
			parts = append(parts, cloneNode(p))
		}
		return &Multipart{Header: n.Header.Copy(), Subtype: n.Subtype, Parts: parts}
	}
	return nil
}

// parseAddressField parses one To, Cc or Bcc field value. When the field as a
// whole does not parse, each comma-separated entry is tried on its own and the
// entries that still fail are returned as bad.
func parseAddressField(v string) (list address.List, bad []string) {
	if parsed, err := address.ParseList(v); err == nil {
		return parsed, nil
	}
	for _, entry := range splitAddressList(v) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		a, err := address.Parse(entry)
		if err != nil {
			bad = append(bad, entry)
			continue
		}
		list = append(list, a)
	}
	return list, bad
}

// splitAddressList splits on commas outside quoted strings, comments and
// angle brackets.
func splitAddressList(v string) []string {
	var (
		out     []string
		start   int
		quoted  bool
		escaped bool
		depth   int
	)
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '(' || c == '<':
			depth++
		case (c == ')' || c == '>') && depth > 0:
			depth--
		case c == ',' && depth == 0:
			out = append(out, v[start:i])
			start = i + 1
		}
	}
	return append(out, v[start:])
}

func lenient(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// splitHeader separates the Content-* fields of the top-level entity from the
// message fields. Field order is kept on both sides.
func splitHeader(h message.Header) (msg, content message.Header) {
	type field struct{ k, v string }
	var msgFields, contentFields []field
	fields := h.Fields()
	for fields.Next() {
		f := field{fields.Key(), fields.Value()}
		if isContentField(f.k) {
			contentFields = append(contentFields, f)
		} else {
			msgFields = append(msgFields, f)
		}
	}
	// Add prepends in output order, so fields go in back to front.
	for i := len(msgFields) - 1; i >= 0; i-- {
		msg.Add(msgFields[i].k, msgFields[i].v)
	}
	for i := len(contentFields) - 1; i >= 0; i-- {
		content.Add(contentFields[i].k, contentFields[i].v)
	}
	return msg, content
}

func isContentField(k string) bool {
	return strings.HasPrefix(strings.ToLower(k), "content-")
}

func parseNode(ent *message.Entity, header message.Header, depth int) (Node, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	if !knownEncoding(header.Get("Content-Transfer-Encoding")) {
		// The body was left encoded; ship it as-is.
		header.Del("Content-Transfer-Encoding")
	}

	mediaType, _, _ := ent.Header.ContentType()
	mediaType = strings.ToLower(mediaType)

	if mr := ent.MultipartReader(); mr != nil {
		m := &Multipart{Header: header, Subtype: strings.TrimPrefix(mediaType, "multipart/")}
		for {
			p, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil && (p == nil || !lenient(err)) {
				return nil, fmt.Errorf("read part: %w", err)
			}
			child, err := parseNode(p, p.Header, depth+1)
			if err != nil {
				return nil, err
			}
			m.Parts = append(m.Parts, child)
		}
		return m, nil
	}

	body, err := io.ReadAll(ent.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	disp, _, _ := ent.Header.ContentDisposition()
	if (mediaType == "text/plain" || mediaType == "text/html") && !strings.EqualFold(disp, "attachment") {
		return &Text{Header: header, HTML: mediaType == "text/html", Content: string(body)}, nil
	}
	return &Part{Header: header, Content: body}, nil
}

func knownEncoding(enc string) bool {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "7bit", "8bit", "binary", "quoted-printable", "base64":
		return true
	}
	return false
}
