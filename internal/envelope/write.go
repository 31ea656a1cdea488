package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
)

// Bytes serializes the envelope; see Write.
func (e *Envelope) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write serializes the envelope in wire format. The To and Cc fields are
// rendered from the address lists at the position of the original fields.
// Bcc is never written.
func (e *Envelope) Write(w io.Writer) error {
	if e.Body == nil {
		return errors.New("envelope: no body")
	}
	content, err := prepareHeader(e.Body)
	if err != nil {
		return err
	}
	header := e.outputHeader(content)

	mw, err := message.CreateWriter(w, header)
	if err != nil {
		return fmt.Errorf("create message writer: %w", err)
	}
	if err := writeBody(mw, e.Body); err != nil {
		return err
	}
	return mw.Close()
}

// Field is one header field as it will be serialized.
type Field struct {
	Key   string
	Value string
}

// Fields lists the top-level header fields in output order: message fields
// with To and Cc rendered from the address lists, then the Content-* fields
// of the body. Bcc is omitted.
func (e *Envelope) Fields() []Field {
	var content message.Header
	if e.Body != nil {
		content = *e.Body.ContentHeader()
	}
	return e.fields(content)
}

func (e *Envelope) fields(content message.Header) []Field {
	lists := map[string]string{
		"To": e.To.String(),
		"Cc": e.Cc.String(),
	}
	done := map[string]bool{}

	var out []Field
	fields := e.Header.Fields()
	for fields.Next() {
		k := fields.Key()
		switch k {
		case "Bcc":
			continue
		case "To", "Cc":
			if !done[k] && lists[k] != "" {
				out = append(out, Field{k, lists[k]})
			}
			done[k] = true
			continue
		}
		out = append(out, Field{k, fields.Value()})
	}

	var missing []Field
	for _, k := range []string{"To", "Cc"} {
		if !done[k] && lists[k] != "" {
			missing = append(missing, Field{k, lists[k]})
		}
	}
	out = append(missing, out...)

	contentFields := content.Fields()
	for contentFields.Next() {
		out = append(out, Field{contentFields.Key(), contentFields.Value()})
	}
	return out
}

func (e *Envelope) outputHeader(content message.Header) message.Header {
	out := e.fields(content)
	var h message.Header
	// Add prepends in output order, so fields go in back to front.
	for i := len(out) - 1; i >= 0; i-- {
		h.Add(out[i].Key, out[i].Value)
	}
	return h
}

func writeBody(w *message.Writer, n Node) error {
	switch n := n.(type) {
	case *Text:
		if _, err := io.WriteString(w, n.Content); err != nil {
			return fmt.Errorf("write text: %w", err)
		}
	case *Part:
		if _, err := w.Write(n.Content); err != nil {
			return fmt.Errorf("write part: %w", err)
		}
	case *Multipart:
		for _, child := range n.Parts {
			header, err := prepareHeader(child)
			if err != nil {
				return err
			}
			pw, err := w.CreatePart(header)
			if err != nil {
				return fmt.Errorf("create part: %w", err)
			}
			if err := writeBody(pw, child); err != nil {
				return err
			}
			if err := pw.Close(); err != nil {
				return fmt.Errorf("close part: %w", err)
			}
		}
	default:
		return fmt.Errorf("envelope: unsupported node %T", n)
	}
	return nil
}

// prepareHeader returns the Content-* fields to emit for n. Decoded text is
// always written back as UTF-8 and given a transfer encoding able to carry it.
func prepareHeader(n Node) (message.Header, error) {
	h := n.ContentHeader().Copy()
	_, params, err := h.ContentType()
	if err != nil || params == nil {
		params = map[string]string{}
	}

	switch n := n.(type) {
	case *Text:
		params["charset"] = "utf-8"
		h.SetContentType(n.MediaType(), params)
		setTransferEncoding(&h, []byte(n.Content))
	case *Part:
		mediaType := n.MediaType()
		if cs, ok := params["charset"]; ok && !utf8Charset(cs) {
			if strings.HasPrefix(mediaType, "text/") {
				params["charset"] = "utf-8"
			} else {
				delete(params, "charset")
			}
			h.SetContentType(mediaType, params)
		}
		setTransferEncoding(&h, n.Content)
	case *Multipart:
		if n.Subtype == "" {
			return h, errors.New("envelope: multipart without subtype")
		}
		delete(params, "charset")
		h.SetContentType(n.MediaType(), params)
	}
	return h, nil
}

func setTransferEncoding(h *message.Header, content []byte) {
	switch strings.ToLower(h.Get("Content-Transfer-Encoding")) {
	case "", "7bit":
		if !isASCII(content) || hasLongLine(content) {
			h.Set("Content-Transfer-Encoding", encodingFor(content))
		}
	case "8bit":
		if hasLongLine(content) {
			h.Set("Content-Transfer-Encoding", encodingFor(content))
		}
	}
}

func encodingFor(content []byte) string {
	if utf8.Valid(content) {
		return "quoted-printable"
	}
	return "base64"
}

func utf8Charset(cs string) bool {
	switch strings.ToLower(cs) {
	case "", "utf-8", "us-ascii":
		return true
	}
	return false
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

func hasLongLine(b []byte) bool {
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			return len(b) > 998
		}
		if i > 998 {
			return true
		}
		b = b[i+1:]
	}
	return false
}
