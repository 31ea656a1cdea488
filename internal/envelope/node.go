package envelope

import (
	"strings"

	"github.com/emersion/go-message"
)

// Node is one entity of the body tree. The concrete types are *Text,
// *Multipart and *Part.
type Node interface {
	// MediaType is the lower-case "type/subtype" of the entity.
	MediaType() string
	// ContentHeader holds the Content-* fields of the entity.
	ContentHeader() *message.Header
}

// Text is a decoded, inline text/plain or text/html entity.
type Text struct {
	Header  message.Header
	HTML    bool
	Content string
}

func (t *Text) MediaType() string {
	if t.HTML {
		return "text/html"
	}
	return "text/plain"
}

func (t *Text) ContentHeader() *message.Header { return &t.Header }

// Multipart is a multipart/* container.
type Multipart struct {
	Header  message.Header
	Subtype string
	Parts   []Node
}

func (m *Multipart) MediaType() string { return "multipart/" + m.Subtype }

func (m *Multipart) ContentHeader() *message.Header { return &m.Header }

// Part is any other leaf: attachments, images, nested messages. Content holds
// the decoded bytes.
type Part struct {
	Header  message.Header
	Content []byte
}

func (p *Part) MediaType() string {
	t, _, err := p.Header.ContentType()
	if err != nil {
		return "application/octet-stream"
	}
	return strings.ToLower(t)
}

func (p *Part) ContentHeader() *message.Header { return &p.Header }

// Filename returns the filename parameter of the disposition, falling back to
// the name parameter of the content type.
func (p *Part) Filename() string {
	if _, params, err := p.Header.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := p.Header.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

// NewText builds an inline UTF-8 text node.
func NewText(content string, html bool) *Text {
	t := &Text{HTML: html, Content: content}
	t.Header.SetContentType(t.MediaType(), map[string]string{"charset": "utf-8"})
	return t
}

// NewAttachment builds a base64 encoded leaf with an attachment disposition.
func NewAttachment(mediaType, filename string, content []byte) *Part {
	p := &Part{Content: content}
	params := map[string]string{}
	if strings.HasPrefix(mediaType, "text/") {
		params["charset"] = "utf-8"
	}
	p.Header.SetContentType(mediaType, params)
	p.Header.Set("Content-Transfer-Encoding", "base64")
	p.Header.SetContentDisposition("attachment", map[string]string{"filename": filename})
	return p
}

// NewMultipart builds an empty multipart container.
func NewMultipart(subtype string, parts ...Node) *Multipart {
	m := &Multipart{Subtype: subtype, Parts: parts}
	m.Header.SetContentType(m.MediaType(), map[string]string{})
	return m
}

// Walk visits n and its descendants depth-first, parents before children.
// Returning false from fn stops the descent into that node's children.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	if m, ok := n.(*Multipart); ok {
		for _, child := range m.Parts {
			Walk(child, fn)
		}
	}
}
