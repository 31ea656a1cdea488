package envelope

import (
	"bytes"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinjstark/SmtpRouter/internal/address"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

var plainMessage = crlf(`From: Sender <sender@app.local>
To: ext@other.com, Keep <keep@test.com>
Cc: cc@other.com
Subject: Hello
MIME-Version: 1.0
Content-Type: text/plain; charset=utf-8

Hello there.
`)

var mixedMessage = crlf(`From: sender@app.local
To: a@x.com
Subject: With attachment
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=iso-8859-1
Content-Transfer-Encoding: quoted-printable

Caf=E9
--inner
Content-Type: text/html; charset=utf-8

<html><BODY><p>Hi</p></body></html>
--inner--
--outer
Content-Type: image/png
Content-Transfer-Encoding: base64
Content-Disposition: attachment; filename="Tux.png"

iVBORw0KGgo=
--outer--
`)

func headerKeys(e *Envelope) []string {
	var keys []string
	fields := e.Header.Fields()
	for fields.Next() {
		keys = append(keys, fields.Key())
	}
	return keys
}

func TestParsePlain(t *testing.T) {
	env, err := Parse(plainMessage)
	require.NoError(t, err)

	assert.Equal(t, []string{"ext@other.com", "keep@test.com"}, env.To.Addresses())
	assert.Equal(t, "Keep", env.To[1].Name)
	assert.Equal(t, []string{"cc@other.com"}, env.Cc.Addresses())
	assert.Empty(t, env.Bcc)
	assert.Equal(t, "Hello", env.Subject())

	from, ok := env.From()
	require.True(t, ok)
	assert.Equal(t, "sender@app.local", from.Address)

	text, ok := env.Body.(*Text)
	require.True(t, ok)
	assert.False(t, text.HTML)
	assert.Equal(t, "Hello there.\r\n", text.Content)
	assert.False(t, env.Header.Has("Content-Type"), "content fields belong to the body node")
	assert.Equal(t, plainMessage, env.Raw())
}

func TestParseMixed(t *testing.T) {
	env, err := Parse(mixedMessage)
	require.NoError(t, err)

	root, ok := env.Body.(*Multipart)
	require.True(t, ok)
	assert.Equal(t, "mixed", root.Subtype)
	require.Len(t, root.Parts, 2)

	alt, ok := root.Parts[0].(*Multipart)
	require.True(t, ok)
	assert.Equal(t, "alternative", alt.Subtype)

	texts := env.TextParts()
	require.Len(t, texts, 2)
	assert.Equal(t, "Café", texts[0].Content)
	assert.True(t, texts[1].HTML)

	img, ok := root.Parts[1].(*Part)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MediaType())
	assert.Equal(t, "Tux.png", img.Filename())
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), img.Content)
}

func TestRawIsImmutable(t *testing.T) {
	env, err := Parse(plainMessage)
	require.NoError(t, err)
	raw := env.Raw()
	raw[0] = 'X'
	assert.Equal(t, plainMessage, env.Raw())
}

func TestRoundTrip(t *testing.T) {
	env, err := Parse(mixedMessage)
	require.NoError(t, err)
	env.Attach(NewAttachment("text/plain", "OriginalEmail.eml", env.Raw()))

	out, err := env.Bytes()
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, headerKeys(env), headerKeys(again))
	assert.Equal(t, env.To, again.To)

	root := again.Body.(*Multipart)
	require.Len(t, root.Parts, 3)
	assert.IsType(t, &Multipart{}, root.Parts[0])
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), root.Parts[1].(*Part).Content)

	eml := root.Parts[2].(*Part)
	assert.Equal(t, "OriginalEmail.eml", eml.Filename())
	assert.Equal(t, mixedMessage, eml.Content)

	texts := again.TextParts()
	require.Len(t, texts, 2)
	assert.Equal(t, "Café", texts[0].Content)

	// Serializing the reparsed message yields the same structure again.
	out2, err := again.Bytes()
	require.NoError(t, err)
	third, err := Parse(out2)
	require.NoError(t, err)
	assert.Equal(t, headerKeys(again), headerKeys(third))
}

func TestWriteRendersAddressListsInPlace(t *testing.T) {
	env, err := Parse(plainMessage)
	require.NoError(t, err)
	env.To = address.List{{Address: "keep@test.com"}, {Address: "app1@test.com"}}
	env.Cc = nil
	env.Bcc = address.List{{Address: "hidden@test.com"}}

	out, err := env.Bytes()
	require.NoError(t, err)
	s := string(out)

	assert.Contains(t, s, "To: <keep@test.com>, <app1@test.com>\r\n")
	assert.NotContains(t, s, "Cc:")
	assert.NotContains(t, s, "hidden@test.com")
	assert.Less(t, strings.Index(s, "From:"), strings.Index(s, "To:"))
	assert.Less(t, strings.Index(s, "To:"), strings.Index(s, "Subject:"))
}

func TestWriteAddsMissingTo(t *testing.T) {
	env, err := Parse(crlf("From: a@x.com\nSubject: none\n\nbody\n"))
	require.NoError(t, err)
	assert.Empty(t, env.To)

	env.To = address.List{{Address: "default@test.com"}}
	out, err := env.Bytes()
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"default@test.com"}, again.To.Addresses())
}

func TestWriteEncodesNonASCIIText(t *testing.T) {
	env, err := Parse(plainMessage)
	require.NoError(t, err)
	env.Body.(*Text).Content = "Grüße\r\n"

	out, err := env.Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(out), "Content-Transfer-Encoding: quoted-printable")

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "Grüße\r\n", again.Body.(*Text).Content)
}

func TestAttachWrapsOnce(t *testing.T) {
	env, err := Parse(plainMessage)
	require.NoError(t, err)

	env.Attach(NewAttachment("text/plain", "a.txt", []byte("a")))
	env.Attach(NewAttachment("text/plain", "b.txt", []byte("b")))

	root, ok := env.Body.(*Multipart)
	require.True(t, ok)
	assert.Equal(t, "mixed", root.Subtype)
	require.Len(t, root.Parts, 3)
	assert.IsType(t, &Text{}, root.Parts[0])
	for _, p := range root.Parts {
		_, nested := p.(*Multipart)
		assert.False(t, nested)
	}
}

func TestTextWithAttachmentDispositionIsPart(t *testing.T) {
	raw := crlf(`From: a@x.com
To: b@x.com
Content-Type: multipart/mixed; boundary=b

--b
Content-Type: text/plain

inline
--b
Content-Type: text/plain
Content-Disposition: attachment; filename=notes.txt

notes
--b--
`)
	env, err := Parse(raw)
	require.NoError(t, err)
	texts := env.TextParts()
	require.Len(t, texts, 1)
	assert.Equal(t, "inline", strings.TrimSpace(texts[0].Content))

	part := env.Body.(*Multipart).Parts[1].(*Part)
	assert.Equal(t, "notes.txt", part.Filename())
}

func TestAttachWrapsAlternativeRoot(t *testing.T) {
	raw := crlf(`From: a@x.com
To: b@x.com
Content-Type: multipart/alternative; boundary=alt

--alt
Content-Type: text/plain

plain
--alt
Content-Type: text/html

<p>html</p>
--alt--
`)
	for _, attachments := range []int{1, 2} {
		env, err := Parse(raw)
		require.NoError(t, err)
		for i := 0; i < attachments; i++ {
			env.Attach(NewAttachment("text/plain", "a.txt", []byte("a")))
		}

		root, ok := env.Body.(*Multipart)
		require.True(t, ok)
		assert.Equal(t, "mixed", root.Subtype)
		require.Len(t, root.Parts, 1+attachments)
		alt, ok := root.Parts[0].(*Multipart)
		require.True(t, ok)
		assert.Equal(t, "alternative", alt.Subtype)
		assert.Len(t, alt.Parts, 2)

		mixed := 0
		Walk(env.Body, func(n Node) bool {
			if m, ok := n.(*Multipart); ok && m.Subtype == "mixed" {
				mixed++
			}
			return true
		})
		assert.Equal(t, 1, mixed)

		out, err := env.Bytes()
		require.NoError(t, err)
		again, err := Parse(out)
		require.NoError(t, err)
		assert.Equal(t, "mixed", again.Body.(*Multipart).Subtype)
	}
}

func TestParseSkipsMalformedAddresses(t *testing.T) {
	env, err := Parse(crlf("From: a@x.com\nTo: postmaster, ok@test.com\nCc: <<broken\nBcc: \"Doe, J\" <j@test.com>\n\nbody\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok@test.com"}, env.To.Addresses())
	assert.Empty(t, env.Cc)
	assert.Equal(t, []string{"j@test.com"}, env.Bcc.Addresses())
	assert.Equal(t, []string{"postmaster", "<<broken"}, env.Malformed)

	env, err = Parse(crlf("From: a@x.com\nTo: postmaster\n\nbody\n"))
	require.NoError(t, err)
	assert.Empty(t, env.To)
	assert.Equal(t, []string{"postmaster"}, env.Malformed)
}

func TestSplitAddressList(t *testing.T) {
	assert.Equal(t,
		[]string{`"Doe, J" <j@x.com>`, ` a@x.com (me, really)`, ` <b@x.com>`},
		splitAddressList(`"Doe, J" <j@x.com>, a@x.com (me, really), <b@x.com>`))
	assert.Equal(t, []string{"single"}, splitAddressList("single"))
}

func TestRecipientsDedup(t *testing.T) {
	env := New(mail.Header{}, NewText("x", false))
	env.To = address.List{{Address: "a@x"}}
	env.Cc = address.List{{Address: "A@x"}, {Address: "b@x"}}
	env.Bcc = address.List{{Address: "c@x"}}
	assert.Equal(t, []string{"a@x", "b@x", "c@x"}, env.Recipients().Addresses())
}

func TestCloneIsIndependent(t *testing.T) {
	env, err := Parse(mixedMessage)
	require.NoError(t, err)
	clone := env.Clone()
	clone.To = append(clone.To, address.Address{Address: "new@x.com"})
	clone.TextParts()[0].Content = "changed"
	clone.Header.SetSubject("changed")

	assert.Equal(t, "With attachment", env.Subject())
	assert.Len(t, env.To, 1)
	assert.Equal(t, "Café", env.TextParts()[0].Content)
	assert.True(t, bytes.Equal(env.Raw(), clone.Raw()))
}
