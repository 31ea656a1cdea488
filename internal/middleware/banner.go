package middleware

import (
	"html"
	"strings"

	"github.com/justinjstark/SmtpRouter/internal/address"
	"github.com/justinjstark/SmtpRouter/internal/envelope"
)

const bannerRule = "----------------------------------------------------------------------"

// PlainTextBanner lists the current To and Cc recipients as plain text.
func PlainTextBanner(env *envelope.Envelope) string {
	var b strings.Builder
	b.WriteString("Original Headers\n")
	b.WriteString("To: " + joinAddresses(env.To) + "\n")
	b.WriteString("CC: " + joinAddresses(env.Cc) + "\n")
	b.WriteString(bannerRule + "\n\n")
	return b.String()
}

// HTMLBanner lists the current To and Cc recipients as an HTML fragment.
func HTMLBanner(env *envelope.Envelope) string {
	var b strings.Builder
	b.WriteString("<div><strong>Original Headers</strong></div>")
	b.WriteString("<div>To: " + html.EscapeString(joinAddresses(env.To)) + "</div>")
	b.WriteString("<div>CC: " + html.EscapeString(joinAddresses(env.Cc)) + "</div>")
	b.WriteString("<hr/>")
	return b.String()
}

func joinAddresses(l address.List) string {
	return strings.Join(l.Addresses(), ", ")
}
