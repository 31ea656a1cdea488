// Command democlient submits sample messages to a running smtprouter,
// authenticating as App1 so that the App1 route applies.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const (
	textBody       = "This is plain text"
	simpleHTMLBody = "<h1>This is a title</h1><div><b>This is bold</b></div>"
)

type content struct {
	text     bool
	html     bool
	fullHTML bool
}

var modes = map[string]content{
	"text":  {text: true},
	"html":  {html: true, fullHTML: true},
	"basic": {html: true},
	"both":  {text: true, html: true, fullHTML: true},
}

func main() {
	addr := flag.String("addr", "localhost:2525", "smtprouter address")
	username := flag.String("user", "App1", "AUTH PLAIN username")
	password := flag.String("pass", "", "AUTH PLAIN password")
	mode := flag.String("mode", "both", "message body: text, html, basic or both")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	c, ok := modes[*mode]
	if !ok {
		logger.Error("unknown mode", "mode", *mode)
		os.Exit(2)
	}

	var buf bytes.Buffer
	if err := writeMessage(&buf, c); err != nil {
		logger.Error("build message", "error", err)
		os.Exit(1)
	}
	rcpts := []string{
		"test@mydomain.com",
		"test@somebodyelsesdomain.org",
		"test2@mydomain.org",
		"bcc@test.com",
	}
	if err := send(*addr, *username, *password, "no-reply@mydomain.com", rcpts, &buf); err != nil {
		logger.Error("send message", "error", err)
		os.Exit(1)
	}
	logger.Info("message sent", "mode", *mode, "bytes", buf.Len())
}

// writeMessage renders the demo message. bcc@test.com is only a RCPT TO
// recipient and never appears in the header.
func writeMessage(w io.Writer, c content) error {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject("Test SMTP Router")
	h.SetAddressList("From", []*mail.Address{{Address: "no-reply@mydomain.com"}})
	h.SetAddressList("To", []*mail.Address{
		{Name: "Somebody", Address: "test@mydomain.com"},
		{Address: "test@somebodyelsesdomain.org"},
	})
	h.SetAddressList("Cc", []*mail.Address{{Address: "test2@mydomain.org"}})
	if err := h.GenerateMessageID(); err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create inline: %w", err)
	}
	if c.text {
		if err := writeInline(tw, "text/plain", textBody); err != nil {
			return err
		}
	}
	if c.html {
		body := simpleHTMLBody
		if c.fullHTML {
			body = "<html><body>" + simpleHTMLBody + "</body></html>"
		}
		if err := writeInline(tw, "text/html", body); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close inline: %w", err)
	}

	var ah mail.AttachmentHeader
	ah.Set("Content-Type", "image/png")
	ah.SetFilename("Tux.png")
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	if err := png.Encode(aw, badge()); err != nil {
		return fmt.Errorf("encode attachment: %w", err)
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("close attachment: %w", err)
	}
	return mw.Close()
}

func writeInline(tw *mail.InlineWriter, mediaType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	pw, err := tw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", mediaType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", mediaType, err)
	}
	return pw.Close()
}

// badge draws a small two-tone square to stand in for an image attachment.
func badge() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := range 32 {
		for x := range 32 {
			c := color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
			if y > 12 {
				c = color.RGBA{R: 0xf5, G: 0xc2, B: 0x11, A: 0xff}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func send(addr, username, password, from string, rcpts []string, msg io.Reader) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer c.Close()

	if err := c.Hello("democlient"); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if username != "" {
		if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.SendMail(from, rcpts, msg); err != nil {
		return err
	}
	return c.Quit()
}
