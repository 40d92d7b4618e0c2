package helpers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/migadu/courier/consts"
)

// DefaultSubject is used when a message carries no Subject header.
const DefaultSubject = "(no subject)"

// ParsedMessage holds the fields extracted from a raw RFC 5322 message.
type ParsedMessage struct {
	Subject string
	From    string // first address of the From header, empty if absent
	Text    string
	HTML    *string
}

// ParseMessage parses a raw message into its subject, sender and bodies.
// Errors are wrapped with consts.ErrMalformedMessage. Unknown charsets are
// tolerated, the undecoded bytes are kept. A body whose header block cannot
// be parsed is kept whole as plain text under DefaultSubject.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty body", consts.ErrMalformedMessage)
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return &ParsedMessage{Subject: DefaultSubject, Text: SanitizeUTF8(string(raw))}, nil
	}

	h := mail.Header{Header: entity.Header}
	parsed := &ParsedMessage{Subject: DefaultSubject}

	if subject, err := h.Subject(); err == nil && strings.TrimSpace(subject) != "" {
		parsed.Subject = SanitizeUTF8(strings.TrimSpace(subject))
	} else if raw := strings.TrimSpace(h.Get("Subject")); raw != "" {
		parsed.Subject = SanitizeUTF8(raw)
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = from[0].Address
	}

	text, html, err := extractBodies(entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	if text == nil && html != nil {
		converted := html2text.HTML2Text(*html)
		text = &converted
	}
	if text != nil {
		parsed.Text = SanitizeUTF8(*text)
	}
	if html != nil {
		s := SanitizeUTF8(*html)
		parsed.HTML = &s
	}
	return parsed, nil
}

// extractBodies walks the MIME tree and returns the first text/plain and the
// first text/html leaf. Attachments are skipped.
func extractBodies(root *message.Entity) (text, html *string, err error) {
	var walk func(e *message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, cterr := e.Header.ContentType()
		if cterr != nil {
			// A missing Content-Type means text/plain.
			if e.Header.Get("Content-Type") != "" {
				return fmt.Errorf("content type: %v", cterr)
			}
			mediaType = "text/plain"
		}

		if mr := e.MultipartReader(); mr != nil {
			for {
				part, err := mr.NextPart()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil && !message.IsUnknownCharset(err) {
					return fmt.Errorf("reading multipart: %v", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
		}

		if disp, _, _ := e.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}

		switch mediaType {
		case "text/plain", "text/html":
		default:
			return nil
		}

		content, err := io.ReadAll(e.Body)
		if err != nil {
			return fmt.Errorf("reading body: %v", err)
		}
		s := string(content)
		if mediaType == "text/plain" && text == nil {
			text = &s
		} else if mediaType == "text/html" && html == nil {
			html = &s
		}
		return nil
	}

	err = walk(root)
	return text, html, err
}
