package helpers

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/courier/consts"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name     string
		raw      []byte
		subject  string
		from     string
		text     string
		html     string
		wantHTML bool
	}{
		{
			name: "plain text",
			raw: crlf(`From: Alice <alice@example.com>
To: bob@example.org
Subject: Hello

Hi there
`),
			subject: "Hello",
			from:    "alice@example.com",
			text:    "Hi there\r\n",
		},
		{
			name: "missing subject gets default",
			raw: crlf(`From: alice@example.com

body
`),
			subject: DefaultSubject,
			from:    "alice@example.com",
			text:    "body\r\n",
		},
		{
			name: "no from header",
			raw: crlf(`Subject: anonymous

x
`),
			subject: "anonymous",
			text:    "x\r\n",
		},
		{
			name: "multipart alternative",
			raw: crlf(`From: alice@example.com
Subject: Both
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="b1"

--b1
Content-Type: text/plain; charset=utf-8

plain part
--b1
Content-Type: text/html; charset=utf-8

<p>html part</p>
--b1--
`),
			subject:  "Both",
			from:     "alice@example.com",
			text:     "plain part",
			html:     "<p>html part</p>",
			wantHTML: true,
		},
		{
			name: "html only derives text",
			raw: crlf(`Subject: Only HTML
Content-Type: text/html; charset=utf-8

<p>Hello <b>world</b></p>
`),
			subject:  "Only HTML",
			text:     "Hello world",
			html:     "<p>Hello <b>world</b></p>\r\n",
			wantHTML: true,
		},
		{
			name: "encoded subject",
			raw: crlf(`Subject: =?utf-8?q?Caf=C3=A9?=

x
`),
			subject: "Café",
			text:    "x\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseMessage(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.subject, parsed.Subject)
			assert.Equal(t, tt.from, parsed.From)
			assert.Equal(t, strings.TrimSpace(tt.text), strings.TrimSpace(parsed.Text))
			if tt.wantHTML {
				require.NotNil(t, parsed.HTML)
				assert.Equal(t, strings.TrimSpace(tt.html), strings.TrimSpace(*parsed.HTML))
			} else {
				assert.Nil(t, parsed.HTML)
			}
		})
	}
}

func TestParseMessageMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", []byte("")},
		{"whitespace only", []byte("\r\n\r\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, consts.ErrMalformedMessage)
		})
	}
}

func TestParseMessageWithoutHeaderBlock(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"bare text", []byte("Hello world, no headers here\r\n")},
		{"header line without colon", crlf("Subject: hi\nthis line has no colon\n\nbody\n")},
		{"invalid utf-8", []byte("caf\xe9 au lait\r\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseMessage(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, DefaultSubject, parsed.Subject)
			assert.Empty(t, parsed.From)
			assert.Nil(t, parsed.HTML)
			assert.Equal(t, SanitizeUTF8(string(tt.raw)), parsed.Text)
			assert.True(t, utf8.ValidString(parsed.Text))
		})
	}
}
