package server

import (
	"testing"

	"github.com/migadu/courier/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		local  string
		domain string
	}{
		{"plain", "user@example.com", "user@example.com", "user", "example.com"},
		{"domain lowercased", "user@Example.COM", "user@example.com", "user", "example.com"},
		{"local part case kept", "John.Doe@example.com", "John.Doe@example.com", "John.Doe", "example.com"},
		{"angle brackets", "<user@example.com>", "user@example.com", "user", "example.com"},
		{"surrounding whitespace", "  <user@example.com>\r\n", "user@example.com", "user", "example.com"},
		{"plus detail kept", "user+tag@example.com", "user+tag@example.com", "user+tag", "example.com"},
		{"subdomain", "a@mail.sub.example.org", "a@mail.sub.example.org", "a", "mail.sub.example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := NewAddress(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr.FullAddress())
			assert.Equal(t, tt.local, addr.LocalPart())
			assert.Equal(t, tt.domain, addr.Domain())
		})
	}
}

func TestNewAddressInvalid(t *testing.T) {
	inputs := []string{
		"",
		"<>",
		"   ",
		"no-at-sign",
		"@example.com",
		"user@",
		"user@localhost",
		"us er@example.com",
		"user..dots@example.com",
		".user@example.com",
		"user@-example.com",
		"user@exa_mple.com",
	}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := NewAddress(input)
			assert.ErrorIs(t, err, consts.ErrInvalidAddress)
		})
	}
}
