package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5s", 5 * time.Second, false},
		{"10m", 10 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"", 0, true},
		{"xd", 0, true},
		{"1dfoo", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"25mb", 25 << 20, false},
		{"512K", 512 << 10, false},
		{"1g", 1 << 30, false},
		{"10b", 10, false},
		{"", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMaskSensitive(t *testing.T) {
	assert.Equal(t, "AUTH PLAIN [REDACTED]", MaskSensitive("AUTH PLAIN AGFsaWNlAHNlY3JldA==", "AUTH", "AUTH"))
	assert.Equal(t, "AUTH LOGIN", MaskSensitive("AUTH LOGIN", "AUTH", "AUTH"))
	assert.Equal(t, "MAIL FROM:<a@b>", MaskSensitive("MAIL FROM:<a@b>", "MAIL", "AUTH"))
}

func TestHashContent(t *testing.T) {
	a := HashContent([]byte("hello"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashContent([]byte("hello")))
	assert.NotEqual(t, a, HashContent([]byte("hello!")))
}

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"héllo", "héllo"},
		{"a\x00b", "ab"},
		{"bad\xffbyte", "badbyte"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeUTF8(tt.in))
		})
	}
}
