package utils

import (
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var peerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func TestNewMessageID(t *testing.T) {
	id1 := NewMessageID()
	id2 := NewMessageID()
	assert.NotEqual(t, id1, id2)

	parsed, err := uuid.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestNewPeerID(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
	}{
		{"Ada Lovelace", "ada-lovelace-"},
		{"  bob!!  ", "bob-"},
		{"Grüße aus Köln", "gr-e-aus-k-ln-"},
		{"", "peer-"},
		{"Привет", "peer-"},
		{"a very long display name that keeps going", "a-very-long-display-name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := NewPeerID(tt.name)
			assert.Regexp(t, peerIDPattern, id)
			assert.Contains(t, id, tt.prefix)
			assert.NotContains(t, id, "--")
		})
	}

	assert.NotEqual(t, NewPeerID("ada"), NewPeerID("ada"))
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "hello", "hello"},
		{"control chars", "hello\x00world\x07", "helloworld"},
		{"newline and tab", "hello\n\tworld", "hello\n\tworld"},
		{"crlf", "one\r\ntwo", "one\ntwo"},
		{"bare cr", "one\rtwo", "onetwo"},
		{"surrounding space", "  hello \n", "hello"},
		{"only whitespace", " \t\n ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeText(tt.input))
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{"short", "hi", 10, "hi"},
		{"exact", "hello", 5, "hello"},
		{"long", "hello world", 6, "hello…"},
		{"multibyte", "привет мир", 4, "при…"},
		{"zero", "hello", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TruncateRunes(tt.input, tt.max))
		})
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{400 * time.Millisecond, "0s"},
		{12 * time.Second, "12s"},
		{4*time.Minute + 9*time.Second, "4m09s"},
		{3*time.Hour + 7*time.Minute + 59*time.Second, "3h07m"},
	}

	for _, tt := range tests {
		t.Run(tt.duration.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatUptime(tt.duration))
		})
	}
}
