package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const maxPeerSlug = 24

// NewMessageID returns a random (v4) id, stable for the message's lifetime.
func NewMessageID() string {
	return uuid.NewString()
}

// NewPeerID derives a readable peer id from a display name plus a random
// suffix, e.g. "ada-lovelace-3f9c1a2b". The result always satisfies the
// peer id alphabet.
func NewPeerID(displayName string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(displayName) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxPeerSlug {
			break
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "peer"
	}

	suffix := make([]byte, 4)
	rand.Read(suffix)
	return slug + "-" + hex.EncodeToString(suffix)
}
