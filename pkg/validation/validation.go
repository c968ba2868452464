package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxIDLength          = 64
	maxDisplayNameLength = 50
)

var (
	// RoomIDRegex validates room ID format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > maxIDLength {
		return fmt.Errorf("room ID is too long (max %d characters)", maxIDLength)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > maxIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", maxIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateDisplayName accepts an empty name; the UI falls back to the peer ID.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name must be valid UTF-8")
	}
	if utf8.RuneCountInString(strings.TrimSpace(name)) > maxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", maxDisplayNameLength)
	}
	return nil
}

// ValidateRelayURL validates a relay websocket endpoint
func ValidateRelayURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("relay URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("relay URL must use ws or wss scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("relay URL must have a host")
	}
	return nil
}

// ValidateRoomJoin validates the identifiers a peer presents when joining.
func ValidateRoomJoin(roomID, peerID string) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	return ValidatePeerID(peerID)
}
