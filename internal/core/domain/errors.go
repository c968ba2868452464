package domain

import "errors"

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrDuplicateMessage     = errors.New("duplicate message")
	ErrBridgeExhausted      = errors.New("bridge attempts exhausted")
	ErrLinkNotEstablished   = errors.New("direct link not established")
	ErrSessionClosed        = errors.New("session closed")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrUnknownPeer          = errors.New("unknown peer")
	ErrNoBridgeCandidates   = errors.New("no bridge candidates")
	ErrRoomFull             = errors.New("room is full")
)
