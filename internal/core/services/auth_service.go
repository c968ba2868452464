package services

import (
	"errors"
	"fmt"
	"time"

	"crowdlink/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "crowdlink-relay"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthService issues and checks room join tokens for the relay.
type AuthService interface {
	GenerateToken(room domain.RoomID, peer domain.PeerID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// Authorize checks that claims grant peer access to room.
	Authorize(claims *Claims, room domain.RoomID, peer domain.PeerID) error
}

type Claims struct {
	RoomID domain.RoomID `json:"room_id"`
	PeerID domain.PeerID `json:"peer_id"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	clock     clock.Clock
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration, clk clock.Clock) AuthService {
	if clk == nil {
		clk = clock.New()
	}
	return &authService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		clock:     clk,
	}
}

func (s *authService) GenerateToken(room domain.RoomID, peer domain.PeerID) (string, error) {
	if room == "" || peer == "" {
		return "", fmt.Errorf("%w: room and peer are required", ErrUnauthorized)
	}

	now := s.clock.Now()
	claims := &Claims{
		RoomID: room,
		PeerID: peer,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   string(peer),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	key := func(*jwt.Token) (any, error) { return s.jwtSecret, nil }
	_, err := jwt.ParseWithClaims(tokenString, claims, key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.RoomID == "" || claims.PeerID == "" {
		return nil, fmt.Errorf("%w: missing room or peer", ErrInvalidToken)
	}
	return claims, nil
}

func (s *authService) Authorize(claims *Claims, room domain.RoomID, peer domain.PeerID) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if claims.RoomID != room || claims.PeerID != peer {
		return fmt.Errorf("%w: token is for %s/%s", ErrUnauthorized, claims.RoomID, claims.PeerID)
	}
	return nil
}
