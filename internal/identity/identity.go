package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleHost   = Role("host")
	RolePlayer = Role("player")
)

// Identity describes one participant. UserID is stable across reconnects;
// the connection id is not.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

var ErrInvalidHostKey = errors.New("invalid host key")

// HostKeySigner mints and verifies host keys: signed tokens handed out at
// room creation that let a reconnecting host reclaim the host role. No
// other credential is required across reconnects.
type HostKeySigner struct {
	secret []byte
	ttl    time.Duration
}

func NewHostKeySigner(secret string, ttl time.Duration) *HostKeySigner {
	return &HostKeySigner{secret: []byte(secret), ttl: ttl}
}

type hostClaims struct {
	RoomCode string `json:"room_code"`
	jwt.RegisteredClaims
}

func (s *HostKeySigner) Mint(roomCode string) (string, error) {
	claims := hostClaims{
		RoomCode: roomCode,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing host key: %w", err)
	}
	return signed, nil
}

// Verify checks that the key was minted for the given room code.
func (s *HostKeySigner) Verify(key, roomCode string) error {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrInvalidKey
		}
		return s.secret, nil
	}
	token, err := jwt.ParseWithClaims(key, &hostClaims{}, keyFunc)
	if err != nil || !token.Valid {
		return ErrInvalidHostKey
	}
	claims, ok := token.Claims.(*hostClaims)
	if !ok || claims.RoomCode != roomCode {
		return ErrInvalidHostKey
	}
	return nil
}
