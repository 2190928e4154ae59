package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// StreamerClaims identifies a streamer to a signalling server that requires auth
type StreamerClaims struct {
	StreamerID string `json:"streamer_id"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 bearer token for streamerID
func IssueToken(secret, streamerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := StreamerClaims{
		StreamerID: streamerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   streamerID,
			Issuer:    "pixelpeep",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses a bearer token (with or without the "Bearer " prefix) and returns its claims
func VerifyToken(secret, header string) (*StreamerClaims, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(raw, &StreamerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*StreamerClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
