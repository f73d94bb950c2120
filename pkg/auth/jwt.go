// Package auth issues and validates the party tokens used by both the REST
// surface and the realtime channel. A token binds one party identity; it says
// nothing about roles — authorization is per flow, decided by membership.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type PartyClaims struct {
	PartyID uuid.UUID `json:"party_id"`
	jwt.RegisteredClaims
}

type JWTService interface {
	GenerateToken(partyID uuid.UUID, ttl time.Duration) (string, error)
	ValidateToken(token string) (*PartyClaims, error)
}

type jwtService struct {
	secret []byte
}

func NewJWTService(secret string) JWTService {
	return &jwtService{secret: []byte(secret)}
}

func (s *jwtService) GenerateToken(partyID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := PartyClaims{
		PartyID: partyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   partyID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *jwtService) ValidateToken(token string) (*PartyClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &PartyClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := parsed.Claims.(*PartyClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.PartyID == uuid.Nil {
		return nil, fmt.Errorf("token carries no party identity")
	}
	return claims, nil
}
