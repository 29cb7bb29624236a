// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package auth issues and verifies the bearer tokens that carry a
// user identity into relay sessions. Verification is deliberately
// opaque to the rest of the system: a token either yields a user ID or
// an error, and sessions without one simply run unattributed.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jukewire/jukewire/internal/config"
)

// ErrDisabled is returned when no JWT secret is configured; every
// verification fails and the relay runs in pure pass-through mode.
var ErrDisabled = errors.New("auth: no jwt secret configured")

// Verifier resolves a bearer token to a user ID. Satisfied by
// *JWTManager; sessions depend only on this.
type Verifier interface {
	Verify(token string) (userID string, err error)
}

// Claims are the JWT claims Jukewire issues.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTManager creates and validates HS256 tokens.
type JWTManager struct {
	secret  []byte
	timeout time.Duration
}

// NewJWTManager creates a token manager from the security config. An
// empty secret is allowed: issuing and verifying then fail with
// ErrDisabled instead of the manager refusing to construct, so the
// relay still starts in unauthenticated deployments.
func NewJWTManager(cfg config.SecurityConfig) *JWTManager {
	return &JWTManager{
		secret:  []byte(cfg.JWTSecret),
		timeout: cfg.TokenTimeout,
	}
}

// GenerateToken creates a signed token for the given user ID, valid
// for the configured timeout.
func (m *JWTManager) GenerateToken(userID string) (string, error) {
	if len(m.secret) == 0 {
		return "", ErrDisabled
	}

	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.timeout)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns the user ID it carries.
// Rejects tokens signed with anything but HMAC to prevent algorithm
// confusion.
func (m *JWTManager) Verify(tokenString string) (string, error) {
	if len(m.secret) == 0 {
		return "", ErrDisabled
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("token carries no user id")
	}
	return claims.UserID, nil
}
