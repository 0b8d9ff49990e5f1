package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-live/internal/config"
)

// TokenType distinguishes student vs staff tokens.
type TokenType string

const (
	TokenTypeStudent TokenType = "student"
	TokenTypeTeacher TokenType = "teacher"
	TokenTypeAdmin   TokenType = "admin"
)

// Permission codes carried by staff tokens.
const (
	PermissionMonitorRead  = "monitor:read"
	PermissionMonitorWrite = "monitor:write"
)

// IsStaff reports whether the token belongs to a proctor.
func (t TokenType) IsStaff() bool {
	return t == TokenTypeTeacher || t == TokenTypeAdmin
}

// Claims extends JWT standard claims with app-specific fields. Tokens are
// issued by the identity service; this service only verifies them.
type Claims struct {
	jwt.RegisteredClaims
	TokenType      TokenType `json:"token_type"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Permissions    []string  `json:"permissions,omitempty"` // Staff only
}

// HasPermission reports whether the claims grant code.
func (c *Claims) HasPermission(code string) bool {
	for _, p := range c.Permissions {
		if p == code {
			return true
		}
	}
	return false
}

// AuthService verifies JWTs.
type AuthService struct {
	cfg *config.Config
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{cfg: cfg}
}

// GenerateToken signs a token. Used by development tooling and tests.
func (s *AuthService) GenerateToken(tokenType TokenType, userID, organizationID string, permissions []string) (string, error) {
	if userID == "" || organizationID == "" {
		return "", errors.New("user and organization are required")
	}
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType:      tokenType,
		UserID:         userID,
		OrganizationID: organizationID,
		Permissions:    permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == "" || claims.OrganizationID == "" {
		return nil, errors.New("token lacks user or organization")
	}
	return claims, nil
}
