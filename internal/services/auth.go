package services

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/waypointops/cutoverd/internal/platform/logger"
)

const (
	RoleAdmin  = "admin"
	RoleReader = "reader"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthService issues and verifies the admin API's bearer tokens. Read
// endpoints accept any valid token; write endpoints require the admin role.
type AuthService interface {
	IssueToken(ctx context.Context, subject, role string) (string, error)
	VerifyToken(ctx context.Context, tokenString string) (*Claims, error)
}

type authService struct {
	log          *logger.Logger
	jwtSecretKey string
	tokenTTL     time.Duration
}

func NewAuthService(log *logger.Logger, jwtSecretKey string, tokenTTL time.Duration) AuthService {
	return &authService{
		log:          log.With("service", "AuthService"),
		jwtSecretKey: jwtSecretKey,
		tokenTTL:     tokenTTL,
	}
}

func (as *authService) IssueToken(ctx context.Context, subject, role string) (string, error) {
	if role != RoleAdmin && role != RoleReader {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(as.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(as.jwtSecretKey))
	if err != nil {
		as.log.Error("Failed to sign token", "error", err)
		return "", err
	}
	return signed, nil
}

func (as *authService) VerifyToken(ctx context.Context, tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(as.jwtSecretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return &claims, nil
}
