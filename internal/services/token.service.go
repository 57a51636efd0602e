package services

import (
	"context"
	"fmt"
	"time"

	"catalogsync/internal/types"
	"catalogsync/internal/utils"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/golang-jwt/jwt/v5"
)

const (
	TOKEN_ISSUER      = "catalogsync"
	TOKEN_DEFAULT_TTL = 24 * time.Hour
)

// TokenService issues and validates the HS256 tokens that guard the API and
// the websocket feed. Without a signing key every request is accepted.
type TokenService struct {
	key []byte
	now func() time.Time
	log logger.Logger
}

func NewTokenService(signingKey string) *TokenService {
	return &TokenService{
		key: []byte(signingKey),
		now: utils.Now,
		log: logger.New("tokenService"),
	}
}

func (s *TokenService) Enabled() bool {
	return len(s.key) > 0
}

// Issue signs a token for subject. A non-positive ttl uses the default.
func (s *TokenService) Issue(subject string, ttl time.Duration) (string, error) {
	log := s.log.Function("Issue")

	if !s.Enabled() {
		return "", log.ErrMsg("no signing key configured")
	}
	if ttl <= 0 {
		ttl = TOKEN_DEFAULT_TTL
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    TOKEN_ISSUER,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", log.Err("failed to sign token", err, "subject", subject)
	}
	return signed, nil
}

// Validate checks the signature, issuer and lifetime of a token.
func (s *TokenService) Validate(ctx context.Context, tokenString string) (*types.TokenInfo, error) {
	log := s.log.TraceFromContext(ctx).Function("Validate")

	if !s.Enabled() {
		return &types.TokenInfo{Subject: "anonymous", Valid: true}, nil
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.key, nil
		},
		jwt.WithIssuer(TOKEN_ISSUER),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return &types.TokenInfo{Valid: false}, log.Err("token validation failed", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return &types.TokenInfo{Valid: false}, log.ErrMsg("token is invalid")
	}

	return &types.TokenInfo{
		Subject:   claims.Subject,
		Issuer:    claims.Issuer,
		ExpiresAt: claims.ExpiresAt.Time,
		Valid:     true,
	}, nil
}
