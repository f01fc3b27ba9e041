// Package auth verifies the bearer credentials presented at WebSocket
// handshake. Token issuance and refresh belong to the external
// authentication service; only signature, expiry and claim extraction
// happen here.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/internal/stream"
)

// Claims are the identity facts the core extracts from a verified token.
type Claims struct {
	UserID string
	Role   string
}

// Verifier validates a bearer token and extracts the caller's identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// JWTVerifier validates HS256-signed tokens with standard exp/iss checks.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	logger *zap.Logger
}

// NewJWTVerifier creates a verifier for the given shared secret. issuer is
// enforced when non-empty.
func NewJWTVerifier(secret []byte, issuer string, leeway time.Duration, logger *zap.Logger) *JWTVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWTVerifier{secret: secret, issuer: issuer, leeway: leeway, logger: logger}
}

// Verify checks signature and expiry and extracts user id and role. All
// failures map onto ErrAuthenticationFailed; the concrete cause is logged,
// not surfaced to the peer.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", stream.ErrAuthenticationFailed)
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", stream.ErrHandshakeTimeout, ctx.Err())
	default:
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		v.logger.Debug("token rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", stream.ErrAuthenticationFailed, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", stream.ErrAuthenticationFailed)
	}

	sub, _ := mapClaims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", stream.ErrAuthenticationFailed)
	}
	role, _ := mapClaims["role"].(string)
	if role == "" {
		role = "user"
	}

	return &Claims{UserID: sub, Role: role}, nil
}
