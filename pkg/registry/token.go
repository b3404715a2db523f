package registry

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// SessionClaims are the JWT claims on an agent session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	OwnerID  string `json:"owner_id"`
	TierName string `json:"tier"`
}

// TokenIssuer mints and validates short-lived agent session tokens.
type TokenIssuer struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewTokenIssuer creates an issuer. ttl <= 0 defaults to one hour.
func NewTokenIssuer(key []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{key: key, ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (t *TokenIssuer) WithClock(clock func() time.Time) *TokenIssuer {
	t.clock = clock
	return t
}

// Issue mints a session token bound to the agent and its current tier.
func (t *TokenIssuer) Issue(agent *contracts.Agent, tierName string) (string, error) {
	now := t.clock()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent.AgentID,
			Issuer:    "arbiter",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		OwnerID:  agent.OwnerID,
		TierName: tierName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.key)
}

// Validate parses a session token and returns its claims.
func (t *TokenIssuer) Validate(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.key, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.clock() }))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", contracts.DenialInvalidSignature, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%s: invalid session token", contracts.DenialInvalidSignature)
	}
	return claims, nil
}
