package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no authentication token provided")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
	ErrNoScope      = errors.New("missing required scope")
)

// API scopes, from most to least privileged. Operator implies trainer,
// trainer implies viewer.
const (
	ScopeOperator = "operator"
	ScopeTrainer  = "trainer"
	ScopeViewer   = "viewer"
)

const DefaultTokenTTL = 24 * time.Hour

// Claims are the JWT claims kiln issues for API access.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates HS256 API tokens, with an
// in-memory revocation list keyed by token ID.
type TokenManager struct {
	secretKey     []byte
	mu            sync.RWMutex
	revokedTokens map[string]time.Time
}

// NewTokenManager creates a token manager over the given secret.
func NewTokenManager(secretKey string) *TokenManager {
	return &TokenManager{
		secretKey:     []byte(secretKey),
		revokedTokens: make(map[string]time.Time),
	}
}

// GenerateToken issues a signed token for subject with the given scope.
func (tm *TokenManager) GenerateToken(subject, scope string, duration time.Duration) (string, error) {
	if len(tm.secretKey) == 0 {
		return "", fmt.Errorf("token manager has no signing secret (set serve.auth_secret)")
	}
	if !validScope(scope) {
		return "", fmt.Errorf("unknown scope: %s", scope)
	}
	if duration <= 0 {
		duration = DefaultTokenTTL
	}

	tokenID, err := generateTokenID()
	if err != nil {
		return "", fmt.Errorf("generate token ID: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token and returns its claims.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	tm.mu.RLock()
	_, revoked := tm.revokedTokens[claims.ID]
	tm.mu.RUnlock()
	if revoked {
		return nil, ErrRevokedToken
	}

	return claims, nil
}

// RevokeToken adds a token to the revocation list. The token is parsed
// without validation so expired tokens can still be revoked.
func (tm *TokenManager) RevokeToken(tokenString string) error {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return ErrInvalidToken
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.revokedTokens[claims.ID] = time.Now()
	return nil
}

// RefreshToken issues a new token carrying the old token's subject and
// scope, and revokes the old one.
func (tm *TokenManager) RefreshToken(oldToken string, duration time.Duration) (string, error) {
	claims, err := tm.ValidateToken(oldToken)
	if err != nil {
		return "", fmt.Errorf("cannot refresh invalid token: %w", err)
	}

	newToken, err := tm.GenerateToken(claims.Subject, claims.Scope, duration)
	if err != nil {
		return "", err
	}
	if err := tm.RevokeToken(oldToken); err != nil {
		return "", fmt.Errorf("revoke old token: %w", err)
	}
	return newToken, nil
}

// CleanupRevokedTokens drops revocations older than 24 hours; by then
// every token they could block has expired on its own.
func (tm *TokenManager) CleanupRevokedTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	for tokenID, revokedAt := range tm.revokedTokens {
		if revokedAt.Before(cutoff) {
			delete(tm.revokedTokens, tokenID)
		}
	}
}

// RevokedTokenCount returns the size of the revocation list.
func (tm *TokenManager) RevokedTokenCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.revokedTokens)
}

// ScopeAllows reports whether a token scope covers the required scope.
func ScopeAllows(have, required string) bool {
	rank := map[string]int{
		ScopeViewer:   1,
		ScopeTrainer:  2,
		ScopeOperator: 3,
	}
	h, ok := rank[have]
	if !ok {
		return false
	}
	r, ok := rank[required]
	if !ok {
		return false
	}
	return h >= r
}

func validScope(scope string) bool {
	switch scope {
	case ScopeOperator, ScopeTrainer, ScopeViewer:
		return true
	}
	return false
}

func generateTokenID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
