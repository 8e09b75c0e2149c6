package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// APIToken represents an operator-managed API token for the serve API.
type APIToken struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Owner      string     `json:"owner,omitempty"`
	Scope      string     `json:"scope"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	Revoked    bool       `json:"revoked"`
}

const (
	TokenScopeOperator = "operator"
	TokenScopeTrainer  = "trainer"
	TokenScopeViewer   = "viewer"
)

// GenerateAPITokenValue creates a random token string suitable for CLI clients.
func GenerateAPITokenValue() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

func normalizeScope(scope string) string {
	switch strings.ToLower(strings.TrimSpace(scope)) {
	case TokenScopeOperator:
		return TokenScopeOperator
	case TokenScopeViewer:
		return TokenScopeViewer
	default:
		return TokenScopeTrainer
	}
}

func hashSecret(secret string) string {
	trimmed := strings.TrimSpace(secret)
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}

func tokenPrefix(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 8 {
		return secret
	}
	return secret[:8]
}

// CreateAPIToken stores a new API token record, hashing the provided secret.
func (s *Store) CreateAPIToken(name, owner, scope, secret string) (*APIToken, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "token-" + strings.ToLower(ulid.Make().String())
	}

	now := time.Now().UTC()
	id := strings.ToLower(ulid.Make().String())
	tok := &APIToken{
		ID:        id,
		Name:      name,
		Owner:     strings.TrimSpace(owner),
		Scope:     normalizeScope(scope),
		Prefix:    tokenPrefix(secret),
		CreatedAt: now,
	}

	_, err := s.db.Exec(`
		INSERT INTO api_tokens (id, name, owner, scope, token_hash, token_prefix, created_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, tok.ID, tok.Name, tok.Owner, tok.Scope, hashSecret(secret), tok.Prefix, now)
	if err != nil {
		return nil, err
	}

	clone := *tok
	s.notify(newEvent(EventTokenCreated, tok.ID, clone))

	return tok, nil
}

// ListAPITokens returns active and revoked tokens for operator review.
func (s *Store) ListAPITokens() ([]APIToken, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`
		SELECT id, name, owner, scope, token_prefix, created_at, last_used_at, revoked
		FROM api_tokens
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []APIToken
	for rows.Next() {
		var tok APIToken
		var lastUsed sql.NullTime
		if err := rows.Scan(&tok.ID, &tok.Name, &tok.Owner, &tok.Scope, &tok.Prefix, &tok.CreatedAt, &lastUsed, &tok.Revoked); err != nil {
			return nil, err
		}
		if tok.Scope == "" {
			tok.Scope = TokenScopeTrainer
		}
		if lastUsed.Valid {
			ts := lastUsed.Time
			tok.LastUsedAt = &ts
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// RevokeAPIToken marks the token as revoked.
func (s *Store) RevokeAPIToken(id string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	id = strings.TrimSpace(id)
	if _, err := s.db.Exec(`UPDATE api_tokens SET revoked = 1 WHERE id = ?`, id); err != nil {
		return err
	}

	s.notify(newEvent(EventTokenRevoked, id, map[string]any{"id": id}))
	return nil
}

// ValidateAPIToken verifies a token secret and updates last_used_at.
// Returns nil without error when no active token matches.
func (s *Store) ValidateAPIToken(secret string) (*APIToken, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	hash := hashSecret(secret)
	var tok APIToken
	var lastUsed sql.NullTime
	err := s.db.QueryRow(`
		SELECT id, name, owner, scope, token_prefix, created_at, last_used_at
		FROM api_tokens
		WHERE token_hash = ? AND revoked = 0
	`, hash).Scan(&tok.ID, &tok.Name, &tok.Owner, &tok.Scope, &tok.Prefix, &tok.CreatedAt, &lastUsed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if lastUsed.Valid {
		ts := lastUsed.Time
		tok.LastUsedAt = &ts
	}
	if tok.Scope == "" {
		tok.Scope = TokenScopeTrainer
	}
	if err := s.touchAPIToken(tok.ID); err != nil {
		return &tok, err
	}
	return &tok, nil
}

func (s *Store) touchAPIToken(id string) error {
	_, err := s.db.Exec(`UPDATE api_tokens SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}
