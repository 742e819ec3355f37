// Package session mints the bearer token the engine presents to the
// backing API. One install is one session: a uuid identifies it,
// restored from storage when available, and an HS256 token carries it,
// re-signed transparently when it nears expiry.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/config"
	"github.com/seemantic/engine/internal/infrastructure/redis"
)

// Tokens are re-minted when closer than this to expiry, so a token
// handed out is never about to die mid-request.
const renewMargin = 1 * time.Minute

const sessionIDKey = "seemantic:session_id"

type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// IdentityStore persists the session id across restarts. A missing
// key reads back as an empty value, not an error.
type IdentityStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

type Service struct {
	sessionID string
	secret    []byte
	ttl       time.Duration

	mu    sync.Mutex
	token string
}

// NewService restores the session identity from store when one was
// persisted, minting and persisting a fresh one otherwise. A nil store
// yields a per-process identity.
func NewService(store IdentityStore) *Service {
	sessionID := loadOrCreateSessionID(store)
	log.Info().Str("session_id", sessionID).Msg("Session established")

	return &Service{
		sessionID: sessionID,
		secret:    []byte(config.GetSessionSecret()),
		ttl:       config.GetSessionTTL(),
	}
}

func loadOrCreateSessionID(store IdentityStore) string {
	ctx := context.Background()

	if store != nil {
		id, err := store.Get(ctx, sessionIDKey)
		if err != nil && !redis.IsNotFound(err) {
			log.Warn().Err(err).Msg("Failed to read persisted session identity")
		}
		if id != "" {
			return id
		}
	}

	id := uuid.New().String()
	if store != nil {
		// No expiration: the identity lives as long as the install.
		if err := store.Set(ctx, sessionIDKey, id, 0); err != nil {
			log.Warn().Err(err).Msg("Failed to persist session identity")
		}
	}
	return id
}

// SessionID returns the identity of this engine install.
func (s *Service) SessionID() string {
	return s.sessionID
}

// Token returns a signed session token. The cached token is verified
// on every call and re-minted when invalid or about to expire.
// Satisfies the token source the API client expects.
func (s *Service) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" {
		if claims, err := s.Verify(s.token); err == nil && time.Until(claims.ExpiresAt.Time) > renewMargin {
			return s.token, nil
		}
	}

	now := time.Now()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        s.sessionID,
		},
		SessionID: s.sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}

	s.token = signed
	return signed, nil
}

// Verify parses a session token and returns its claims when the
// signature and expiry check out.
func (s *Service) Verify(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}
