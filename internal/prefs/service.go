package prefs

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"notifly/internal/types"
)

const (
	// tokenTag prefixes every unsubscribe token so leaked strings are
	// recognizable in logs and scanners.
	tokenTag = "ut_"

	// tokenSecretLength is the number of random bytes behind a token.
	tokenSecretLength = 32

	// tokenPrefixLength is the number of characters from the encoded
	// secret stored as the lookup prefix.
	tokenPrefixLength = 8

	// tokenBcryptCost is the bcrypt work factor for token hashes.
	tokenBcryptCost = 12

	// DefaultTokenTTL is the unsubscribe token lifetime: one year.
	DefaultTokenTTL = 365 * 24 * time.Hour
)

// PreferencesStore is the persistence surface the service needs for
// preference rows.
type PreferencesStore interface {
	Get(ctx context.Context, userID string) (*types.UserPreferences, error)
	Upsert(ctx context.Context, p *types.UserPreferences) error
}

// TokenStore is the persistence surface for unsubscribe tokens.
type TokenStore interface {
	Create(ctx context.Context, t *types.UnsubscribeToken) error
	GetByPrefix(ctx context.Context, prefix string) (*types.UnsubscribeToken, error)
	MarkUsed(ctx context.Context, id string) (bool, error)
}

// RedeemResult describes the outcome of an unsubscribe token redemption.
// AlreadyUsed means the token had been redeemed before; the redemption is
// a no-op and the user's preferences are left as they are.
type RedeemResult struct {
	UserID      string
	Scope       types.UnsubscribeScope
	AlreadyUsed bool
}

// Service manages preference rows, the read-through cache, the gate, and
// unsubscribe tokens.
type Service struct {
	store    PreferencesStore
	tokens   TokenStore
	gate     *Gate
	cache    *Cache
	clock    types.Clock
	logger   types.Logger
	tokenTTL time.Duration
}

// ServiceConfig collects the dependencies for NewService.
type ServiceConfig struct {
	Store  PreferencesStore
	Tokens TokenStore
	Gate   *Gate
	Cache  *Cache
	Clock  types.Clock
	Logger types.Logger

	// TokenTTL overrides DefaultTokenTTL when positive.
	TokenTTL time.Duration
}

// NewService creates a preference service from its dependencies.
func NewService(cfg ServiceConfig) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		gate:     cfg.Gate,
		cache:    cfg.Cache,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		tokenTTL: ttl,
	}
}

// Resolve returns the effective preferences for a user: the cached row if
// fresh, otherwise the stored row, otherwise defaults. The defaults path
// does not materialize a row; that happens on first write.
func (s *Service) Resolve(ctx context.Context, userID string) (*types.UserPreferences, error) {
	if cached, ok := s.cache.Get(userID); ok {
		return cached, nil
	}

	prefs, err := s.store.Get(ctx, userID)
	if err != nil {
		if types.HasErrorCode(err, types.ErrCodeNotFoundPreferences) {
			prefs = types.DefaultPreferences(userID)
		} else {
			return nil, err
		}
	}

	s.cache.Set(userID, prefs)
	return prefs, nil
}

// Update upserts the preference row and invalidates the cache entry so
// the next read in this process sees the write.
func (s *Service) Update(ctx context.Context, prefs *types.UserPreferences) error {
	if err := s.store.Upsert(ctx, prefs); err != nil {
		return err
	}
	s.cache.Invalidate(prefs.UserID)
	return nil
}

// CheckAllowed resolves the user's preferences and runs the gate. A
// preference store failure degrades to an allow with the Degraded flag
// set, so a database outage never silently drops notifications; callers
// surface the flag to the requester.
func (s *Service) CheckAllowed(ctx context.Context, userID string, channel types.Channel, category types.Category) Decision {
	prefs, err := s.Resolve(ctx, userID)
	if err != nil {
		s.logger.Error("preference lookup failed, allowing delivery",
			"user_id", userID, "channel", string(channel), "error", err.Error())
		return Decision{
			Allowed:  true,
			Degraded: true,
			Reason:   "preference lookup failed, delivering by default",
		}
	}
	return s.gate.Evaluate(prefs, channel, category)
}

// IssueToken mints a single-use unsubscribe token for the user and scope.
// Returns the plaintext exactly once; only the bcrypt hash is stored.
// With immediate set, the scope is applied right away and the token is
// consumed at issuance, so the link in the outbound email only confirms.
func (s *Service) IssueToken(ctx context.Context, userID string, scope types.UnsubscribeScope, immediate bool) (string, *types.UnsubscribeToken, error) {
	plaintext, prefix, hash, err := generateTokenSecret()
	if err != nil {
		return "", nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate unsubscribe token", err)
	}

	token := &types.UnsubscribeToken{
		ID:          "ust_" + uuid.NewString(),
		UserID:      userID,
		TokenPrefix: prefix,
		TokenHash:   hash,
		Scope:       scope,
		ExpiresAt:   s.clock.Now().Add(s.tokenTTL),
	}

	if err := s.tokens.Create(ctx, token); err != nil {
		return "", nil, err
	}

	if immediate {
		if err := s.disableScope(ctx, userID, scope); err != nil {
			return "", nil, err
		}
		if _, err := s.tokens.MarkUsed(ctx, token.ID); err != nil {
			return "", nil, err
		}
		usedAt := s.clock.Now()
		token.UsedAt = &usedAt

		s.logger.Info("unsubscribe applied at issuance",
			"user_id", userID, "scope", string(scope))
	}

	return plaintext, token, nil
}

// disableScope switches off the channels named by the scope in the user's
// stored preferences.
func (s *Service) disableScope(ctx context.Context, userID string, scope types.UnsubscribeScope) error {
	prefs, err := s.Resolve(ctx, userID)
	if err != nil {
		return err
	}
	updated := prefs.Clone()
	for _, ch := range scope.Channels() {
		updated.SetChannelEnabled(ch, false)
	}
	return s.Update(ctx, updated)
}

// Redeem validates an unsubscribe token and applies its scope: the named
// channels are switched off in the user's preferences and the token is
// consumed. A token that was already used is a no-op reported as
// AlreadyUsed, never an error; expired tokens fail with
// ErrCodeTokenExpired.
func (s *Service) Redeem(ctx context.Context, plaintext string) (*RedeemResult, error) {
	prefixLen := len(tokenTag) + tokenPrefixLength
	if len(plaintext) < prefixLen {
		return nil, types.NewAppError(types.ErrCodeNotFoundToken, "invalid unsubscribe token", nil)
	}

	token, err := s.tokens.GetByPrefix(ctx, plaintext[:prefixLen])
	if err != nil {
		return nil, err
	}

	// The prefix narrows the candidate set; the hash decides the match.
	if bcrypt.CompareHashAndPassword([]byte(token.TokenHash), []byte(plaintext)) != nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundToken, "invalid unsubscribe token", nil)
	}

	now := s.clock.Now()
	if token.Expired(now) {
		return nil, types.NewAppError(types.ErrCodeTokenExpired, "unsubscribe token expired", nil)
	}
	if token.Used() {
		return &RedeemResult{UserID: token.UserID, Scope: token.Scope, AlreadyUsed: true}, nil
	}

	if err := s.disableScope(ctx, token.UserID, token.Scope); err != nil {
		return nil, err
	}

	marked, err := s.tokens.MarkUsed(ctx, token.ID)
	if err != nil {
		return nil, err
	}
	if !marked {
		// A concurrent redemption won the used_at race. The preference
		// write is idempotent, so report already-used and move on.
		return &RedeemResult{UserID: token.UserID, Scope: token.Scope, AlreadyUsed: true}, nil
	}

	s.logger.Info("unsubscribe token redeemed",
		"user_id", token.UserID, "scope", string(token.Scope))

	return &RedeemResult{UserID: token.UserID, Scope: token.Scope}, nil
}

// generateTokenSecret generates a cryptographically secure unsubscribe
// token. Returns the plaintext secret, the stored lookup prefix, and the
// bcrypt hash. The plaintext stays under bcrypt's 72-byte input limit:
// 3-byte tag + 43-byte base64 = 46 bytes.
func generateTokenSecret() (plaintext, prefix, hash string, err error) {
	randomBytes := make([]byte, tokenSecretLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("crypto/rand read failed: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	plaintext = tokenTag + encoded
	prefix = tokenTag + encoded[:tokenPrefixLength]

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(plaintext), tokenBcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("bcrypt hash failed: %w", err)
	}
	hash = string(hashBytes)

	return plaintext, prefix, hash, nil
}
