// Package credential mints and verifies credential pairs.
//
// An access token is a short-lived HS256 JWT carrying the user, session,
// permissions and session version. A refresh token is an opaque random string;
// only its keyed digest ever leaves this package.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/ids"
	"github.com/dagz55/d-gateway-sub002/cmd/security/token"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const maxTokenLen = 4096

// Pair is what a client receives after login or refresh.
type Pair struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	AccessExpiry  time.Time `json:"access_expires_at"`
	RefreshExpiry time.Time `json:"refresh_expires_at"`
}

// Minted carries the server-side half of a freshly issued pair.
type Minted struct {
	AccessTokenID string
	RefreshHash   string
}

// Refresh is a freshly generated opaque refresh token.
type Refresh struct {
	Plain string
	Hash  string
}

// Issuer mints and verifies credentials. It holds no mutable state and is
// safe for concurrent use.
type Issuer struct {
	cfg     Config
	key     []byte
	hasher  *token.Hasher
	methods []string
}

// NewIssuer builds an Issuer. signingKey signs access tokens; refreshHasher
// digests refresh tokens.
func NewIssuer(cfg Config, signingKey []byte, refreshHasher *token.Hasher) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(signingKey) < 32 || refreshHasher == nil {
		return nil, ErrConfig
	}
	return &Issuer{
		cfg:     cfg,
		key:     slices.Clone(signingKey),
		hasher:  refreshHasher,
		methods: []string{jwt.SigningMethodHS256.Alg()},
	}, nil
}

// Config returns the issuer configuration.
func (i *Issuer) Config() Config { return i.cfg }

// Issue mints a complete pair for a session.
func (i *Issuer) Issue(userID, sessionID string, permissions []string, sessionVersion int64, now time.Time) (Pair, Minted, error) {
	rt, err := i.NewRefreshToken()
	if err != nil {
		return Pair{}, Minted{}, err
	}
	jti := NewTokenID()

	access, accessExp, err := i.SignAccess(userID, sessionID, jti, permissions, sessionVersion, now)
	if err != nil {
		return Pair{}, Minted{}, err
	}

	return Pair{
			AccessToken:   access,
			RefreshToken:  rt.Plain,
			AccessExpiry:  accessExp,
			RefreshExpiry: now.Add(i.cfg.RefreshTokenTTL),
		}, Minted{
			AccessTokenID: jti,
			RefreshHash:   rt.Hash,
		}, nil
}

// SignAccess signs an access token with a caller-chosen token id.
func (i *Issuer) SignAccess(userID, sessionID, tokenID string, permissions []string, sessionVersion int64, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(sessionID) == "" || tokenID == "" {
		return "", time.Time{}, ErrMalformedCredential
	}
	if sessionVersion < 1 {
		sessionVersion = 1
	}

	exp := now.Add(i.cfg.AccessTokenTTL)
	c := accessClaims{
		SessionID:      sessionID,
		Permissions:    permissions,
		SessionVersion: sessionVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(exp),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        tokenID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer, audience and time claims.
func (i *Issuer) Verify(raw string, now time.Time) (Claims, error) {
	c, err := i.parse(raw,
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(i.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Claims{}, err
	}
	return c.toClaims(), nil
}

// VerifyRecent is Verify with expiry relaxed by grace. The rate limiter uses
// it to keep charging a user whose access token has just lapsed; anything
// older is treated as anonymous.
func (i *Issuer) VerifyRecent(raw string, now time.Time, grace time.Duration) (Claims, error) {
	c, err := i.parse(raw,
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(i.cfg.ClockSkew+max(grace, 0)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Claims{}, err
	}
	return c.toClaims(), nil
}

func (i *Issuer) parse(raw string, opts ...jwt.ParserOption) (accessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxTokenLen {
		return accessClaims{}, ErrMalformedCredential
	}

	opts = append(opts,
		jwt.WithValidMethods(i.methods),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
	)

	var c accessClaims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		return accessClaims{}, classify(err)
	}
	return c, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrMalformedCredential):
		return ErrMalformedCredential
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredCredential
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedCredential
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		// Signed by us but dated in the future.
		return ErrMalformedCredential
	default:
		return ErrInvalidSignature
	}
}

// NewRefreshToken returns a fresh opaque refresh token and its digest.
func (i *Issuer) NewRefreshToken() (Refresh, error) {
	b := make([]byte, i.cfg.RefreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return Refresh{}, err
	}
	plain := base64.RawURLEncoding.EncodeToString(b)
	return Refresh{Plain: plain, Hash: i.hasher.Hash(plain)}, nil
}

// HashRefresh digests a presented refresh token. It returns "" for inputs
// that cannot possibly be a token.
func (i *Issuer) HashRefresh(plain string) string {
	plain = strings.TrimSpace(plain)
	if plain == "" || len(plain) > maxTokenLen {
		return ""
	}
	return i.hasher.Hash(plain)
}

// NewTokenID returns a unique access token id (jti).
func NewTokenID() string { return uuid.NewString() }

// GenerateSessionID returns a 192-bit random session identifier.
func GenerateSessionID() (string, error) { return ids.NewOpaque("ses") }

// GenerateFamilyID returns a 192-bit random token family identifier.
func GenerateFamilyID() (string, error) { return ids.NewOpaque("fam") }
