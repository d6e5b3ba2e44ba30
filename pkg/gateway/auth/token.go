package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Audience is the aud claim of every live token.
const Audience = "vai-relay-live"

var ErrInvalidToken = errors.New("invalid token")

type claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Token is an issued bearer credential.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	ID          string
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	// RefreshGrace is how long after expiry a token may still be refreshed.
	RefreshGrace time.Duration
	Now          func() time.Time
}

func (t *Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tokens) Issue(p Principal) (Token, error) {
	if len(t.Secret) == 0 {
		return Token{}, fmt.Errorf("token secret is not configured")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return Token{}, fmt.Errorf("issue token: empty subject")
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := t.now().UTC().Truncate(time.Second)
	expires := now.Add(ttl)
	id := uuid.NewString()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.Issuer,
			Subject:   p.UserID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        id,
		},
		Name: p.Name,
	})
	signed, err := tok.SignedString(t.Secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, ExpiresAt: expires, ID: id}, nil
}

// Verify checks signature, issuer, audience and expiry.
func (t *Tokens) Verify(token string) (Principal, error) {
	return t.parse(token, 0)
}

// Refresh reissues a token for the same principal. The presented token may
// have expired up to RefreshGrace ago.
func (t *Tokens) Refresh(token string) (Token, Principal, error) {
	p, err := t.parse(token, t.RefreshGrace)
	if err != nil {
		return Token{}, Principal{}, err
	}
	next, err := t.Issue(p)
	if err != nil {
		return Token{}, Principal{}, err
	}
	return next, p, nil
}

func (t *Tokens) parse(token string, leeway time.Duration) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(t.Secret) == 0 {
		return Principal{}, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithIssuer(t.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if leeway > 0 {
		opts = append(opts, jwt.WithLeeway(leeway))
	}

	c := &claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return t.Secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Principal{}, ErrInvalidToken
	}
	name := c.Name
	if name == "" {
		name = c.Subject
	}
	return Principal{UserID: c.Subject, Name: name}, nil
}
