package token

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultMaxTTL caps requested token lifetimes.
const DefaultMaxTTL = time.Hour

// ErrInvalidToken reports a token that failed signature or claim checks.
var ErrInvalidToken = errors.New("token: invalid token")

// Claims carried by issued tokens.
type Claims struct {
	App string `json:"app"`
	jwt.RegisteredClaims
}

// Issuer signs short-lived bearer tokens. The ed25519 keypair is derived
// from a shared secret so deployments manage a single string.
type Issuer struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	maxTTL time.Duration
}

// NewIssuer derives the signing keypair from secret. A maxTTL of zero or
// less selects DefaultMaxTTL.
func NewIssuer(secret string, maxTTL time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token: empty signing secret")
	}
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	seed := sha256.Sum256([]byte(secret))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return &Issuer{
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		maxTTL: maxTTL,
	}, nil
}

// Mint issues a token for app. Lifetimes are clamped to the issuer maximum;
// zero or negative requests also get the maximum.
func (i *Issuer) Mint(app string, ttl time.Duration) (string, error) {
	if app == "" {
		return "", errors.New("token: empty app")
	}
	if ttl <= 0 || ttl > i.maxTTL {
		ttl = i.maxTTL
	}
	now := time.Now()
	claims := Claims{
		App: app,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   app,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.priv)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, lifetime, and claims of an issued token.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
