package directory

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL matches the lifetime of tokens issued at login
const DefaultTokenTTL = 7 * 24 * time.Hour

const tokenIssuer = "pairchat"

// ErrInvalidToken is returned for a token that fails signature, expiry or claim checks
var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload of a directory-issued token
type Claims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Contact  string `json:"contact"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 login tokens
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token signer. A zero ttl uses DefaultTokenTTL.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign issues a token for the given account
func (t *Tokens) Sign(userID int64, username, contact string) (string, error) {
	now := t.now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		Contact:  contact,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   fmt.Sprintf("%d", userID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify validates a token and returns its claims
func (t *Tokens) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return t.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Username == "" {
		return nil, fmt.Errorf("%w: missing username claim", ErrInvalidToken)
	}

	return &claims, nil
}
