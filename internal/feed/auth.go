package feed

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Audience is the aud claim accepted by the live feed.
const Audience = "fluidsim-feed"

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the compact HS256 payload carried by viewer tokens.
type Claims struct {
	Subject   string `json:"sub"`
	Audience  string `json:"aud"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Authenticator resolves the viewer identity of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// TokenAuth validates HS256 viewer tokens signed with a shared secret.
type TokenAuth struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// NewTokenAuth constructs a verifier for the shared secret and clock skew allowance.
func NewTokenAuth(secret string, leeway time.Duration) (*TokenAuth, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("feed secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenAuth{secret: []byte(secret), leeway: leeway, now: time.Now}, nil
}

// Issue signs a token for subject valid for ttl.
func (a *TokenAuth) Issue(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" || ttl <= 0 {
		return "", fmt.Errorf("token needs a subject and a positive lifetime")
	}
	now := a.now()
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(Claims{Subject: subject, Audience: Audience, IssuedAt: now.Unix(), ExpiresAt: now.Add(ttl).Unix()})
	if err != nil {
		return "", err
	}
	signed := encodeSegment(header) + "." + encodeSegment(payload)
	return signed + "." + encodeSegment(a.sign(signed)), nil
}

// Verify checks signature, audience and expiry and returns the claims.
func (a *TokenAuth) Verify(token string) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}

	//1.- Only HS256 is accepted.
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := decodeJSON(parts[0], &header); err != nil || header.Algorithm != "HS256" {
		return Claims{}, ErrInvalidToken
	}

	//2.- Compare signatures in constant time before trusting the payload.
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, a.sign(parts[0]+"."+parts[1])) {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := decodeJSON(parts[1], &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt <= 0 || claims.Audience != Audience {
		return Claims{}, ErrInvalidToken
	}
	if time.Unix(claims.ExpiresAt, 0).Add(a.leeway).Before(a.now()) {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

// Authenticate reads the token from the auth_token query or the X-Auth-Token header.
func (a *TokenAuth) Authenticate(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (a *TokenAuth) sign(payload string) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func encodeSegment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeJSON(segment string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
