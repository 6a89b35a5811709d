package broker

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Coinbase CDP authentication: a short-lived ES256 JWT per request with the
// request method+host+path bound into the uri claim.
//
// Header: { alg: ES256, kid: key_name, nonce: random_hex }
// Claims: { sub: key_name, iss: "cdp", nbf: now, exp: now+120, uri: "METHOD host/path" }

type jwtSigner struct {
	keyName string
	key     *ecdsa.PrivateKey
}

func newJWTSigner(keyName, privatePEM string) (*jwtSigner, error) {
	if keyName == "" || privatePEM == "" {
		return nil, fmt.Errorf("coinbase auth not configured")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(privatePEM))
	if err != nil {
		// Never include key material in error messages.
		return nil, fmt.Errorf("parse coinbase private key: %T", err)
	}
	return &jwtSigner{keyName: keyName, key: key}, nil
}

// Mint builds the bearer token for one request.
func (s *jwtSigner) Mint(method, host, path string) (string, error) {
	// uri claim excludes query strings and trailing slashes.
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": s.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"uri": fmt.Sprintf("%s %s%s", strings.ToUpper(method), host, path),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.keyName
	token.Header["nonce"] = randomNonce()
	return token.SignedString(s.key)
}

// NewAuthHeadersFunc builds a standalone header minter for callers outside
// the provider (the metadata service authenticates with the same key).
func NewAuthHeadersFunc(keyName, privatePEM, apiHost string) (func(method, path string) (map[string]string, error), error) {
	signer, err := newJWTSigner(keyName, privatePEM)
	if err != nil {
		return nil, err
	}
	return func(method, path string) (map[string]string, error) {
		token, err := signer.Mint(method, apiHost, path)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}, nil
}

func randomNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
