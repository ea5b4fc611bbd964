// Package auth verifies co-signer callback requests and signs the answers.
//
// The co-signer posts a JWT signed with its private key; the claims are the
// transaction payload. The answer is a JWT signed with the callback private
// key. Both directions use RS256 only.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opensource-finance/txpolicy/internal/domain"
)

var (
	// ErrTokenExpired maps to 401.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenInvalid covers bad signatures, undecodable tokens and wrong
	// algorithms. It maps to 403.
	ErrTokenInvalid = errors.New("invalid token")
)

// Authenticator holds the key pair for one co-signer relationship.
type Authenticator struct {
	cosignerKey *rsa.PublicKey
	callbackKey *rsa.PrivateKey
	parser      *jwt.Parser
}

// New creates an authenticator from parsed keys.
func New(cosignerKey *rsa.PublicKey, callbackKey *rsa.PrivateKey) *Authenticator {
	return &Authenticator{
		cosignerKey: cosignerKey,
		callbackKey: callbackKey,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithJSONNumber(),
		),
	}
}

// Load reads both PEM keys named in cfg.
func Load(cfg domain.AuthConfig) (*Authenticator, error) {
	pubPEM, err := os.ReadFile(cfg.CosignerPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read cosigner public key: %v", domain.ErrConfiguration, err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse cosigner public key: %v", domain.ErrConfiguration, err)
	}

	privPEM, err := os.ReadFile(cfg.CallbackPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read callback private key: %v", domain.ErrConfiguration, err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse callback private key: %v", domain.ErrConfiguration, err)
	}

	return New(pub, priv), nil
}

// Verify checks the co-signer signature on token and returns its claims.
// Numbers are kept as json.Number so amounts survive re-encoding unchanged.
func (a *Authenticator) Verify(token string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.cosignerKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return map[string]any(claims), nil
}

// Sign encodes resp as an RS256 JWT with the callback private key.
func (a *Authenticator) Sign(resp *domain.CallbackResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: response is required", domain.ErrInvalidInput)
	}

	claims := jwt.MapClaims{
		"action":          string(resp.Action),
		"requestId":       resp.RequestID,
		"rejectionReason": nil,
	}
	if resp.RejectionReason != nil {
		claims["rejectionReason"] = *resp.RejectionReason
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.callbackKey)
	if err != nil {
		return "", fmt.Errorf("sign response: %w", err)
	}
	return signed, nil
}
