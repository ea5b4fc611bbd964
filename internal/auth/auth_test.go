package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opensource-finance/txpolicy/internal/domain"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func writeKeys(t *testing.T, cosigner *rsa.PrivateKey, callback *rsa.PrivateKey) domain.AuthConfig {
	t.Helper()
	dir := t.TempDir()

	pubDER, err := x509.MarshalPKIXPublicKey(&cosigner.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPath := filepath.Join(dir, "cosigner_public.pem")
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600); err != nil {
		t.Fatalf("write public key: %v", err)
	}

	privPath := filepath.Join(dir, "callback_private.pem")
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(callback)})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}

	return domain.AuthConfig{CosignerPublicKeyPath: pubPath, CallbackPrivateKeyPath: privPath}
}

func TestVerify(t *testing.T) {
	cosigner := generateKey(t)
	callback := generateKey(t)
	a := New(&cosigner.PublicKey, callback)

	t.Run("ValidToken", func(t *testing.T) {
		token := sign(t, cosigner, jwt.MapClaims{
			"txId":      "tx-1",
			"requestId": "req-1",
			"amount":    18.74292937,
		})

		claims, err := a.Verify(token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if claims["txId"] != "tx-1" {
			t.Errorf("txId = %v, want tx-1", claims["txId"])
		}
		n, ok := claims["amount"].(json.Number)
		if !ok {
			t.Fatalf("amount type = %T, want json.Number", claims["amount"])
		}
		if n.String() != "18.74292937" {
			t.Errorf("amount = %s, want 18.74292937", n)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		token := sign(t, cosigner, jwt.MapClaims{
			"txId": "tx-1",
			"exp":  time.Now().Add(-time.Hour).Unix(),
		})
		_, err := a.Verify(token)
		if !errors.Is(err, ErrTokenExpired) {
			t.Errorf("expected ErrTokenExpired, got %v", err)
		}
	})

	t.Run("WrongSigner", func(t *testing.T) {
		token := sign(t, generateKey(t), jwt.MapClaims{"txId": "tx-1"})
		_, err := a.Verify(token)
		if !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("expected ErrTokenInvalid, got %v", err)
		}
	})

	t.Run("HMACRejected", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"txId": "tx-1"}).
			SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		_, err = a.Verify(token)
		if !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("expected ErrTokenInvalid, got %v", err)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := a.Verify("not-a-jwt")
		if !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("expected ErrTokenInvalid, got %v", err)
		}
	})
}

func TestSign(t *testing.T) {
	callback := generateKey(t)
	a := New(&generateKey(t).PublicKey, callback)

	parse := func(t *testing.T, token string) jwt.MapClaims {
		t.Helper()
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return &callback.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if err != nil {
			t.Fatalf("parse signed response: %v", err)
		}
		return claims
	}

	t.Run("Reject", func(t *testing.T) {
		d := &domain.Decision{RequestID: "req-1", Action: domain.CallbackReject}
		token, err := a.Sign(d.ToResponse())
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		claims := parse(t, token)
		if claims["action"] != "REJECT" {
			t.Errorf("action = %v, want REJECT", claims["action"])
		}
		if claims["requestId"] != "req-1" {
			t.Errorf("requestId = %v, want req-1", claims["requestId"])
		}
		if claims["rejectionReason"] != domain.RejectionReason {
			t.Errorf("rejectionReason = %v", claims["rejectionReason"])
		}
	})

	t.Run("ApproveHasNullReason", func(t *testing.T) {
		d := &domain.Decision{RequestID: "req-2", Action: domain.CallbackApprove}
		token, err := a.Sign(d.ToResponse())
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		claims := parse(t, token)
		reason, present := claims["rejectionReason"]
		if !present || reason != nil {
			t.Errorf("rejectionReason = %v (present %v), want null", reason, present)
		}
	})

	t.Run("NilResponse", func(t *testing.T) {
		if _, err := a.Sign(nil); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	cosigner := generateKey(t)
	callback := generateKey(t)

	t.Run("RoundTrip", func(t *testing.T) {
		a, err := Load(writeKeys(t, cosigner, callback))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		token := sign(t, cosigner, jwt.MapClaims{"txId": "tx-9"})
		claims, err := a.Verify(token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if claims["txId"] != "tx-9" {
			t.Errorf("txId = %v", claims["txId"])
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		cfg := writeKeys(t, cosigner, callback)
		cfg.CallbackPrivateKeyPath = filepath.Join(t.TempDir(), "missing.pem")
		if _, err := Load(cfg); !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("NotPEM", func(t *testing.T) {
		cfg := writeKeys(t, cosigner, callback)
		if err := os.WriteFile(cfg.CosignerPublicKeyPath, []byte("garbage"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(cfg); !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})
}
