package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Auth signs REST requests with a venue's API key/secret pair via
// HMAC-SHA256 over "timestamp + method + path + body" — the scheme both
// venues use for private endpoints.
type Auth struct {
	apiKey     string
	secret     string
	passphrase string
}

// NewAuth builds an Auth from configured credentials.
func NewAuth(apiKey, secret, passphrase string) *Auth {
	return &Auth{apiKey: apiKey, secret: secret, passphrase: passphrase}
}

// Headers produces the signed header set for a private request.
func (a *Auth) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := a.sign(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return map[string]string{
		"API-KEY":        a.apiKey,
		"API-SIGN":       sig,
		"API-TIMESTAMP":  timestamp,
		"API-PASSPHRASE": a.passphrase,
	}, nil
}

func (a *Auth) sign(timestamp, method, path, body string) (string, error) {
	secretBytes, err := decodeSecret(a.secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path + body
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// decodeSecret accepts either a base64 or hex-encoded API secret, matching
// whichever form the venue issued.
func decodeSecret(secret string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(secret); err == nil {
		return b, nil
	}
	if b, err := hex.DecodeString(secret); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("secret is neither valid base64 nor hex")
}
