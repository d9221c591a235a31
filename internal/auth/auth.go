// Package auth provides credentials for the push endpoint: a bearer token,
// or an API key ID with RSA-PSS signed request headers.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Header names sent with signed requests.
const (
	HeaderAccessKey       = "X-ACCESS-KEY"
	HeaderAccessTimestamp = "X-ACCESS-TIMESTAMP"
	HeaderAccessSignature = "X-ACCESS-SIGNATURE"
)

// Credentials holds whatever the server accepts for the upgrade request.
// Token takes precedence; KeyID + PrivateKey produce signed headers.
type Credentials struct {
	Token      string          // Bearer token
	KeyID      string          // API key ID
	PrivateKey *rsa.PrivateKey // RSA private key for signing
}

// NewTokenCredentials returns bearer-token credentials.
func NewTokenCredentials(token string) (*Credentials, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	return &Credentials{Token: token}, nil
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, fmt.Errorf("API key ID is required")
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// PKCS#8 first, then PKCS#1
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// Header builds the headers for one upgrade request to path. Signatures embed
// the current time, so call it once per dial.
func (c *Credentials) Header(method, path string) (http.Header, error) {
	header := http.Header{}
	if c == nil {
		return header, nil
	}

	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
		return header, nil
	}

	if c.KeyID == "" {
		return header, nil
	}
	header.Set(HeaderAccessKey, c.KeyID)
	if c.PrivateKey == nil {
		return header, nil
	}

	timestampMs := time.Now().UnixMilli()
	signature, err := c.sign(timestampMs, method, path)
	if err != nil {
		return nil, err
	}
	header.Set(HeaderAccessTimestamp, fmt.Sprintf("%d", timestampMs))
	header.Set(HeaderAccessSignature, signature)

	return header, nil
}

// sign creates an RSA-PSS signature over timestamp_ms + method + path.
func (c *Credentials) sign(timestampMs int64, method, path string) (string, error) {
	message := fmt.Sprintf("%d%s%s", timestampMs, method, path)
	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

// Verify checks a signature produced by Header against the public half of key.
func Verify(pub *rsa.PublicKey, timestampMs, method, path, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	hashed := sha256.Sum256([]byte(timestampMs + method + path))
	return rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}
