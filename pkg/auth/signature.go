package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Request headers carrying the signature envelope.
const (
	HeaderSubjectID = "X-Custodia-Subject-ID"
	HeaderSignature = "X-Custodia-Signature"
	HeaderTimestamp = "X-Custodia-Timestamp"
	HeaderNonce     = "X-Custodia-Nonce"
)

// MaxRequestAge is how stale a signed request may be before the server
// rejects it.
const MaxRequestAge = 5 * time.Minute

// SignedRequest is a request body with its signature envelope.
type SignedRequest struct {
	Body      []byte
	Timestamp time.Time
	Nonce     string
	Signature string
}

// CreateSignedRequest signs body with the device identity.
func CreateSignedRequest(identity *Identity, body []byte) *SignedRequest {
	timestamp := time.Now()
	nonce := generateNonce()
	signature := identity.Sign(buildMessage(timestamp, nonce, body))
	return &SignedRequest{
		Body:      body,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(signature),
	}
}

// VerifySignedRequest checks freshness and the Ed25519 signature.
func VerifySignedRequest(publicKey ed25519.PublicKey, req *SignedRequest, maxAge time.Duration) error {
	age := time.Since(req.Timestamp)
	if age > maxAge {
		return fmt.Errorf("request too old: %v", age)
	}
	if age < -time.Minute {
		return fmt.Errorf("request from future: clock skew detected")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(publicKey, buildMessage(req.Timestamp, req.Nonce, req.Body), sigBytes) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Message format: timestamp|nonce|body.
func buildMessage(timestamp time.Time, nonce string, body []byte) []byte {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	return []byte(strings.Join([]string{ts, nonce, string(body)}, "|"))
}

func generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
