package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// CodeHasher derives deterministic, salted hashes for link codes at rest.
type CodeHasher struct {
	salt []byte
}

// NewCodeHasher constructs a hasher with the provided salt bytes.
func NewCodeHasher(salt []byte) CodeHasher {
	return CodeHasher{salt: append([]byte(nil), salt...)}
}

// HashString hashes the given code using HMAC-SHA256 and returns a base64 string.
func (h CodeHasher) HashString(code string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(code))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
