package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is the monitored device's keypair plus the subject binding it
// received when the guardian linked it.
type Identity struct {
	SubjectID  string             `json:"subject_id"`
	DeviceName string             `json:"device_name"`
	PublicKey  ed25519.PublicKey  `json:"-"`
	PrivateKey ed25519.PrivateKey `json:"-"`
}

// LinkRequest redeems a guardian-issued one-time link code and registers
// the device's public key.
type LinkRequest struct {
	Code         string `json:"code"`
	DeviceName   string `json:"device_name"`
	PublicKeyB64 string `json:"public_key"`
	OSInfo       string `json:"os_info"`
}

// LinkResponse carries the subject binding back to the device.
type LinkResponse struct {
	SubjectID     string `json:"subject_id"`
	ServerVersion string `json:"server_version"`
}

// GenerateIdentity creates a fresh Ed25519 keypair with no subject bound.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// Save writes the identity to disk with 0600 permissions.
func (i *Identity) Save(path string) error {
	data := map[string]string{
		"subject_id":  i.SubjectID,
		"device_name": i.DeviceName,
		"public_key":  base64.StdEncoding.EncodeToString(i.PublicKey),
		"private_key": base64.StdEncoding.EncodeToString(i.PrivateKey),
	}
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, jsonData, 0o600)
}

// LoadIdentity reads an identity previously written by Save.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	pubBytes, err := base64.StdEncoding.DecodeString(stored["public_key"])
	if err != nil {
		return nil, err
	}
	privBytes, err := base64.StdEncoding.DecodeString(stored["private_key"])
	if err != nil {
		return nil, err
	}
	if len(pubBytes) != ed25519.PublicKeySize || len(privBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("corrupt identity file %s", path)
	}
	return &Identity{
		SubjectID:  stored["subject_id"],
		DeviceName: stored["device_name"],
		PublicKey:  ed25519.PublicKey(pubBytes),
		PrivateKey: ed25519.PrivateKey(privBytes),
	}, nil
}

// Sign signs message with the device's private key.
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.PrivateKey, message)
}

// PublicKeyB64 returns the base64 public key for link requests.
func (i *Identity) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(i.PublicKey)
}
