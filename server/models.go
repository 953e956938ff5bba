package main

import "time"

// SubjectState binds a supervised subject to the device key registered at
// link time. One linked device per subject; relinking replaces the key.
type SubjectState struct {
	ID         uint   `gorm:"primaryKey"`
	SubjectID  string `gorm:"uniqueIndex"`
	Name       string
	DeviceName string
	OSInfo     string
	PublicKey  []byte
	LinkedAt   time.Time
	LastSeen   time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IncidentRecord mirrors the agent's incident. The unlock code is stored in
// the clear so the guardian can read it out; it never expires and is
// cleared on resolution.
type IncidentRecord struct {
	ID           uint   `gorm:"primaryKey"`
	IncidentID   string `gorm:"uniqueIndex"`
	SubjectID    string `gorm:"index"`
	MatchedWord  string
	MatchedText  string `gorm:"type:text"`
	Category     string
	SourceApp    string
	EvidenceURL  string
	UnlockCode   string
	CodeIssuedAt time.Time
	Resolved     bool `gorm:"index"`
	ResolvedAt   *time.Time
	OccurredAt   time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LinkCode is a guardian-issued single-use device link code, hashed at
// rest. A used or expired code never redeems again.
type LinkCode struct {
	ID         uint   `gorm:"primaryKey"`
	SubjectID  string `gorm:"index"`
	CodeHash   string `gorm:"uniqueIndex"`
	ExpiresAt  time.Time
	UsedAt     *time.Time
	RedeemedBy string
	CreatedAt  time.Time
}

// FlowCode is a guardian-issued code the device mirrors locally, one row
// per subject and flow. Stored in the clear: the device needs the digits
// to validate offline.
type FlowCode struct {
	ID        uint   `gorm:"primaryKey"`
	SubjectID string `gorm:"uniqueIndex:subject_flow"`
	Flow      string `gorm:"uniqueIndex:subject_flow"`
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubjectNonce tracks recently seen request nonces for replay detection.
type SubjectNonce struct {
	ID        uint      `gorm:"primaryKey"`
	SubjectID string    `gorm:"uniqueIndex:subject_nonce"`
	Nonce     string    `gorm:"uniqueIndex:subject_nonce"`
	SeenAt    time.Time `gorm:"index"`
}

// EvidenceObject records a stored frame. Path is content-addressed; the
// row is written only after the bytes are durably renamed into place.
type EvidenceObject struct {
	ID         uint   `gorm:"primaryKey"`
	IncidentID string `gorm:"uniqueIndex"`
	SubjectID  string `gorm:"index"`
	SHA256     string
	Size       int64
	Path       string
	CreatedAt  time.Time
}
