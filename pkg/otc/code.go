package otc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"
)

// Flow identifies an isolated code flow. Each flow owns its own stored
// (code, issuedAt) pair and never shares it with another flow.
type Flow string

// FlowLogout is the supervised sign-out approval flow, the only flow the
// device mirrors locally. Link codes are redeemed against the server in a
// single exchange and incident unlock codes live on their incident, so
// neither needs a stored flow here.
const FlowLogout Flow = "logout"

// DefaultTTL is how long link and logout codes stay valid after issuance.
const DefaultTTL = 5 * time.Minute

// NoExpiry disables the read-time expiry check. Incident unlock codes use
// this: the device stays locked until the code is consumed, so letting the
// code lapse would brick the device.
const NoExpiry time.Duration = 0

// CodeLength is the fixed display length of every code.
const CodeLength = 6

type Reason string

const (
	ReasonNotIssued Reason = "not_issued"
	ReasonExpired   Reason = "expired"
	ReasonMismatch  Reason = "mismatch"
)

// CodeError is the typed rejection returned by Validate. Callers surface
// the Reason to the user, never a raw string.
type CodeError struct {
	Reason Reason
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("code rejected: %s", e.Reason)
}

var (
	ErrNotIssued = &CodeError{Reason: ReasonNotIssued}
	ErrExpired   = &CodeError{Reason: ReasonExpired}
	ErrMismatch  = &CodeError{Reason: ReasonMismatch}
)

// State is a stored code pair. The zero value means no code is issued.
// Code and IssuedAt are always written and cleared together.
type State struct {
	Code     string    `json:"code,omitempty"`
	IssuedAt time.Time `json:"issued_at,omitempty"`
}

// Issued reports whether a code is currently set.
func (s State) Issued() bool {
	return s.Code != "" && !s.IssuedAt.IsZero()
}

// ExpiresIn returns the remaining validity under ttl, clamped at zero.
// With NoExpiry the second return is false and the duration meaningless.
func (s State) ExpiresIn(ttl time.Duration, now time.Time) (time.Duration, bool) {
	if ttl == NoExpiry || !s.Issued() {
		return 0, false
	}
	remaining := s.IssuedAt.Add(ttl).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Store persists one State per flow. Put must replace both fields as a
// unit; Clear must remove both.
type Store interface {
	GetCode(ctx context.Context, flow Flow) (State, error)
	PutCode(ctx context.Context, flow Flow, state State) error
	ClearCode(ctx context.Context, flow Flow) error
}

// Generate returns a uniformly random 6-digit ASCII code.
func Generate() (string, error) {
	// Rejection sampling keeps the distribution uniform over 000000-999999.
	const bound = 1000000
	const limit = (1<<32 / bound) * bound
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v >= limit {
			continue
		}
		return fmt.Sprintf("%06d", v%bound), nil
	}
}

// ValidFormat reports whether raw is exactly six ASCII digits. Input that
// fails this check is rejected locally before any stored state is touched.
func ValidFormat(raw string) bool {
	if len(raw) != CodeLength {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return false
		}
	}
	return true
}

// Check validates candidate against a stored state under the given expiry
// policy. Expiry is evaluated here, at validation time, from wall-clock
// difference; there is no background sweep. Check does not mutate state;
// a caller that gets a nil error must clear the stored pair itself so the
// code cannot be replayed.
func Check(state State, candidate string, ttl time.Duration, now time.Time) error {
	if !state.Issued() {
		return ErrNotIssued
	}
	if ttl != NoExpiry && now.Sub(state.IssuedAt) > ttl {
		return ErrExpired
	}
	if subtle.ConstantTimeCompare([]byte(state.Code), []byte(candidate)) != 1 {
		return ErrMismatch
	}
	return nil
}

// Code binds one flow's stored state to an expiry policy.
type Code struct {
	store Store
	flow  Flow
	ttl   time.Duration
	now   func() time.Time
}

// New returns a Code for the given flow. ttl of NoExpiry disables expiry.
func New(store Store, flow Flow, ttl time.Duration) *Code {
	return &Code{store: store, flow: flow, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (c *Code) WithClock(now func() time.Time) *Code {
	c.now = now
	return c
}

// Issue generates a fresh code and overwrites any prior pair. A prior
// code, expired or not, is silently superseded.
func (c *Code) Issue(ctx context.Context) (string, error) {
	code, err := Generate()
	if err != nil {
		return "", err
	}
	state := State{Code: code, IssuedAt: c.now()}
	if err := c.store.PutCode(ctx, c.flow, state); err != nil {
		return "", err
	}
	return code, nil
}

// Validate checks candidate against the stored code and, on success,
// clears the pair so the code is single-use.
func (c *Code) Validate(ctx context.Context, candidate string) error {
	state, err := c.store.GetCode(ctx, c.flow)
	if err != nil {
		return err
	}
	if err := Check(state, candidate, c.ttl, c.now()); err != nil {
		return err
	}
	return c.store.ClearCode(ctx, c.flow)
}

// Active reports whether a code is issued and its remaining TTL.
func (c *Code) Active(ctx context.Context) (State, time.Duration, error) {
	state, err := c.store.GetCode(ctx, c.flow)
	if err != nil {
		return State{}, 0, err
	}
	if !state.Issued() {
		return State{}, 0, nil
	}
	remaining, bounded := state.ExpiresIn(c.ttl, c.now())
	if bounded && remaining == 0 {
		// Expired at read time; report as inactive without mutating storage.
		return State{}, 0, nil
	}
	return state, remaining, nil
}
