// Package device models the host-dependent capabilities the pipeline
// needs: observing on-screen text, one-shot screen capture, and the lock
// surface. Each capability is an interface with a platform adapter behind
// it; the pipeline itself never touches a platform API.
package device

import (
	"context"
	"errors"
)

// Availability is the probed state of a capability on this host.
type Availability string

const (
	Available   Availability = "available"
	Denied      Availability = "denied"
	Unavailable Availability = "unavailable"
)

var (
	// ErrGrantDenied means the operating environment refused the capture
	// grant. This is a normal, recoverable outcome: the pipeline proceeds
	// without evidence.
	ErrGrantDenied = errors.New("capture grant denied")

	// ErrGrantConsumed means a one-time grant was used twice.
	ErrGrantConsumed = errors.New("capture grant already consumed")
)

// Fragment is one piece of observed on-screen text.
type Fragment struct {
	Text      string
	SourceApp string
}

// TextSource streams observed text fragments. The channel closes when the
// source ends or ctx is cancelled.
type TextSource interface {
	Fragments(ctx context.Context) (<-chan Fragment, error)
}

// Grant is a consumable screen-capture authorization. CaptureFrame may be
// called exactly once; further calls return ErrGrantConsumed.
type Grant interface {
	CaptureFrame(ctx context.Context) ([]byte, error)
}

// CaptureGrantor hands out one-time capture grants. A denial is reported
// as ErrGrantDenied, not as a grant that later fails.
type CaptureGrantor interface {
	RequestGrant(ctx context.Context) (Grant, error)
}

// LockSurface is the user-inescapable lock screen. Present is idempotent;
// IsForeground reports whether the surface is still topmost, because other
// OS activity can displace it.
type LockSurface interface {
	Present(ctx context.Context, incidentID string) error
	IsForeground(ctx context.Context) (bool, error)
	Dismiss(ctx context.Context) error
}

// Capabilities bundles the adapters the agent wires at startup.
type Capabilities struct {
	Text    TextSource
	Capture CaptureGrantor
	Lock    LockSurface
}
