package device

import (
	"context"
	"sync"
)

// Fakes used by pipeline tests across packages.

// FakeGrantor hands out in-memory grants or denies every request.
type FakeGrantor struct {
	Deny  bool
	Frame []byte
	Err   error

	mu       sync.Mutex
	requests int
}

func (f *FakeGrantor) RequestGrant(_ context.Context) (Grant, error) {
	f.mu.Lock()
	f.requests++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Deny {
		return nil, ErrGrantDenied
	}
	return &fakeGrant{frame: f.Frame}, nil
}

// Requests returns how many grants were asked for.
func (f *FakeGrantor) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

type fakeGrant struct {
	mu       sync.Mutex
	consumed bool
	frame    []byte
}

func (g *fakeGrant) CaptureFrame(_ context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.consumed {
		return nil, ErrGrantConsumed
	}
	g.consumed = true
	return g.frame, nil
}

// FakeLockSurface records presentations and can simulate displacement.
type FakeLockSurface struct {
	mu         sync.Mutex
	presented  []string
	dismissed  int
	foreground bool
}

func (f *FakeLockSurface) Present(_ context.Context, incidentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presented = append(f.presented, incidentID)
	f.foreground = true
	return nil
}

func (f *FakeLockSurface) IsForeground(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.foreground, nil
}

func (f *FakeLockSurface) Dismiss(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed++
	f.foreground = false
	return nil
}

// Displace simulates other OS activity pushing the surface off the top.
func (f *FakeLockSurface) Displace() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreground = false
}

// Presented returns the incident IDs presented so far.
func (f *FakeLockSurface) Presented() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.presented))
	copy(out, f.presented)
	return out
}

// Dismissed returns how many times the surface was dismissed.
func (f *FakeLockSurface) Dismissed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dismissed
}

// FakeTextSource replays a fixed list of fragments.
type FakeTextSource struct {
	Items []Fragment
}

func (f *FakeTextSource) Fragments(ctx context.Context) (<-chan Fragment, error) {
	out := make(chan Fragment)
	go func() {
		defer close(out)
		for _, frag := range f.Items {
			select {
			case out <- frag:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
