package device

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ExecConfig names the host commands and the text-bridge socket backing
// the exec adapter. Commands run through the shell so adapters can be
// swapped per desktop environment without a rebuild.
type ExecConfig struct {
	TextSocket        string `yaml:"text_socket"`
	CaptureCmd        string `yaml:"capture_cmd"`
	LockPresentCmd    string `yaml:"lock_present_cmd"`
	LockForegroundCmd string `yaml:"lock_foreground_cmd"`
	LockDismissCmd    string `yaml:"lock_dismiss_cmd"`
}

// ExecAdapter implements the capability interfaces by shelling out, the
// same way the health checks probe host services.
type ExecAdapter struct {
	cfg    ExecConfig
	logger zerolog.Logger
}

func NewExecAdapter(cfg ExecConfig, logger zerolog.Logger) *ExecAdapter {
	return &ExecAdapter{cfg: cfg, logger: logger.With().Str("component", "device").Logger()}
}

// Capabilities returns the adapter wired for all three capability slots.
func (a *ExecAdapter) Capabilities() Capabilities {
	return Capabilities{Text: a, Capture: a, Lock: a}
}

// Probe reports the availability of each capability on this host. A
// missing command or socket is Unavailable; a command that runs but exits
// non-zero on its probe invocation is Denied.
func (a *ExecAdapter) Probe(ctx context.Context) map[string]Availability {
	report := map[string]Availability{
		"text_source":  a.probeSocket(),
		"capture":      a.probeCommand(ctx, a.cfg.CaptureCmd),
		"lock_surface": a.probeCommand(ctx, a.cfg.LockPresentCmd),
	}
	for name, avail := range report {
		a.logger.Info().Str("capability", name).Str("availability", string(avail)).Msg("Capability probed")
	}
	return report
}

func (a *ExecAdapter) probeSocket() Availability {
	if a.cfg.TextSocket == "" {
		return Unavailable
	}
	conn, err := net.DialTimeout("unix", a.cfg.TextSocket, 2*time.Second)
	if err != nil {
		return Unavailable
	}
	conn.Close()
	return Available
}

func (a *ExecAdapter) probeCommand(ctx context.Context, command string) Availability {
	if command == "" {
		return Unavailable
	}
	name := strings.Fields(command)[0]
	if _, err := exec.LookPath(name); err != nil {
		return Unavailable
	}
	return Available
}

// Fragments connects to the accessibility text bridge and streams
// newline-delimited JSON fragments until ctx is cancelled or the bridge
// closes the socket.
func (a *ExecAdapter) Fragments(ctx context.Context) (<-chan Fragment, error) {
	if a.cfg.TextSocket == "" {
		return nil, fmt.Errorf("no text socket configured")
	}
	conn, err := net.Dial("unix", a.cfg.TextSocket)
	if err != nil {
		return nil, fmt.Errorf("text bridge unreachable: %w", err)
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer conn.Close()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			var frag struct {
				Text      string `json:"text"`
				SourceApp string `json:"source_app"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &frag); err != nil {
				a.logger.Warn().Err(err).Msg("Malformed text fragment skipped")
				continue
			}
			select {
			case out <- Fragment{Text: frag.Text, SourceApp: frag.SourceApp}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("Text bridge stream ended")
		}
	}()

	return out, nil
}

// execGrant is a one-time capture authorization over the capture command.
type execGrant struct {
	mu       sync.Mutex
	consumed bool
	command  string
}

// RequestGrant asks the environment for a one-time capture grant. The
// capture command's availability stands in for the platform consent
// prompt: a missing or non-runnable command is a denial.
func (a *ExecAdapter) RequestGrant(ctx context.Context) (Grant, error) {
	if a.cfg.CaptureCmd == "" {
		return nil, ErrGrantDenied
	}
	name := strings.Fields(a.cfg.CaptureCmd)[0]
	if _, err := exec.LookPath(name); err != nil {
		return nil, ErrGrantDenied
	}
	return &execGrant{command: a.cfg.CaptureCmd}, nil
}

// CaptureFrame runs the capture command once and returns its stdout as
// the encoded frame. A second call fails with ErrGrantConsumed.
func (g *execGrant) CaptureFrame(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	if g.consumed {
		g.mu.Unlock()
		return nil, ErrGrantConsumed
	}
	g.consumed = true
	g.mu.Unlock()

	out, err := runShell(ctx, g.command)
	if err != nil {
		return nil, fmt.Errorf("capture command failed: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("capture command produced no frame")
	}
	return out, nil
}

func (a *ExecAdapter) Present(ctx context.Context, incidentID string) error {
	if a.cfg.LockPresentCmd == "" {
		return fmt.Errorf("no lock present command configured")
	}
	cmd := strings.ReplaceAll(a.cfg.LockPresentCmd, "{incident}", incidentID)
	if _, err := runShell(ctx, cmd); err != nil {
		return fmt.Errorf("lock surface present failed: %w", err)
	}
	return nil
}

// IsForeground treats a zero exit from the foreground-check command as
// "still topmost" and a non-zero exit as displaced.
func (a *ExecAdapter) IsForeground(ctx context.Context) (bool, error) {
	if a.cfg.LockForegroundCmd == "" {
		return false, fmt.Errorf("no lock foreground command configured")
	}
	if _, err := runShell(ctx, a.cfg.LockForegroundCmd); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *ExecAdapter) Dismiss(ctx context.Context) error {
	if a.cfg.LockDismissCmd == "" {
		return nil
	}
	if _, err := runShell(ctx, a.cfg.LockDismissCmd); err != nil {
		return fmt.Errorf("lock surface dismiss failed: %w", err)
	}
	return nil
}

func runShell(ctx context.Context, command string) ([]byte, error) {
	return exec.CommandContext(ctx, "sh", "-c", command).Output()
}
