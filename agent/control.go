package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/custodia-app/custodia/pkg/health"
	"github.com/custodia-app/custodia/pkg/otc"
	"github.com/custodia-app/custodia/pkg/unlock"
)

// CodeClearSpool records a consumed code so the sync pass clears the
// server-side copy before it can be mirrored back.
type CodeClearSpool interface {
	SpoolCodeClear(ctx context.Context, flow otc.Flow, code string) error
}

// Control is the loopback HTTP surface the lock screen and the sign-out
// dialog talk to. It never leaves the device; it binds to localhost only.
type Control struct {
	verifier   *unlock.Verifier
	logoutCode *otc.Code
	lock       LockReader
	clears     CodeClearSpool
	checkFn    func() *health.HealthStatus
	attempts   *attemptLimiter
	notify     func()
	logger     zerolog.Logger
}

func NewControl(verifier *unlock.Verifier, logoutCode *otc.Code, lock LockReader, clears CodeClearSpool, checkFn func() *health.HealthStatus, logger zerolog.Logger) *Control {
	return &Control{
		verifier:   verifier,
		logoutCode: logoutCode,
		lock:       lock,
		clears:     clears,
		checkFn:    checkFn,
		attempts:   newAttemptLimiter(5, time.Minute),
		notify:     func() {},
		logger:     logger.With().Str("component", "control").Logger(),
	}
}

// WithNotify registers a callback fired after a consumed logout code, used
// to kick an immediate sync pass.
func (ctl *Control) WithNotify(fn func()) *Control {
	ctl.notify = fn
	return ctl
}

// attemptLimiter throttles code validation. Six digits are guessable;
// the window caps how fast anyone can try.
type attemptLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

func newAttemptLimiter(limit int, window time.Duration) *attemptLimiter {
	return &attemptLimiter{limit: limit, window: window}
}

func (l *attemptLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	kept := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.stamps = kept

	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, time.Now())
	return true
}

func (ctl *Control) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", ctl.handleStatus)
	r.GET("/health", ctl.handleHealth)
	r.POST("/unlock", ctl.handleUnlock)
	r.POST("/logout", ctl.handleLogout)
	return r
}

// Run serves the control surface until ctx ends.
func (ctl *Control) Run(ctx context.Context, listen string) error {
	srv := &http.Server{Addr: listen, Handler: ctl.Router()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		srv.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleStatus reports the lock snapshot plus whether a logout code is
// waiting and for how long, so the sign-out dialog knows what to show. The
// digits themselves never appear here.
func (ctl *Control) handleStatus(c *gin.Context) {
	resp := gin.H{"lock": ctl.lock.State()}
	if state, remaining, err := ctl.logoutCode.Active(c.Request.Context()); err == nil && state.Issued() {
		resp["logout_code_pending"] = true
		resp["logout_code_expires_in"] = int(remaining.Seconds())
	} else {
		resp["logout_code_pending"] = false
	}
	c.JSON(http.StatusOK, resp)
}

func (ctl *Control) handleHealth(c *gin.Context) {
	status := ctl.checkFn()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// handleUnlock validates an incident unlock code. Rejections carry a
// reason the lock screen shows verbatim.
func (ctl *Control) handleUnlock(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !ctl.attempts.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts"})
		return
	}

	err := ctl.verifier.Unlock(c.Request.Context(), req.Code)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": "unlocked"})
		return
	}

	var codeErr *otc.CodeError
	switch {
	case errors.Is(err, unlock.ErrBadFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &codeErr):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "reason": string(codeErr.Reason)})
	default:
		ctl.logger.Error().Err(err).Msg("Unlock attempt failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unlock failed"})
	}
}

// handleLogout validates a guardian-issued logout code before the device
// allows sign-out. The code is single-use and expires five minutes after
// issuance.
func (ctl *Control) handleLogout(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !otc.ValidFormat(req.Code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": unlock.ErrBadFormat.Error()})
		return
	}
	if !ctl.attempts.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts"})
		return
	}

	err := ctl.logoutCode.Validate(c.Request.Context(), req.Code)
	if err == nil {
		// The local pair is cleared; spool the server-side clear too, or
		// the next sync pass mirrors the consumed code back.
		if err := ctl.clears.SpoolCodeClear(c.Request.Context(), otc.FlowLogout, req.Code); err != nil {
			ctl.logger.Error().Err(err).Msg("Spooling code clear failed")
		}
		ctl.notify()
		ctl.logger.Info().Msg("Supervised logout approved")
		c.JSON(http.StatusOK, gin.H{"status": "logout_approved"})
		return
	}

	var codeErr *otc.CodeError
	if errors.As(err, &codeErr) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "reason": string(codeErr.Reason)})
		return
	}
	ctl.logger.Error().Err(err).Msg("Logout validation failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "logout validation failed"})
}
