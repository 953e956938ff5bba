package capture

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodia-app/custodia/pkg/device"
	"github.com/custodia-app/custodia/pkg/incident"
)

const (
	// DefaultRenderDelay gives the underlying surface time to finish
	// rendering before the single frame is grabbed.
	DefaultRenderDelay = 500 * time.Millisecond

	// DefaultUploadTimeout bounds the background upload. A timed-out
	// upload is abandoned, not retried.
	DefaultUploadTimeout = 30 * time.Second
)

// Uploader is the opaque transport moving evidence bytes to the remote
// store. Fire-and-forget from the pipeline's perspective.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
}

// Locker is the lockdown trigger the coordinator signals in its final
// step, evidence or no evidence.
type Locker interface {
	Arm(ctx context.Context, incidentID string) error
}

// EvidenceSink records the uploaded evidence URL against the incident.
type EvidenceSink interface {
	UpdateIncidentEvidence(ctx context.Context, incidentID, url string) error
}

// Coordinator orchestrates one-time-grant screen capture and asynchronous
// evidence upload for an incident, then signals lockdown. Capture is
// best-effort: every grant, capture, and upload failure is absorbed here
// and the user experience is identical with or without evidence.
type Coordinator struct {
	grantor       device.CaptureGrantor
	uploader      Uploader
	sink          EvidenceSink
	locker        Locker
	renderDelay   time.Duration
	uploadTimeout time.Duration
	logger        zerolog.Logger

	uploads sync.WaitGroup
}

func New(grantor device.CaptureGrantor, uploader Uploader, sink EvidenceSink, locker Locker, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		grantor:       grantor,
		uploader:      uploader,
		sink:          sink,
		locker:        locker,
		renderDelay:   DefaultRenderDelay,
		uploadTimeout: DefaultUploadTimeout,
		logger:        logger.With().Str("component", "capture").Logger(),
	}
}

// WithDelays overrides the render delay and upload timeout, for tests.
func (c *Coordinator) WithDelays(renderDelay, uploadTimeout time.Duration) *Coordinator {
	c.renderDelay = renderDelay
	c.uploadTimeout = uploadTimeout
	return c
}

// Capture runs the evidence flow for inc and signals lockdown. Only the
// lock signal can fail the call; the device must lock whether or not a
// frame was captured. The upload, if any, continues in the background and
// may outlive the call.
func (c *Coordinator) Capture(ctx context.Context, inc *incident.Incident) error {
	logger := c.logger.With().Str("incident_id", inc.ID).Logger()

	frame := c.captureFrame(ctx, logger)
	if frame != nil {
		c.uploads.Add(1)
		go c.upload(inc.ID, frame, logger)
	}

	// Mandatory, regardless of evidence outcome.
	return c.locker.Arm(ctx, inc.ID)
}

// captureFrame acquires a fresh one-time grant and takes a single frame.
// Returns nil on any failure; denial and error are equally silent.
func (c *Coordinator) captureFrame(ctx context.Context, logger zerolog.Logger) []byte {
	grant, err := c.grantor.RequestGrant(ctx)
	if err != nil {
		// Recoverable and silent; a denied grant is never retried for
		// the same incident.
		logger.Info().Err(err).Msg("Proceeding without evidence")
		return nil
	}

	select {
	case <-time.After(c.renderDelay):
	case <-ctx.Done():
		return nil
	}

	frame, err := grant.CaptureFrame(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Frame capture failed, proceeding without evidence")
		return nil
	}
	return frame
}

// upload pushes the frame keyed by incident ID and records the resulting
// URL. Failures are logged and never retried or surfaced.
func (c *Coordinator) upload(incidentID string, frame []byte, logger zerolog.Logger) {
	defer c.uploads.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.uploadTimeout)
	defer cancel()

	url, err := c.uploader.Upload(ctx, incidentID, frame)
	if err != nil {
		logger.Warn().Err(err).Int("bytes", len(frame)).Msg("Evidence upload failed")
		return
	}
	if err := c.sink.UpdateIncidentEvidence(ctx, incidentID, url); err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("Recording evidence URL failed")
		return
	}
	logger.Info().Str("url", url).Int("bytes", len(frame)).Msg("Evidence uploaded")
}

// Wait blocks until in-flight uploads finish, for orderly shutdown and
// tests. Uploads cut short by process death are abandoned.
func (c *Coordinator) Wait() {
	c.uploads.Wait()
}
