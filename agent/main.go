package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"

	"github.com/custodia-app/custodia/pkg/auth"
	"github.com/custodia-app/custodia/pkg/capture"
	"github.com/custodia-app/custodia/pkg/config"
	"github.com/custodia-app/custodia/pkg/device"
	"github.com/custodia-app/custodia/pkg/health"
	"github.com/custodia-app/custodia/pkg/lexicon"
	"github.com/custodia-app/custodia/pkg/lockdown"
	"github.com/custodia-app/custodia/pkg/monitor"
	"github.com/custodia-app/custodia/pkg/otc"
	"github.com/custodia-app/custodia/pkg/remote"
	"github.com/custodia-app/custodia/pkg/state"
	"github.com/custodia-app/custodia/pkg/telemetry"
	"github.com/custodia-app/custodia/pkg/unlock"
)

var Version = "dev"

var (
	configPath string
	serverURL  string
	linkCode   string
)

func main() {
	root := &cobra.Command{
		Use:     "custodia-agent",
		Short:   "Supervised-device daemon running the detection-to-lockdown pipeline",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.Flags().StringVar(&configPath, "config", "/etc/custodia/agent.yaml", "Config file path")
	root.Flags().StringVar(&serverURL, "server", "", "Guardian server URL (overrides config)")
	root.Flags().StringVar(&linkCode, "link", "", "One-time device link code")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	configureAgentLogger()
	log.Info().Str("version", Version).Msg("Custodia agent starting")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if linkCode != "" {
		cfg.Server.LinkCode = linkCode
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	applyAgentLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "custodia-agent",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
		Logger:         log.Logger,
	})
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer provider.Shutdown(context.Background())

	store, err := state.Open(cfg.State.DBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	identity, err := loadOrLink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize identity: %w", err)
	}
	log.Info().Str("subject_id", identity.SubjectID).Str("device_name", identity.DeviceName).Msg("Device identity ready")

	client := remote.NewClient(cfg.Server.URL, time.Duration(cfg.Server.RequestTimeout)*time.Second, identity, log.Logger)
	retrier := remote.NewRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries, log.Logger)
	syncer := remote.NewSyncer(client, store, retrier, time.Duration(cfg.Server.SyncInterval)*time.Second, log.Logger)

	adapter := device.NewExecAdapter(cfg.Device, log.Logger)
	caps := adapter.Capabilities()
	availability := adapter.Probe(ctx)

	lex, err := lexicon.Load(cfg.Lexicon.Path)
	if err != nil {
		return fmt.Errorf("load lexicon: %w", err)
	}
	log.Info().Int("words", lex.Len()).Str("path", cfg.Lexicon.Path).Msg("Lexicon loaded")

	enforcer := lockdown.New(caps.Lock, store, log.Logger).
		WithInterval(time.Duration(cfg.Lockdown.ReassertIntervalMs) * time.Millisecond)

	sink := &evidenceSink{local: store, remote: client}
	coordinator := capture.New(caps.Capture, client, sink, enforcer, log.Logger).
		WithDelays(time.Duration(cfg.Capture.RenderDelayMs)*time.Millisecond,
			time.Duration(cfg.Capture.UploadTimeoutS)*time.Second)

	verifier := unlock.New(store, enforcer, client, log.Logger)
	mon := monitor.New(lex, identity.SubjectID, log.Logger)
	pipeline := NewPipeline(mon, store, coordinator, enforcer, log.Logger).
		WithNotify(func() { go syncer.Sync(ctx) })

	logoutCode := otc.New(store, otc.FlowLogout, otc.DefaultTTL)
	control := NewControl(verifier, logoutCode, enforcer, store, func() *health.HealthStatus {
		return health.Check(cfg.Server.URL, cfg.Health.TimeDriftMaxS, func() error {
			for name, avail := range adapter.Probe(context.Background()) {
				if avail != device.Available {
					return fmt.Errorf("%s is %s", name, avail)
				}
			}
			return nil
		})
	}, log.Logger).WithNotify(func() { go syncer.Sync(ctx) })

	if status := health.Check(cfg.Server.URL, cfg.Health.TimeDriftMaxS, nil); !status.Healthy {
		log.Warn().Interface("issues", status.Issues).Msg("Startup health check reported issues")
	}
	if availability["text_source"] != device.Available {
		log.Warn().Msg("Text bridge unavailable, detection will start once it comes up")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return enforcer.Run(ctx) })

	// Release any lock left bound to an incident that was already resolved
	// before the previous process died.
	g.Go(func() error {
		if err := verifier.Reconcile(ctx); err != nil {
			log.Error().Err(err).Msg("Lock reconciliation failed")
		}
		return nil
	})

	g.Go(func() error { return syncer.Run(ctx) })
	g.Go(func() error { return control.Run(ctx, cfg.Control.Listen) })
	g.Go(func() error { return runDetection(ctx, caps.Text, pipeline) })

	if cfg.Lexicon.Watch {
		g.Go(func() error { return lex.Watch(ctx, cfg.Lexicon.Path, log.Logger) })
	}

	err = g.Wait()
	coordinator.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("Custodia agent stopped")
	return nil
}

// runDetection keeps the fragment stream alive: if the text bridge drops
// or is not up yet, it reconnects with a flat delay.
func runDetection(ctx context.Context, source device.TextSource, pipeline *Pipeline) error {
	const reconnectDelay = 5 * time.Second
	for {
		fragments, err := source.Fragments(ctx)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("Text bridge connection failed")
		} else {
			if err := pipeline.Run(ctx, fragments); err != nil {
				return err
			}
			log.Warn().Msg("Text bridge stream ended, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// loadOrLink loads the stored identity or redeems a link code for a new
// one. A device with neither cannot run.
func loadOrLink(ctx context.Context, cfg *config.AgentConfig) (*auth.Identity, error) {
	identity, err := auth.LoadIdentity(cfg.Auth.KeyPath)
	if err == nil {
		return identity, nil
	}

	if cfg.Server.LinkCode == "" {
		return nil, fmt.Errorf("no stored identity and no link code provided")
	}

	log.Info().Msg("Linking device")
	identity, err = auth.GenerateIdentity()
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	identity.DeviceName = hostname

	client := remote.NewClient(cfg.Server.URL, time.Duration(cfg.Server.RequestTimeout)*time.Second, identity, log.Logger)
	resp, err := client.Link(ctx, cfg.Server.LinkCode, hostname, runtime.GOOS+"/"+runtime.GOARCH)
	if err != nil {
		return nil, fmt.Errorf("link redemption failed: %w", err)
	}

	identity.SubjectID = resp.SubjectID
	if err := identity.Save(cfg.Auth.KeyPath); err != nil {
		return nil, err
	}
	log.Info().Str("subject_id", identity.SubjectID).Msg("Device linked")
	return identity, nil
}

// evidenceSink records the uploaded evidence URL both locally and on the
// server, so the guardian view and the local incident agree.
type evidenceSink struct {
	local  *state.Store
	remote *remote.Client
}

func (s *evidenceSink) UpdateIncidentEvidence(ctx context.Context, incidentID, url string) error {
	if err := s.local.SetEvidenceURL(ctx, incidentID, url); err != nil {
		return err
	}
	return s.remote.UpdateIncidentEvidence(ctx, incidentID, url)
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("CUSTODIA_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv("CUSTODIA_AGENT_LOG_FORMAT")))

	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}
	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
