package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/custodia-app/custodia/pkg/telemetry"
)

var (
	listen       = flag.String("listen", ":8443", "Listen address")
	dbPath       = flag.String("db", "custodia.db", "Database path")
	evidenceDir  = flag.String("evidence-dir", "evidence", "Evidence storage directory")
	logLevel     = flag.String("log-level", "info", "Log level (trace|debug|info|warn|error)")
	logJSON      = flag.Bool("log-json", false, "Emit JSON logs")
	otlpEndpoint = flag.String("otlp-endpoint", "", "OTLP trace collector endpoint")
	logSpans     = flag.Bool("log-spans", false, "Mirror spans into the log stream")

	Version = "dev"
)

type Server struct {
	db          *gorm.DB
	logger      zerolog.Logger
	nonceStore  *NonceStore
	rateLimiter *RateLimiter
	codeHasher  CodeHasher
	evidence    *EvidenceStore
	adminToken  string

	// Serializes link code issue/redeem so a code can never redeem twice.
	codesMu sync.Mutex
}

func main() {
	flag.Parse()

	logger := configureLogger(*logLevel, *logJSON)
	logger.Info().Str("version", Version).Msg("Custodia server starting")

	adminToken := os.Getenv("CUSTODIA_ADMIN_TOKEN")
	if adminToken == "" {
		logger.Fatal().Msg("CUSTODIA_ADMIN_TOKEN is required")
	}
	codeSalt := os.Getenv("CUSTODIA_CODE_SALT")
	if codeSalt == "" {
		logger.Fatal().Msg("CUSTODIA_CODE_SALT is required")
	}

	ctx := context.Background()
	provider, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "custodia-server",
		ServiceVersion: Version,
		Endpoint:       *otlpEndpoint,
		LogSpans:       *logSpans,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer provider.Shutdown(ctx)

	db, err := gorm.Open(sqlite.Open(*dbPath), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	if err := db.AutoMigrate(
		&SubjectState{}, &IncidentRecord{}, &LinkCode{},
		&FlowCode{}, &SubjectNonce{}, &EvidenceObject{},
	); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	evidence, err := NewEvidenceStore(*evidenceDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open evidence store")
	}

	srv := &Server{
		db:          db,
		logger:      logger,
		nonceStore:  NewNonceStore(db, time.Hour),
		rateLimiter: NewRateLimiter(),
		codeHasher:  NewCodeHasher([]byte(codeSalt)),
		evidence:    evidence,
		adminToken:  adminToken,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(withRequestContext(logger))

	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version})
	})
	srv.registerLinkRoutes(r)
	srv.registerIncidentRoutes(r)
	srv.registerAdminRoutes(r)

	logger.Info().Str("listen", *listen).Msg("Listening")
	if err := r.Run(*listen); err != nil {
		logger.Fatal().Err(err).Msg("Server exited")
	}
}

func configureLogger(level string, jsonOut bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if jsonOut {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
