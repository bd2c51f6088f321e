package app

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optraverse/interview/internal/eventlog"
	"github.com/optraverse/interview/internal/httpapi"
	"github.com/optraverse/interview/internal/llm"
	"github.com/optraverse/interview/internal/stt"
	"github.com/optraverse/interview/internal/tts"
)

type App struct {
	cfg       Config
	logger    *log.Logger
	db        *pgxpool.Pool // optional; event audit only
	eventLog  *eventlog.Logger
	generator *llm.GeminiClient
	sttClient stt.Client
	ttsClient tts.Client
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if len(cfg.GeminiAPIKeys) == 0 {
		return nil, errors.New("GEMINI_API_KEYS is required")
	}

	// The database is optional: without it the event audit trail is skipped
	// and everything else works.
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		db = pool
	} else {
		logger.Printf("app: DATABASE_URL not set, event audit disabled")
	}

	// Shared HTTP client with connection pooling for the whisper and
	// synthesis services. Keeps TCP connections alive across windows.
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	pool, err := llm.NewKeyPool(cfg.GeminiAPIKeys, cfg.KeyCooldown, cfg.ExponentialBackoff)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	// The key pool is shared across all sessions so cooldowns from one
	// interview protect the others.
	generator := llm.NewGeminiClient(llm.GeminiConfig{
		Pool:       pool,
		Model:      cfg.GeminiModel,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	sttClient := stt.NewWhisperClient(stt.WhisperConfig{
		BaseURL:    cfg.WhisperURL,
		Language:   cfg.WhisperLanguage,
		SampleRate: cfg.SampleRate,
		HTTPClient: httpClient,
	})
	ttsClient := tts.NewAvatarClient(tts.AvatarConfig{
		BaseURL:    cfg.SynthURL,
		Voice:      cfg.SynthVoice,
		HTTPClient: httpClient,
	})

	return &App{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		eventLog:  eventlog.New(db),
		generator: generator,
		sttClient: sttClient,
		ttsClient: ttsClient,
	}, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		ConfigTimeout:   a.cfg.ConfigTimeout,
		SentenceTimeout: a.cfg.SentenceTimeout,
		ExtendedTimeout: a.cfg.ExtendedTimeout,
		TickInterval:    a.cfg.TickInterval,
		ContextLimit:    a.cfg.ContextLimit,
		SampleRate:      a.cfg.SampleRate,
		SilenceRMS:      a.cfg.SilenceRMS,
		JWTSecret:       a.cfg.JWTSecret,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.generator, a.sttClient, a.ttsClient, a.eventLog)
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
