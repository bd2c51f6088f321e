package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/optraverse/interview/internal/eventlog"
	"github.com/optraverse/interview/internal/llm"
	"github.com/optraverse/interview/internal/stt"
	"github.com/optraverse/interview/internal/tts"
)

type RouterConfig struct {
	// Session behavior
	ConfigTimeout   time.Duration // handshake wait for the interview config, default 15s
	SentenceTimeout time.Duration
	ExtendedTimeout time.Duration
	TickInterval    time.Duration
	ContextLimit    int
	SampleRate      int
	SilenceRMS      float64

	// JWT Authentication (optional; sessions are open when unset)
	JWTSecret string
}

type Router struct {
	cfg       RouterConfig
	logger    *log.Logger
	generator llm.Generator
	sttClient stt.Client
	ttsClient tts.Client
	eventLog  *eventlog.Logger
	mux       *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, generator llm.Generator, sttClient stt.Client, ttsClient tts.Client, eventLog *eventlog.Logger) http.Handler {
	if cfg.ConfigTimeout == 0 {
		cfg.ConfigTimeout = 15 * time.Second
	}

	r := &Router{
		cfg:       cfg,
		logger:    logger,
		generator: generator,
		sttClient: sttClient,
		ttsClient: ttsClient,
		eventLog:  eventLog,
		mux:       http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)

	// Interview websocket (optionally JWT protected)
	r.mux.HandleFunc("GET /interview", r.handleInterviewWS)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
