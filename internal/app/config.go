package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	SentryDSN   string
	LogLevel    string

	// Gemini key pool
	GeminiAPIKeys      []string
	GeminiModel        string
	KeyCooldown        time.Duration
	ExponentialBackoff bool

	// Speech services
	WhisperURL      string
	WhisperLanguage string
	SynthURL        string
	SynthVoice      string

	// Session behavior
	ConfigTimeout   time.Duration
	SentenceTimeout time.Duration
	ExtendedTimeout time.Duration
	TickInterval    time.Duration
	ContextLimit    int
	SampleRate      int
	SilenceRMS      float64

	// JWT Authentication (optional; websocket is open when unset)
	JWTSecret string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SentryDSN:   getenv("SENTRY_DSN", ""),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		// Gemini key pool
		GeminiAPIKeys:      parseKeyList(os.Getenv("GEMINI_API_KEYS")),
		GeminiModel:        getenv("GEMINI_MODEL", "gemini-2.5-flash-lite"),
		KeyCooldown:        getenvDuration("GEMINI_KEY_COOLDOWN", 60*time.Second),
		ExponentialBackoff: getenvBool("GEMINI_EXPONENTIAL_BACKOFF", true),

		// Speech services
		WhisperURL:      getenv("WHISPER_URL", "http://localhost:9000"),
		WhisperLanguage: getenv("WHISPER_LANGUAGE", "en"),
		SynthURL:        getenv("SYNTH_URL", "http://localhost:9100"),
		SynthVoice:      getenv("SYNTH_VOICE", "David"),

		// Session behavior
		ConfigTimeout:   getenvDuration("CONFIG_TIMEOUT", 15*time.Second),
		SentenceTimeout: getenvDuration("SENTENCE_TIMEOUT", 6*time.Second),
		ExtendedTimeout: getenvDuration("EXTENDED_TIMEOUT", 12*time.Second),
		TickInterval:    getenvDuration("COMPLETION_TICK", 500*time.Millisecond),
		ContextLimit:    getenvIntClamped("CONTEXT_LIMIT", 20, 1, 100),
		SampleRate:      getenvIntClamped("SAMPLE_RATE", 16000, 8000, 48000),
		SilenceRMS:      getenvFloatClamped("SILENCE_RMS", 0.01, 0.0001, 0.5),

		// JWT Authentication
		JWTSecret: os.Getenv("JWT_SECRET"),
	}
}

// parseKeyList splits a comma-separated key list, dropping empties.
func parseKeyList(s string) []string {
	if s == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}

func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
