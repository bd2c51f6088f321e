package httpapi

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/optraverse/interview/internal/eventlog"
	"github.com/optraverse/interview/internal/llm"
	"github.com/optraverse/interview/internal/stt"
	"github.com/optraverse/interview/internal/tts"
)

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.reply, nil
}

func (f *fakeGenerator) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeSTTClient struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (f *fakeSTTClient) Transcribe(_ context.Context, _ []float32) (stt.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return stt.Result{Text: f.text, Confidence: 0.95}, nil
}

func (f *fakeSTTClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTTSClient struct{}

func (fakeTTSClient) Synthesize(_ context.Context, text string) (*tts.SpeechPayload, error) {
	return &tts.SpeechPayload{
		Text:             text,
		Audio:            "UklGRg==",
		Lipsync:          json.RawMessage(`{"mouthCues":[]}`),
		FacialExpression: "smile",
		Animation:        "Talking",
	}, nil
}

type testBackend struct {
	generator *fakeGenerator
	sttClient *fakeSTTClient
}

// newTestServer runs the router with compressed timings: tiny sample rate so
// a full audio window is 10 samples, fast ticks, short silence timeouts.
func newTestServer(t *testing.T, mutate func(*RouterConfig), backend *testBackend) *httptest.Server {
	t.Helper()
	if backend.generator == nil {
		backend.generator = &fakeGenerator{reply: "What is your experience with Go?"}
	}
	if backend.sttClient == nil {
		backend.sttClient = &fakeSTTClient{text: "I worked on payments."}
	}

	cfg := RouterConfig{
		ConfigTimeout:   2 * time.Second,
		SentenceTimeout: 100 * time.Millisecond,
		ExtendedTimeout: 300 * time.Millisecond,
		TickInterval:    10 * time.Millisecond,
		SampleRate:      2,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := log.New(io.Discard, "", 0)
	handler := NewRouter(cfg, logger, backend.generator, backend.sttClient, fakeTTSClient{}, eventlog.New(nil))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/interview" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSONFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("read frame: %v", err)
	}
}

// audioFrame encodes constant-amplitude little-endian float32 PCM.
func audioFrame(value float32, samples int) []byte {
	buf := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(value))
	}
	return buf
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil, &testBackend{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
}

func TestConfigHandshakeAck(t *testing.T) {
	srv := newTestServer(t, nil, &testBackend{})
	conn := dialWS(t, srv, "")

	config := `{"title": "Backend Engineer", "difficulty": "hard", "interview_type": "technical"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(config)); err != nil {
		t.Fatal(err)
	}

	var ack configAck
	readJSONFrame(t, conn, &ack)
	if ack.Status != "config_received" {
		t.Errorf("ack status = %q, want config_received", ack.Status)
	}
	if !strings.Contains(ack.Message, "configuration loaded") {
		t.Errorf("ack message = %q", ack.Message)
	}
}

func TestConfigTimeoutFallsBackToDefaults(t *testing.T) {
	srv := newTestServer(t, func(cfg *RouterConfig) {
		cfg.ConfigTimeout = 50 * time.Millisecond
	}, &testBackend{})
	conn := dialWS(t, srv, "")

	var ack configAck
	readJSONFrame(t, conn, &ack)
	if ack.Status != "config_timeout" {
		t.Errorf("ack status = %q, want config_timeout", ack.Status)
	}

	// The session survives the timeout: end_session still answers.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"end_session"}`)); err != nil {
		t.Fatal(err)
	}
	var ended sessionEndedFrame
	readJSONFrame(t, conn, &ended)
	if ended.Status != "session_ended" {
		t.Errorf("status = %q, want session_ended", ended.Status)
	}
}

func TestMalformedConfigAck(t *testing.T) {
	srv := newTestServer(t, nil, &testBackend{})
	conn := dialWS(t, srv, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"title": `)); err != nil {
		t.Fatal(err)
	}

	var ack configAck
	readJSONFrame(t, conn, &ack)
	if ack.Status != "error" {
		t.Errorf("ack status = %q, want error", ack.Status)
	}
	if !strings.Contains(ack.Message, "Using defaults") {
		t.Errorf("ack message = %q", ack.Message)
	}
}

func TestEndSessionReturnsHistory(t *testing.T) {
	srv := newTestServer(t, nil, &testBackend{})
	conn := dialWS(t, srv, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	var ack configAck
	readJSONFrame(t, conn, &ack)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"end_session"}`)); err != nil {
		t.Fatal(err)
	}
	var ended sessionEndedFrame
	readJSONFrame(t, conn, &ended)
	if ended.Status != "session_ended" {
		t.Errorf("status = %q, want session_ended", ended.Status)
	}
	if len(ended.ConversationHistory) != 0 {
		t.Errorf("history = %v, want empty", ended.ConversationHistory)
	}
}

func TestEndSessionMidUtterance(t *testing.T) {
	// Silence timeouts pushed out of reach: the transcribed fragment has no
	// terminal punctuation, so no completion trigger ever fires and the
	// utterance stays in flight.
	backend := &testBackend{
		sttClient: &fakeSTTClient{text: "and then the deployment"},
	}
	srv := newTestServer(t, func(cfg *RouterConfig) {
		cfg.SentenceTimeout = time.Hour
		cfg.ExtendedTimeout = 2 * time.Hour
	}, backend)
	conn := dialWS(t, srv, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	var ack configAck
	readJSONFrame(t, conn, &ack)

	if err := conn.WriteMessage(websocket.BinaryMessage, audioFrame(0.5, 10)); err != nil {
		t.Fatal(err)
	}

	// Wait until the window has actually been transcribed and handed over.
	deadline := time.Now().Add(2 * time.Second)
	for backend.sttClient.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if backend.sttClient.callCount() == 0 {
		t.Fatal("audio window never reached the transcriber")
	}
	time.Sleep(100 * time.Millisecond)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"end_session"}`)); err != nil {
		t.Fatal(err)
	}
	var ended sessionEndedFrame
	readJSONFrame(t, conn, &ended)
	if ended.Status != "session_ended" {
		t.Errorf("status = %q, want session_ended", ended.Status)
	}
	// Only completed exchanges belong in the summary; the in-flight fragment
	// never became one and the model was never consulted.
	if len(ended.ConversationHistory) != 0 {
		t.Errorf("history = %v, want empty", ended.ConversationHistory)
	}
	if n := backend.generator.callCount(); n != 0 {
		t.Errorf("generator called %d times for an unfinished utterance", n)
	}
}

func TestFullExchange(t *testing.T) {
	backend := &testBackend{
		generator: &fakeGenerator{reply: "How would you scale that system?"},
		sttClient: &fakeSTTClient{text: "I built the ingestion service."},
	}
	srv := newTestServer(t, nil, backend)
	conn := dialWS(t, srv, "")

	config := `{"title": "Backend Engineer", "recruiter": "Dana", "difficulty": "hard", "interview_type": "technical"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(config)); err != nil {
		t.Fatal(err)
	}
	var ack configAck
	readJSONFrame(t, conn, &ack)
	if ack.Status != "config_received" {
		t.Fatalf("ack status = %q", ack.Status)
	}

	// One full window at SampleRate=2, WindowSeconds=5.
	if err := conn.WriteMessage(websocket.BinaryMessage, audioFrame(0.5, 10)); err != nil {
		t.Fatal(err)
	}

	var frame replyFrame
	readJSONFrame(t, conn, &frame)
	if frame.Transcription != "I built the ingestion service." {
		t.Errorf("transcription = %q", frame.Transcription)
	}
	if frame.Response == nil {
		t.Fatal("reply frame missing response payload")
	}
	if frame.Response.Text != "How would you scale that system?" {
		t.Errorf("response text = %q", frame.Response.Text)
	}
	if frame.Response.Audio == "" || frame.Response.Animation != "Talking" {
		t.Errorf("response payload incomplete: %+v", frame.Response)
	}

	prompt := backend.generator.lastPrompt()
	if !strings.Contains(prompt, "HARD TECHNICAL") {
		t.Errorf("prompt missing difficulty/type header:\n%s", prompt)
	}
	if !strings.Contains(prompt, "**Dana**") {
		t.Errorf("prompt missing recruiter persona:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Candidate: I built the ingestion service.") {
		t.Errorf("prompt missing candidate input:\n%s", prompt)
	}

	// The exchange shows up in the end_session summary.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"end_session"}`)); err != nil {
		t.Fatal(err)
	}
	var ended sessionEndedFrame
	readJSONFrame(t, conn, &ended)
	if len(ended.ConversationHistory) != 2 {
		t.Fatalf("history length = %d, want 2", len(ended.ConversationHistory))
	}
	if ended.ConversationHistory[0].Speaker != "User" {
		t.Errorf("first history entry = %+v", ended.ConversationHistory[0])
	}
}

func TestFarewellDeliveredThenClosed(t *testing.T) {
	backend := &testBackend{
		sttClient: &fakeSTTClient{text: "okay goodbye."},
	}
	srv := newTestServer(t, nil, backend)
	conn := dialWS(t, srv, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	var ack configAck
	readJSONFrame(t, conn, &ack)

	if err := conn.WriteMessage(websocket.BinaryMessage, audioFrame(0.5, 10)); err != nil {
		t.Fatal(err)
	}

	var frame replyFrame
	readJSONFrame(t, conn, &frame)
	if frame.Response == nil || frame.Response.Text != llm.FarewellReply {
		t.Fatalf("farewell frame = %+v", frame)
	}

	// The server closes the connection after the farewell.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 4; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
	t.Fatal("connection still open after farewell")
}

func TestWSRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t, func(cfg *RouterConfig) {
		cfg.JWTSecret = "sekrit"
	}, &testBackend{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/interview"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial should fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v, want 401", resp)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "unauthorized") {
		t.Errorf("body = %q, want a JSON unauthorized error", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestWSAcceptsQueryToken(t *testing.T) {
	srv := newTestServer(t, func(cfg *RouterConfig) {
		cfg.JWTSecret = "sekrit"
	}, &testBackend{})

	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "candidate-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("sekrit"))
	if err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, srv, "?token="+token)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	var ack configAck
	readJSONFrame(t, conn, &ack)
	if ack.Status != "config_received" {
		t.Errorf("ack status = %q", ack.Status)
	}
}
