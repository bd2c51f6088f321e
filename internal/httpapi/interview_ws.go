package httpapi

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/optraverse/interview/internal/eventlog"
	"github.com/optraverse/interview/internal/llm"
	"github.com/optraverse/interview/internal/orchestrator"
	"github.com/optraverse/interview/internal/pipeline"
	"github.com/optraverse/interview/internal/tts"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// configAck acknowledges the handshake. The session proceeds regardless of
// the status; defaults cover a missing or malformed config.
type configAck struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type controlMessage struct {
	Action string `json:"action"`
}

// replyFrame is one completed exchange pushed to the client.
type replyFrame struct {
	Transcription string             `json:"transcription"`
	Response      *tts.SpeechPayload `json:"response"`
}

type sessionEndedFrame struct {
	Status              string                      `json:"status"`
	ConversationHistory []orchestrator.HistoryEntry `json:"conversation_history"`
}

// wsFrame is one raw frame from the connection reader goroutine. Reads are
// funneled through a channel so the config handshake can time out without
// poisoning the connection with a read deadline.
type wsFrame struct {
	msgType int
	data    []byte
	err     error
}

// interviewSession owns one websocket connection and its pipeline,
// orchestrator and delivery worker.
type interviewSession struct {
	id        string
	conn      *websocket.Conn
	connMu    sync.Mutex
	logger    *log.Logger
	cfg       RouterConfig
	ttsClient tts.Client
	eventLog  *eventlog.Logger

	pipeline *pipeline.Pipeline
	orch     *orchestrator.Orchestrator
	replies  chan orchestrator.Reply
	frames   chan wsFrame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (r *Router) handleInterviewWS(w http.ResponseWriter, req *http.Request) {
	if err := r.authorizeWS(req); err != nil {
		r.logger.Printf("interview_ws: unauthorized: %v", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("interview_ws: upgrade failed: %v", err)
		captureError(req, err, "interview_ws: upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	session := &interviewSession{
		id:        uuid.NewString(),
		conn:      conn,
		logger:    r.logger,
		cfg:       r.cfg,
		ttsClient: r.ttsClient,
		eventLog:  r.eventLog,
		replies:   make(chan orchestrator.Reply, 8),
		frames:    make(chan wsFrame, 16),
		ctx:       ctx,
		cancel:    cancel,
	}

	go session.readFrames()

	r.logger.Printf("interview_ws: session %s connected, waiting for config", session.id)
	session.eventLog.LogAsync(session.id, eventlog.EventSessionStarted, map[string]any{
		"remote_addr": req.RemoteAddr,
	})

	interviewCfg := session.readInterviewConfig()

	session.orch = orchestrator.New(ctx, orchestrator.Config{
		LLM:             r.generator,
		Interview:       interviewCfg,
		OnReply:         session.queueReply,
		OnReset:         func() { session.pipeline.Reset() },
		SentenceTimeout: r.cfg.SentenceTimeout,
		ExtendedTimeout: r.cfg.ExtendedTimeout,
		TickInterval:    r.cfg.TickInterval,
		ContextLimit:    r.cfg.ContextLimit,
		Logger:          r.logger,
	})
	session.pipeline = pipeline.New(ctx, pipeline.Config{
		STT:        r.sttClient,
		OnFragment: func(f pipeline.Fragment) { session.orch.AddFragment(f.Text) },
		SampleRate: r.cfg.SampleRate,
		SilenceRMS: r.cfg.SilenceRMS,
		Logger:     r.logger,
	})

	session.orch.Start()
	session.wg.Add(1)
	go session.deliverReplies()

	session.run()
}

// readFrames pumps connection reads into the frames channel until the
// connection fails or the session ends. The terminal read error is forwarded
// so the main loop can report it.
func (s *interviewSession) readFrames() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		select {
		case s.frames <- wsFrame{msgType: msgType, data: data, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// readInterviewConfig waits for the config text frame and acknowledges it.
// Every failure path falls back to the default interview configuration.
func (s *interviewSession) readInterviewConfig() llm.InterviewConfig {
	timer := time.NewTimer(s.cfg.ConfigTimeout)
	defer timer.Stop()

	var frame wsFrame
	select {
	case frame = <-s.frames:
	case <-timer.C:
		s.logger.Printf("interview_ws: no config for session %s within %v", s.id, s.cfg.ConfigTimeout)
		s.writeControl(configAck{
			Status:  "config_timeout",
			Message: "No config received. Using default interview settings.",
		})
		s.eventLog.LogAsync(s.id, eventlog.EventConfigTimeout, nil)
		return llm.DefaultInterviewConfig()
	}

	msgType, data, err := frame.msgType, frame.data, frame.err
	if err != nil {
		s.logger.Printf("interview_ws: read failed before config for session %s: %v", s.id, err)
		// Requeue the error frame so the main loop observes it and exits.
		s.frames <- frame
		return llm.DefaultInterviewConfig()
	}
	if msgType != websocket.TextMessage {
		s.logger.Printf("interview_ws: session %s sent binary before config", s.id)
		s.writeControl(configAck{
			Status:  "error",
			Message: "Invalid configuration format. Using defaults.",
		})
		s.eventLog.LogAsync(s.id, eventlog.EventConfigError, map[string]any{"reason": "binary frame"})
		return llm.DefaultInterviewConfig()
	}

	cfg, err := llm.ParseInterviewConfig(data)
	if err != nil {
		s.logger.Printf("interview_ws: invalid config for session %s: %v", s.id, err)
		s.writeControl(configAck{
			Status:  "error",
			Message: "Invalid configuration format. Using defaults.",
		})
		s.eventLog.LogAsync(s.id, eventlog.EventConfigError, map[string]any{"error": err.Error()})
		return cfg
	}

	s.writeControl(configAck{
		Status:  "config_received",
		Message: "Interview configuration loaded. You may now speak.",
	})
	s.eventLog.LogAsync(s.id, eventlog.EventConfigReceived, map[string]any{
		"title":          cfg.Title,
		"difficulty":     cfg.Difficulty,
		"interview_type": cfg.InterviewType,
	})
	return cfg
}

// run is the connection read loop: binary frames carry little-endian float32
// PCM for the pipeline, text frames carry JSON control messages.
func (s *interviewSession) run() {
	defer s.cleanup()

	for {
		var frame wsFrame
		select {
		case <-s.ctx.Done():
			return
		case frame = <-s.frames:
		}

		if frame.err != nil {
			if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("interview_ws: session %s closed", s.id)
			} else {
				s.logger.Printf("interview_ws: read error for session %s: %v", s.id, frame.err)
			}
			return
		}

		switch frame.msgType {
		case websocket.BinaryMessage:
			if len(frame.data) == 0 {
				continue
			}
			s.pipeline.Push(decodeSamples(frame.data))

		case websocket.TextMessage:
			var ctrl controlMessage
			if err := json.Unmarshal(frame.data, &ctrl); err != nil {
				s.logger.Printf("interview_ws: invalid control message for session %s: %v", s.id, err)
				continue
			}
			if ctrl.Action == "end_session" {
				s.endSession()
				return
			}
		}
	}
}

// queueReply hands a completed exchange to the delivery worker. Called from
// the orchestrator's processing goroutine.
func (s *interviewSession) queueReply(reply orchestrator.Reply) {
	select {
	case s.replies <- reply:
	case <-s.ctx.Done():
	}
}

// deliverReplies synthesizes each reply and pushes it over the websocket. A
// farewell reply is delivered and then ends the session.
func (s *interviewSession) deliverReplies() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case reply := <-s.replies:
			s.eventLog.LogAsync(s.id, eventlog.EventUtteranceDispatched, map[string]any{
				"text_length": len(reply.UserText),
			})
			if reply.ReplyText == llm.FallbackReply {
				s.eventLog.LogAsync(s.id, eventlog.EventLLMError, nil)
			} else if !reply.Farewell {
				s.eventLog.LogAsync(s.id, eventlog.EventLLMCompleted, map[string]any{
					"reply_length": len(reply.ReplyText),
				})
			}

			s.sendReply(reply)

			if reply.Farewell {
				s.eventLog.LogAsync(s.id, eventlog.EventFarewellDetected, nil)
				s.closeGracefully()
				return
			}
		}
	}
}

func (s *interviewSession) sendReply(reply orchestrator.Reply) {
	ctx, cancelSynth := context.WithTimeout(s.ctx, 30*time.Second)
	payload, err := s.ttsClient.Synthesize(ctx, reply.ReplyText)
	cancelSynth()
	if err != nil {
		// The reply is lost, the session keeps going.
		s.logger.Printf("interview_ws: synthesis failed for session %s: %v", s.id, err)
		s.eventLog.LogAsync(s.id, eventlog.EventReplyError, map[string]any{"error": err.Error()})
		return
	}

	if err := s.writeFrame(replyFrame{Transcription: reply.UserText, Response: payload}); err != nil {
		s.logger.Printf("interview_ws: failed to send reply for session %s: %v", s.id, err)
		s.eventLog.LogAsync(s.id, eventlog.EventReplyError, map[string]any{"error": err.Error()})
		return
	}
	s.eventLog.LogAsync(s.id, eventlog.EventReplySent, map[string]any{
		"reply_length": len(reply.ReplyText),
	})
}

// endSession answers an explicit end_session control message with the
// conversation history, then tears the session down.
func (s *interviewSession) endSession() {
	history := s.orch.History()
	if err := s.writeFrame(sessionEndedFrame{
		Status:              "session_ended",
		ConversationHistory: history,
	}); err != nil {
		s.logger.Printf("interview_ws: failed to send session summary for %s: %v", s.id, err)
	}
	s.closeGracefully()
}

func (s *interviewSession) closeGracefully() {
	s.connMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.connMu.Unlock()
	s.cancel()
}

func (s *interviewSession) cleanup() {
	s.cancel()

	s.orch.Stop()
	s.pipeline.Stop()
	s.wg.Wait()

	s.connMu.Lock()
	_ = s.conn.Close()
	s.connMu.Unlock()

	s.eventLog.LogAsync(s.id, eventlog.EventSessionEnded, map[string]any{
		"history_length": len(s.orch.History()),
	})
	s.logger.Printf("interview_ws: session %s cleaned up", s.id)
}

func (s *interviewSession) writeControl(ack configAck) {
	if err := s.writeFrame(ack); err != nil {
		s.logger.Printf("interview_ws: failed to send ack for session %s: %v", s.id, err)
	}
}

func (s *interviewSession) writeFrame(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteJSON(v)
}

// decodeSamples interprets the frame as little-endian float32 PCM. Trailing
// bytes that do not form a full sample are dropped.
func decodeSamples(data []byte) []float32 {
	n := len(data) / 4
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}
