// Package orchestrator decides when the candidate has finished speaking and
// turns the finished utterance into a recruiter reply. It consumes cleaned
// text fragments from the pipeline, rebuilds the current sentence over a
// sliding window, runs an ordered completion check and hands completed
// utterances one at a time to the language model.
package orchestrator

import (
	"context"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/optraverse/interview/internal/llm"
)

// State is the session's conversational state.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
)

// Reply is one completed exchange emitted to the transport.
type Reply struct {
	UserText  string
	ReplyText string
	// Farewell marks the fixed goodbye reply; the session ends after it is
	// delivered.
	Farewell bool
}

// HistoryEntry is one turn of the conversation.
type HistoryEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Status is a diagnostic snapshot.
type Status struct {
	State               State
	CurrentSentence     string
	AccumulatedSentence string
	HistoryLength       int
	QueueSize           int
}

// Config holds configuration for a session's orchestrator.
type Config struct {
	LLM       llm.Generator
	Interview llm.InterviewConfig

	// OnReply receives every completed exchange, including the farewell and
	// the fallback apology. Called from the processing worker.
	OnReply func(Reply)
	// OnReset fires after each delivered reply so the pipeline can drop its
	// running transcript.
	OnReset func()

	SentenceTimeout   time.Duration // base silence timeout, default 6s
	ExtendedTimeout   time.Duration // hard cap for complex utterances, default 12s
	MinSentenceLength int           // minimum utterance length in chars, default 5
	ContextLimit      int           // exchanges kept in history, default 20
	TickInterval      time.Duration // completion-check tick, default 500ms

	Logger *log.Logger
}

const (
	maxFragments   = 100
	contextEntries = 8
	queueCapacity  = 8
)

// Utterance-shape patterns. Detection is keyword-based on purpose: the
// transcripts these run on are lowercase-ish speech without reliable
// punctuation.
var (
	sentenceEndings      = regexp.MustCompile(`[.!?]+\s*$`)
	questionPatterns     = regexp.MustCompile(`(?i)\b(what|how|when|where|why|who|is|are|can|could|would|will|do|does|solve|find|calculate|explain|tell|show)\b`)
	attentionPhrases     = regexp.MustCompile(`(?i)\b(hey|hello|assistant|excuse me|listen|please|help)\b`)
	conversationEnders   = regexp.MustCompile(`(?i)\b(goodbye|bye|see you|talk later|end|stop|quit|exit)\b`)
	mathPatterns         = regexp.MustCompile(`(?i)\b(equation|equal|equals|plus|minus|multiply|divide|solve|find|x|y|z)\b`)
	codePatterns         = regexp.MustCompile(`(?i)\b(code|function|class|variable|python|javascript|html|css)\b`)
	complexQueryPatterns = regexp.MustCompile(`(?i)\b(explain|describe|analyze|compare|create|build|write|implement)\b`)
	nonWordChars         = regexp.MustCompile(`[^\w\s]`)
)

var questionStarters = map[string]bool{
	"what": true, "how": true, "when": true, "where": true, "why": true,
	"who": true, "which": true, "is": true, "are": true, "can": true,
	"could": true, "would": true, "will": true, "do": true, "does": true,
	"did": true,
}

type fragment struct {
	text string
	at   time.Time
}

// Orchestrator is the per-session conversation state machine. AddFragment is
// called from the pipeline worker; a single processing worker drains the
// utterance queue so replies stay in order.
type Orchestrator struct {
	llmClient llm.Generator
	interview llm.InterviewConfig
	onReply   func(Reply)
	onReset   func()
	logger    *log.Logger
	ctx       context.Context

	sentenceTimeout   time.Duration
	extendedTimeout   time.Duration
	minSentenceLength int
	historyLimit      int
	tickInterval      time.Duration

	now func() time.Time

	queue    chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu               sync.Mutex
	state            State
	fragments        []fragment
	currentSentence  string
	accumulated      string
	lastDispatched   string
	lastFragmentText string
	lastFragmentAt   time.Time
	utteranceStart   time.Time
	history          []HistoryEntry
}

// New creates an orchestrator. It starts idle; call Start to begin listening.
func New(ctx context.Context, cfg Config) *Orchestrator {
	sentenceTimeout := cfg.SentenceTimeout
	if sentenceTimeout == 0 {
		sentenceTimeout = 6 * time.Second
	}
	extendedTimeout := cfg.ExtendedTimeout
	if extendedTimeout == 0 {
		extendedTimeout = 12 * time.Second
	}
	minLength := cfg.MinSentenceLength
	if minLength == 0 {
		minLength = 5
	}
	contextLimit := cfg.ContextLimit
	if contextLimit == 0 {
		contextLimit = 20
	}
	tickInterval := cfg.TickInterval
	if tickInterval == 0 {
		tickInterval = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	interview := cfg.Interview
	interview.Normalize()

	return &Orchestrator{
		llmClient:         cfg.LLM,
		interview:         interview,
		onReply:           cfg.OnReply,
		onReset:           cfg.OnReset,
		logger:            logger,
		ctx:               ctx,
		sentenceTimeout:   sentenceTimeout,
		extendedTimeout:   extendedTimeout,
		minSentenceLength: minLength,
		historyLimit:      contextLimit * 2,
		tickInterval:      tickInterval,
		now:               time.Now,
		queue:             make(chan string, queueCapacity),
		done:              make(chan struct{}),
		state:             StateIdle,
	}
}

// Start moves the orchestrator to Listening and launches the processing and
// tick workers.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		o.logger.Printf("orchestrator: already running")
		return
	}
	o.state = StateListening
	o.mu.Unlock()

	o.wg.Add(2)
	go o.processLoop()
	go o.tickLoop()
}

// Stop moves the orchestrator to Idle and waits for the workers. Safe to call
// more than once and after a farewell already ended the conversation.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.done)
	})
	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()
	o.wg.Wait()
}

// AddFragment feeds one cleaned transcription fragment into the state
// machine. Fragments arriving outside Listening are dropped.
func (o *Orchestrator) AddFragment(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateListening {
		return
	}
	if o.lastFragmentText != "" && strings.TrimSpace(text) == strings.TrimSpace(o.lastFragmentText) {
		return
	}
	o.lastFragmentText = text

	cleaned := cleanFragment(text)
	if cleaned == "" {
		return
	}

	now := o.now()
	if len(o.fragments) == 0 {
		o.utteranceStart = now
	}
	o.fragments = append(o.fragments, fragment{text: cleaned, at: now})
	if len(o.fragments) > maxFragments {
		o.fragments = o.fragments[len(o.fragments)-maxFragments:]
	}
	o.lastFragmentAt = now

	o.rebuildLocked(now)
	o.evaluateLocked(now)
}

// History returns a copy of the conversation so far.
func (o *Orchestrator) History() []HistoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]HistoryEntry, len(o.history))
	copy(out, o.history)
	return out
}

// Status returns a diagnostic snapshot of the session.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		State:               o.state,
		CurrentSentence:     o.currentSentence,
		AccumulatedSentence: o.accumulated,
		HistoryLength:       len(o.history),
		QueueSize:           len(o.queue),
	}
}

// rebuildLocked reconstructs currentSentence from fragments inside the
// trailing window and keeps accumulated at the longest candidate seen since
// the last dispatch. Caller holds mu.
func (o *Orchestrator) rebuildLocked(now time.Time) {
	window := 10 * time.Second
	if isComplexQuery(o.accumulated) {
		window = 15 * time.Second
	}

	parts := make([]string, 0, len(o.fragments))
	for _, f := range o.fragments {
		if now.Sub(f.at) < window {
			parts = append(parts, f.text)
		}
	}
	o.currentSentence = strings.Join(strings.Fields(strings.Join(parts, " ")), " ")

	if len(strings.TrimSpace(o.currentSentence)) > len(strings.TrimSpace(o.accumulated)) {
		o.accumulated = strings.TrimSpace(o.currentSentence)
	}
}

// evaluateLocked runs the completion table and dispatches on a match. Caller
// holds mu.
func (o *Orchestrator) evaluateLocked(now time.Time) {
	sentence, resetAccumulated, ok := o.checkCompletionLocked(now)
	if !ok {
		return
	}
	if o.isDuplicateLocked(sentence) {
		return
	}

	select {
	case o.queue <- sentence:
	default:
		o.logger.Printf("orchestrator: utterance queue full, dropping %q", sentence)
		return
	}
	o.lastDispatched = sentence

	if resetAccumulated {
		o.state = StateProcessing
		o.resetUtteranceLocked(true)
	}
	// Otherwise (plain-silence dispatch below the margin) keep listening and
	// keep the accumulated buffer building; duplicate suppression stops the
	// tick from re-dispatching the same text.
}

// checkCompletionLocked applies the ordered completion triggers. It returns
// the sentence to dispatch, whether the accumulated buffer should reset, and
// whether any trigger matched. Caller holds mu.
func (o *Orchestrator) checkCompletionLocked(now time.Time) (string, bool, bool) {
	if o.currentSentence == "" {
		return "", false, false
	}

	sentence := strings.TrimSpace(o.currentSentence)
	accumulated := strings.TrimSpace(o.accumulated)
	candidate := sentence
	if len(accumulated) > len(sentence) {
		candidate = accumulated
	}
	if len(candidate) < o.minSentenceLength {
		return "", false, false
	}

	if sentenceEndings.MatchString(candidate) {
		return candidate, true, true
	}
	if conversationEnders.MatchString(candidate) {
		return candidate, true, true
	}

	silence := now.Sub(o.lastFragmentAt)
	if isQuestion(candidate) && silence > scale(o.sentenceTimeout, 0.8) {
		return candidate, true, true
	}
	if isComplexQuery(candidate) {
		elapsed := now.Sub(o.utteranceStart)
		if elapsed > o.extendedTimeout || silence > scale(o.sentenceTimeout, 1.5) {
			return candidate, true, true
		}
	}
	if attentionPhrases.MatchString(candidate) && silence > scale(o.sentenceTimeout, 0.7) {
		return candidate, true, true
	}

	if silence > o.sentenceTimeout {
		if len(accumulated) > len(sentence)+5 {
			return accumulated, true, true
		}
		if len(candidate) >= o.minSentenceLength {
			return candidate, false, true
		}
	}

	return "", false, false
}

// isDuplicateLocked reports whether sentence is a near-duplicate of the last
// dispatched utterance: exact match, or a punctuation-stripped case-folded
// prefix of one another. Caller holds mu.
func (o *Orchestrator) isDuplicateLocked(sentence string) bool {
	last := strings.TrimSpace(o.lastDispatched)
	if last == "" {
		return false
	}
	if strings.TrimSpace(sentence) == last {
		return true
	}
	simplifiedNew := nonWordChars.ReplaceAllString(strings.ToLower(sentence), "")
	simplifiedLast := nonWordChars.ReplaceAllString(strings.ToLower(last), "")
	return strings.HasPrefix(simplifiedNew, simplifiedLast) ||
		strings.HasPrefix(simplifiedLast, simplifiedNew)
}

// resetUtteranceLocked clears the in-progress utterance. Caller holds mu.
func (o *Orchestrator) resetUtteranceLocked(resetAccumulated bool) {
	o.currentSentence = ""
	o.fragments = o.fragments[:0]
	o.lastFragmentText = ""
	o.lastFragmentAt = time.Time{}
	o.utteranceStart = time.Time{}
	if resetAccumulated {
		o.accumulated = ""
	}
}

func (o *Orchestrator) tickLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.mu.Lock()
			if o.state == StateListening && len(o.fragments) > 0 {
				now := o.now()
				o.rebuildLocked(now)
				o.evaluateLocked(now)
			}
			o.mu.Unlock()
		}
	}
}

func (o *Orchestrator) processLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case sentence := <-o.queue:
			o.handleUtterance(sentence)
		}
	}
}

func (o *Orchestrator) handleUtterance(sentence string) {
	o.mu.Lock()
	o.state = StateProcessing
	o.mu.Unlock()

	if conversationEnders.MatchString(sentence) {
		o.deliverReply(sentence, llm.FarewellReply, true)
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
		return
	}

	reply, err := o.generateReply(sentence)
	switch {
	case err != nil:
		// A generation orphaned by session teardown is discarded, not
		// apologized for.
		if o.ctx.Err() != nil {
			o.logger.Printf("orchestrator: session closed mid-generation, discarding %q", sentence)
			return
		}
		o.logger.Printf("orchestrator: failed to generate reply: %v", err)
		o.deliverReply(sentence, llm.FallbackReply, false)
	case reply == "":
		o.logger.Printf("orchestrator: empty reply from model")
		o.mu.Lock()
		if o.state == StateProcessing {
			o.state = StateListening
		}
		o.mu.Unlock()
	default:
		o.deliverReply(sentence, reply, false)
	}
}

func (o *Orchestrator) generateReply(userInput string) (string, error) {
	o.mu.Lock()
	context := o.conversationContextLocked()
	o.mu.Unlock()

	prompt := llm.BuildInterviewPrompt(o.interview, context, userInput)
	reply, err := o.llmClient.Generate(o.ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// conversationContextLocked formats the most recent history entries for the
// prompt. Caller holds mu.
func (o *Orchestrator) conversationContextLocked() string {
	entries := o.history
	if len(entries) > contextEntries {
		entries = entries[len(entries)-contextEntries:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Speaker+": "+e.Text)
	}
	return strings.Join(lines, "\n")
}

// deliverReply records the exchange, emits it to the transport and fully
// resets the utterance state for the next turn.
func (o *Orchestrator) deliverReply(userText, replyText string, farewell bool) {
	o.mu.Lock()
	o.history = append(o.history,
		HistoryEntry{Speaker: "User", Text: userText},
		HistoryEntry{Speaker: "Assistant", Text: replyText},
	)
	if len(o.history) > o.historyLimit {
		o.history = o.history[len(o.history)-o.historyLimit:]
	}
	o.mu.Unlock()

	if o.onReply != nil {
		o.onReply(Reply{UserText: userText, ReplyText: replyText, Farewell: farewell})
	}

	o.mu.Lock()
	o.resetUtteranceLocked(true)
	o.lastDispatched = ""
	if o.state == StateProcessing {
		o.state = StateListening
	}
	o.mu.Unlock()

	if o.onReset != nil {
		o.onReset()
	}
}

func cleanFragment(text string) string {
	text = strings.TrimSpace(text)
	if fragmentArtifacts[strings.ToLower(text)] {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

var fragmentArtifacts = map[string]bool{
	"":                    true,
	".":                   true,
	"...":                 true,
	"thank you":           true,
	"thanks for watching": true,
	"you":                 true,
	"um":                  true,
	"uh":                  true,
	"ah":                  true,
	"hmm":                 true,
}

func isQuestion(sentence string) bool {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(sentence)))
	if len(words) > 0 && questionStarters[words[0]] {
		return true
	}
	return questionPatterns.MatchString(sentence)
}

func isComplexQuery(sentence string) bool {
	if sentence == "" {
		return false
	}
	if mathPatterns.MatchString(sentence) || codePatterns.MatchString(sentence) ||
		complexQueryPatterns.MatchString(sentence) {
		return true
	}
	return len(strings.Fields(sentence)) > 10
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}
