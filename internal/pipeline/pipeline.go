// Package pipeline turns a live PCM sample stream into cleaned text fragments.
// Samples accumulate in a sliding ring buffer; full windows are handed to a
// background worker that filters silence, transcribes speech and forwards
// deduplicated fragments to the orchestrator.
package pipeline

import (
	"context"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/optraverse/interview/internal/stt"
)

// Fragment is one cleaned transcription result from a single window.
type Fragment struct {
	Text       string
	Timestamp  time.Time
	Confidence float64
}

// Config holds configuration for a session's pipeline.
type Config struct {
	STT        stt.Client
	OnFragment func(Fragment)

	SampleRate     int     // default 16000
	WindowSeconds  int     // default 5
	OverlapSeconds int     // default 1, carried into the next window
	SilenceRMS     float64 // RMS threshold below which a window is silence, default 0.01
	SilenceWindows int     // consecutive silent windows before terminal punctuation, default 2
	QueueSize      int     // pending-window queue capacity, default 16

	Logger *log.Logger
}

// Pipeline is the per-session ingestion and transcription pipeline. Push is
// called from the transport read loop; a single background worker drains the
// window queue.
type Pipeline struct {
	sttClient  stt.Client
	onFragment func(Fragment)
	logger     *log.Logger
	ctx        context.Context

	windowSize        int
	overlapSize       int
	maxBuffered       int // ring buffer cap, 3x window
	silenceRMS        float64
	maxSilenceWindows int

	queue    chan []float32
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.Mutex
	buf            []float32
	transcript     string
	lastWindowText string
	silentWindows  int
}

// New creates a pipeline and starts its background worker. ctx bounds the
// transcription calls; Stop shuts the worker down.
func New(ctx context.Context, cfg Config) *Pipeline {
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	windowSeconds := cfg.WindowSeconds
	if windowSeconds == 0 {
		windowSeconds = 5
	}
	overlapSeconds := cfg.OverlapSeconds
	if overlapSeconds == 0 {
		overlapSeconds = 1
	}
	silenceRMS := cfg.SilenceRMS
	if silenceRMS == 0 {
		silenceRMS = 0.01
	}
	silenceWindows := cfg.SilenceWindows
	if silenceWindows == 0 {
		silenceWindows = 2
	}
	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	p := &Pipeline{
		sttClient:         cfg.STT,
		onFragment:        cfg.OnFragment,
		logger:            logger,
		ctx:               ctx,
		windowSize:        sampleRate * windowSeconds,
		overlapSize:       sampleRate * overlapSeconds,
		silenceRMS:        silenceRMS,
		maxSilenceWindows: silenceWindows,
		queue:             make(chan []float32, queueSize),
		done:              make(chan struct{}),
	}
	p.maxBuffered = p.windowSize * 3

	p.wg.Add(1)
	go p.run()
	return p
}

// Push appends samples to the ring buffer and, once a full window is
// buffered, enqueues it and slides the buffer forward to the trailing
// overlap. It never blocks: if the worker is behind, the window is dropped.
func (p *Pipeline) Push(samples []float32) {
	p.mu.Lock()
	p.buf = append(p.buf, samples...)
	if len(p.buf) > p.maxBuffered {
		p.buf = append(p.buf[:0], p.buf[len(p.buf)-p.maxBuffered:]...)
	}

	var window []float32
	if len(p.buf) >= p.windowSize {
		window = make([]float32, p.windowSize)
		copy(window, p.buf[len(p.buf)-p.windowSize:])

		overlap := make([]float32, p.overlapSize)
		copy(overlap, p.buf[len(p.buf)-p.overlapSize:])
		p.buf = append(p.buf[:0], overlap...)
	}
	p.mu.Unlock()

	if window == nil {
		return
	}
	select {
	case p.queue <- window:
	default:
		p.logger.Printf("pipeline: window queue full, dropping %d samples", len(window))
	}
}

// Reset clears the buffer, the pending-window queue and the running
// transcript. A window the worker already dequeued may still complete, but it
// can never expose a half-cleared state.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.buf = p.buf[:0]
	p.transcript = ""
	p.lastWindowText = ""
	p.silentWindows = 0
	p.mu.Unlock()

	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

// Stop signals the worker to exit and waits for it.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// Transcript returns the running transcript accumulated since the last reset.
func (p *Pipeline) Transcript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transcript
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case window := <-p.queue:
			p.process(window)
		}
	}
}

func (p *Pipeline) process(window []float32) {
	if rms(window) < p.silenceRMS {
		p.mu.Lock()
		p.silentWindows++
		if p.silentWindows >= p.maxSilenceWindows && p.transcript != "" && !endsWithPunctuation(p.transcript) {
			// Terminal punctuation is a display aid for the running
			// transcript, not a dispatch trigger.
			p.transcript += "."
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.silentWindows = 0
	p.mu.Unlock()

	result, err := p.sttClient.Transcribe(p.ctx, window)
	if err != nil {
		// One bad window never stops the pipeline.
		p.logger.Printf("pipeline: transcription error: %v", err)
		return
	}

	text := cleanTranscript(result.Text)
	if text == "" {
		return
	}

	p.mu.Lock()
	if text == p.lastWindowText || p.isSuffixRepeat(text) {
		p.mu.Unlock()
		return
	}
	if p.transcript != "" && !strings.HasSuffix(p.transcript, " ") {
		p.transcript += " "
	}
	p.transcript += text
	p.lastWindowText = text
	p.mu.Unlock()

	if p.onFragment != nil {
		p.onFragment(Fragment{Text: text, Timestamp: time.Now(), Confidence: result.Confidence})
	}
}

// isSuffixRepeat reports whether the overlap region re-transcribed text that
// is already at the tail of the running transcript. Caller holds mu.
func (p *Pipeline) isSuffixRepeat(text string) bool {
	if strings.HasSuffix(p.transcript, text) {
		return true
	}
	words := strings.Fields(p.transcript)
	if len(words) > 5 {
		words = words[len(words)-5:]
	}
	for _, w := range words {
		if w == text {
			return true
		}
	}
	return false
}

// transcriptArtifacts are hallucinated filler strings the model emits for
// near-silent windows; matching results become empty fragments and are
// dropped.
var transcriptArtifacts = map[string]bool{
	"":                    true,
	"thank you":           true,
	"thanks for watching": true,
	"you":                 true,
	"um":                  true,
	"uh":                  true,
	"ah":                  true,
	"hmm":                 true,
}

func cleanTranscript(text string) string {
	text = strings.TrimSpace(text)
	if transcriptArtifacts[strings.ToLower(strings.Trim(text, ". "))] {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

func endsWithPunctuation(text string) bool {
	return strings.HasSuffix(text, ".") || strings.HasSuffix(text, "!") ||
		strings.HasSuffix(text, "?") || strings.HasSuffix(text, "\n")
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
