package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// WhisperClient implements Client against a whisper transcription server that
// accepts WAV uploads on POST /transcribe.
type WhisperClient struct {
	baseURL    string
	language   string
	sampleRate int
	httpClient *http.Client

	// Decoding thresholds, fixed per session.
	noSpeechThreshold         float64
	logProbThreshold          float64
	compressionRatioThreshold float64
}

// WhisperConfig holds configuration for the whisper server client.
type WhisperConfig struct {
	BaseURL    string // e.g. "http://localhost:9000"
	Language   string // e.g. "en"
	SampleRate int    // e.g. 16000

	// Zero values fall back to the tuned defaults below.
	NoSpeechThreshold         float64 // default 0.3
	LogProbThreshold          float64 // default -1.0
	CompressionRatioThreshold float64 // default 2.4

	HTTPClient *http.Client
}

// whisperResponse is the server's transcription result.
type whisperResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewWhisperClient creates a client for the whisper transcription server.
func NewWhisperClient(cfg WhisperConfig) *WhisperClient {
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	noSpeech := cfg.NoSpeechThreshold
	if noSpeech == 0 {
		noSpeech = 0.3
	}
	logProb := cfg.LogProbThreshold
	if logProb == 0 {
		logProb = -1.0
	}
	compressionRatio := cfg.CompressionRatioThreshold
	if compressionRatio == 0 {
		compressionRatio = 2.4
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhisperClient{
		baseURL:                   strings.TrimSuffix(cfg.BaseURL, "/"),
		language:                  language,
		sampleRate:                sampleRate,
		httpClient:                httpClient,
		noSpeechThreshold:         noSpeech,
		logProbThreshold:          logProb,
		compressionRatioThreshold: compressionRatio,
	}
}

// Transcribe wraps the window in an IEEE-float WAV container and posts it to
// the whisper server with the fixed decoding options as query parameters.
func (c *WhisperClient) Transcribe(ctx context.Context, samples []float32) (Result, error) {
	q := url.Values{}
	q.Set("task", "transcribe")
	q.Set("language", c.language)
	q.Set("no_speech_threshold", strconv.FormatFloat(c.noSpeechThreshold, 'g', -1, 64))
	q.Set("logprob_threshold", strconv.FormatFloat(c.logProbThreshold, 'g', -1, 64))
	q.Set("compression_ratio_threshold", strconv.FormatFloat(c.compressionRatioThreshold, 'g', -1, 64))

	wav := buildFloatWAV(samples, c.sampleRate)

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/transcribe?"+q.Encode(), bytes.NewReader(wav))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("whisper server error: %s - %s", resp.Status, string(respBody))
	}

	var wr whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return Result{Text: wr.Text, Confidence: wr.Confidence}, nil
}

// buildFloatWAV wraps mono float32 PCM in a RIFF/WAVE header with format tag 3
// (IEEE float, 32 bits per sample).
func buildFloatWAV(samples []float32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 32
		formatIEEE    = 3
	)
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(samples) * 4)
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(formatIEEE))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	for _, s := range samples {
		binary.Write(buf, binary.LittleEndian, math.Float32bits(s))
	}
	return buf.Bytes()
}
