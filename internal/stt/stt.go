package stt

import "context"

// Result represents a speech-to-text transcription result for one window.
type Result struct {
	Text       string  // The transcribed text
	Confidence float64 // Confidence score (0-1)
}

// Client defines the interface for speech-to-text providers. Implementations
// must tolerate arbitrary float sample content, including near-silent or
// synthetic input.
type Client interface {
	// Transcribe sends one window of mono float32 PCM samples to the STT
	// service and returns its text hypothesis.
	Transcribe(ctx context.Context, samples []float32) (Result, error)
}
