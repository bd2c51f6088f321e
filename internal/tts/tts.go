package tts

import (
	"context"
	"encoding/json"
)

// SpeechPayload is the synthesized reply: spoken audio plus the timing and
// expression data the avatar frontend needs to animate it.
type SpeechPayload struct {
	Text             string          `json:"text"`
	Audio            string          `json:"audio"` // base64-encoded audio
	Lipsync          json.RawMessage `json:"lipsync"`
	FacialExpression string          `json:"facialExpression"`
	Animation        string          `json:"animation"`
}

// Client defines the interface for speech-synthesis/viseme providers.
type Client interface {
	// Synthesize converts text to a full speech payload. A failure affects
	// only the reply being synthesized, never the session.
	Synthesize(ctx context.Context, text string) (*SpeechPayload, error)
}
