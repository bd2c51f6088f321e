package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AvatarClient implements Client against the avatar synthesis service, which
// renders text to speech and runs lipsync analysis on the result.
type AvatarClient struct {
	baseURL    string
	voice      string
	httpClient *http.Client
}

// AvatarConfig holds configuration for the avatar synthesis client.
type AvatarConfig struct {
	BaseURL    string // e.g. "http://localhost:9100"
	Voice      string // synthesis voice name, default "David"
	HTTPClient *http.Client
}

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// NewAvatarClient creates a client for the avatar synthesis service.
func NewAvatarClient(cfg AvatarConfig) *AvatarClient {
	voice := cfg.Voice
	if voice == "" {
		voice = "David"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &AvatarClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		voice:      voice,
		httpClient: httpClient,
	}
}

// Synthesize posts the reply text to the synthesis service and returns the
// audio, lipsync marks and animation hints as one payload.
func (c *AvatarClient) Synthesize(ctx context.Context, text string) (*SpeechPayload, error) {
	body, err := json.Marshal(synthesizeRequest{Text: text, Voice: c.voice})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("synthesis service error: %s - %s", resp.Status, string(respBody))
	}

	var payload SpeechPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if payload.Text == "" {
		payload.Text = text
	}
	return &payload, nil
}
