package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const geminiAPIURL = "https://generativelanguage.googleapis.com/v1beta"

// exhaustedScanBuffer is added on top of the soonest cooldown expiry when the
// whole pool is rate limited, so the rescan lands after the expiry.
const exhaustedScanBuffer = time.Second

// GeminiClient implements Generator against Google's generateContent REST API,
// rotating keys from a shared KeyPool.
type GeminiClient struct {
	pool       *KeyPool
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger

	// Bounds for the jittered sleep between transient retries.
	retryDelayMin time.Duration
	retryDelayMax time.Duration
}

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	Pool    *KeyPool
	Model   string // e.g. "gemini-2.5-flash-lite"
	BaseURL string // override for tests; defaults to the public API

	// RetryDelayMin/Max bound the jittered sleep between transient retries
	// (empty responses, non-rate-limit errors). Defaults: 1s-3s.
	RetryDelayMin time.Duration
	RetryDelayMax time.Duration

	HTTPClient *http.Client
	Logger     *log.Logger
}

// NewGeminiClient creates a Gemini client backed by the given key pool.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash-lite"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	min, max := cfg.RetryDelayMin, cfg.RetryDelayMax
	if max <= 0 {
		min, max = time.Second, 3*time.Second
	}
	if min > max {
		min = max
	}
	return &GeminiClient{
		pool:          cfg.Pool,
		model:         model,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		httpClient:    httpClient,
		logger:        logger,
		retryDelayMin: min,
		retryDelayMax: max,
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Status returns the underlying pool's diagnostic snapshot.
func (c *GeminiClient) Status() PoolStatus {
	return c.pool.Status()
}

// Generate retries until the API returns non-empty text. Rate-limited keys are
// put on cooldown and the scan moves on; when every key is cooling down the
// call sleeps until the soonest cooldown expires. Callers must tolerate long
// stalls under full-pool exhaustion. The only error returned is ctx's.
func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		idx, key, ok := c.pool.Acquire()
		if !ok {
			wait := exhaustedScanBuffer
			if at, found := c.pool.NextAvailableAt(); found {
				if until := time.Until(at); until > 0 {
					wait = until + exhaustedScanBuffer
				}
			}
			c.logger.Printf("llm: all %d keys rate limited, waiting %s", c.pool.Size(), wait.Round(time.Millisecond))
			if err := sleepCtx(ctx, wait); err != nil {
				return "", err
			}
			continue
		}

		text, err := c.generateOnce(ctx, key, prompt)
		switch {
		case err == nil && text != "":
			c.pool.MarkSuccess(idx)
			return text, nil

		case err == nil:
			c.logger.Printf("llm: empty response from key %d, retrying", idx+1)

		case isRateLimitError(err):
			cooldown := c.pool.MarkRateLimited(idx)
			c.logger.Printf("llm: key %d rate limited, cooling down %s", idx+1, cooldown.Round(time.Second))

		default:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Printf("llm: key %d error: %v, retrying", idx+1, err)
		}

		if err := sleepCtx(ctx, c.retryDelay()); err != nil {
			return "", err
		}
	}
}

func (c *GeminiClient) generateOnce(ctx context.Context, key, prompt string) (string, error) {
	reqBody := generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, key)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gemini API error: %s - %s", resp.Status, string(respBody))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(genResp.Candidates) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, p := range genResp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return strings.TrimSpace(sb.String()), nil
}

func (c *GeminiClient) retryDelay() time.Duration {
	spread := c.retryDelayMax - c.retryDelayMin
	if spread <= 0 {
		return c.retryDelayMin
	}
	return c.retryDelayMin + time.Duration(rand.Int63n(int64(spread)))
}

// rateLimitIndicators are matched against error messages to classify
// rate-limit responses, mirroring how the API reports quota exhaustion.
var rateLimitIndicators = []string{
	"rate limit",
	"quota exceeded",
	"too many requests",
	"resource_exhausted",
	"429",
	"rate_limit_exceeded",
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range rateLimitIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
