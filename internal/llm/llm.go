package llm

import "context"

// Generator defines the interface for text-generation backends.
type Generator interface {
	// Generate sends a prompt to the backend and blocks until non-empty text
	// is produced, rotating credentials and sleeping through cooldowns as
	// needed. It returns an error only when ctx is cancelled.
	Generate(ctx context.Context, prompt string) (string, error)
}
