// Package provider defines the uniform port between the run engine and the
// LLM vendors. Each vendor implements the same eight operations for
// realtime and batch execution; the engine never touches vendor wire
// formats outside the implementations in the subpackages.
package provider

import "context"

// Provider is the port every vendor implements.
//
// Blocking operations take a context; they are the only suspension points
// in the engine's cooperative loop.
type Provider interface {
	// Name returns the provider identifier ("gemini", "openai", "anthropic").
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// GenerateRealtime makes one synchronous call.
	GenerateRealtime(ctx context.Context, prompt string, schema map[string]any) (*RealtimeResult, error)

	// FormatBatchRequest renders one unit into the vendor's batch JSONL
	// line format.
	FormatBatchRequest(unitID, prompt string, schema map[string]any) (map[string]any, error)

	// UploadBatchFile uploads a request file and returns its identifier.
	// Vendors whose batch endpoint accepts inline requests return the path
	// unchanged.
	UploadBatchFile(ctx context.Context, path string) (string, error)

	// CreateBatch starts a batch job from an uploaded file (or inline
	// path) and returns its identifier. Transient errors are retried with
	// exponential backoff inside the port.
	CreateBatch(ctx context.Context, fileID string) (string, error)

	// GetBatchStatus polls a batch job.
	GetBatchStatus(ctx context.Context, batchID string) (*BatchStatusInfo, error)

	// DownloadBatchResults fetches and parses a completed batch.
	DownloadBatchResults(ctx context.Context, batchID string) ([]BatchResult, *BatchMetadata, error)

	// CancelBatch cancels a running batch. Returns false when the batch
	// already reached a terminal state.
	CancelBatch(ctx context.Context, batchID string) (bool, error)

	// EstimateCost computes USD cost for token usage.
	EstimateCost(inputTokens, outputTokens int, isBatch bool) float64
}

// RetryConfig tunes the port-internal backoff for batch creation and
// realtime rate-limit retries.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      float64 // seconds
	BackoffMultiplier float64
}

// DefaultRetryConfig mirrors the engine defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, InitialDelay: 2.0, BackoffMultiplier: 2.0}
}

// Normalise fills zero fields with defaults.
func (c RetryConfig) Normalise() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}
