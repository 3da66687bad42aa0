// Package mock provides an in-memory provider for engine tests. Responses
// are scripted per call; batches complete instantly and replay the
// scripted content keyed by unit id.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/provider"
)

// Response scripts one realtime reply.
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Err          error
}

// Client implements provider.Provider in memory.
type Client struct {
	mu sync.Mutex

	ModelName string

	// Realtime replies are consumed in order; when the queue empties,
	// DefaultContent is served.
	Realtime       []Response
	DefaultContent string

	// ByUnit scripts batch results per unit id. Units absent from the map
	// fall back to DefaultContent.
	ByUnit map[string]Response

	// CreateBatchErr makes CreateBatch fail, e.g. with an auth error.
	CreateBatchErr error

	// PollsUntilComplete delays batch completion by that many status calls.
	PollsUntilComplete int

	batches     map[string][]string // batch id -> unit ids
	polls       map[string]int
	nextBatch   int
	Cancelled   []string
	CallCount   int
	UploadCount int
}

// New returns an empty mock client.
func New() *Client {
	return &Client{
		ModelName: "mock-model",
		ByUnit:    make(map[string]Response),
		batches:   make(map[string][]string),
		polls:     make(map[string]int),
	}
}

func (c *Client) Name() string  { return "mock" }
func (c *Client) Model() string { return c.ModelName }

func (c *Client) GenerateRealtime(ctx context.Context, prompt string, schema map[string]any) (*provider.RealtimeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCount++
	resp := Response{Content: c.DefaultContent, InputTokens: 10, OutputTokens: 5}
	if len(c.Realtime) > 0 {
		resp = c.Realtime[0]
		c.Realtime = c.Realtime[1:]
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &provider.RealtimeResult{
		Content:      resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		FinishReason: "STOP",
	}, nil
}

func (c *Client) FormatBatchRequest(unitID, prompt string, schema map[string]any) (map[string]any, error) {
	return map[string]any{"custom_id": unitID, "prompt": prompt}, nil
}

func (c *Client) UploadBatchFile(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	c.UploadCount++
	c.mu.Unlock()
	return path, nil
}

func (c *Client) CreateBatch(ctx context.Context, fileID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateBatchErr != nil {
		return "", c.CreateBatchErr
	}
	records, err := jsonl.Load(fileID)
	if err != nil {
		return "", err
	}
	var unitIDs []string
	for _, rec := range records {
		if id, ok := rec["custom_id"].(string); ok {
			unitIDs = append(unitIDs, id)
		}
	}
	c.nextBatch++
	batchID := fmt.Sprintf("mock-batch-%03d", c.nextBatch)
	c.batches[batchID] = unitIDs
	return batchID, nil
}

func (c *Client) GetBatchStatus(ctx context.Context, batchID string) (*provider.BatchStatusInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	unitIDs, ok := c.batches[batchID]
	if !ok {
		return nil, provider.NewError("mock", "get_batch_status", fmt.Errorf("unknown batch %s", batchID))
	}
	c.polls[batchID]++
	if c.polls[batchID] <= c.PollsUntilComplete {
		return &provider.BatchStatusInfo{Status: provider.BatchRunning, ProviderStatus: "running"}, nil
	}
	return &provider.BatchStatusInfo{
		Status:         provider.BatchCompleted,
		ProviderStatus: "completed",
		Progress:       fmt.Sprintf("%d/%d", len(unitIDs), len(unitIDs)),
	}, nil
}

func (c *Client) DownloadBatchResults(ctx context.Context, batchID string) ([]provider.BatchResult, *provider.BatchMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	unitIDs, ok := c.batches[batchID]
	if !ok {
		return nil, nil, provider.NewError("mock", "download", fmt.Errorf("unknown batch %s", batchID))
	}
	var results []provider.BatchResult
	totalInput, totalOutput := 0, 0
	for _, unitID := range unitIDs {
		resp, scripted := c.ByUnit[unitID]
		if !scripted {
			resp = Response{Content: c.DefaultContent, InputTokens: 10, OutputTokens: 5}
		}
		result := provider.BatchResult{
			UnitID:       unitID,
			Content:      resp.Content,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		}
		if resp.Err != nil {
			result.Error = resp.Err.Error()
			result.Content = ""
		}
		totalInput += result.InputTokens
		totalOutput += result.OutputTokens
		results = append(results, result)
	}
	metadata := &provider.BatchMetadata{
		TotalInputTokens:  totalInput,
		TotalOutputTokens: totalOutput,
		Provider:          "mock",
		Model:             c.ModelName,
	}
	return results, metadata, nil
}

func (c *Client) CancelBatch(ctx context.Context, batchID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.batches[batchID]; !ok {
		return false, nil
	}
	c.Cancelled = append(c.Cancelled, batchID)
	return true, nil
}

func (c *Client) EstimateCost(inputTokens, outputTokens int, isBatch bool) float64 {
	return float64(inputTokens+outputTokens) / 1e6
}
