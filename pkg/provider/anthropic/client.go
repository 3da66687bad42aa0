// Package anthropic implements the provider port against the Anthropic
// Messages and Message Batches APIs.
package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/chunkflow/chunkflow/pkg/provider"
)

const (
	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com/v1"
	// APIVersion is the required version header value.
	APIVersion = "2023-06-01"
	// DefaultModel is used when the config names none.
	DefaultModel = "claude-3-5-haiku-20241022"
	// DefaultMaxTokens bounds responses when the config sets no limit; the
	// Messages API requires an explicit value.
	DefaultMaxTokens = 4096
	// EnvVar names the API key variable.
	EnvVar = "ANTHROPIC_API_KEY"
)

var statusMap = map[string]provider.BatchStatus{
	"in_progress": provider.BatchRunning,
	"canceling":   provider.BatchRunning,
	"ended":       provider.BatchCompleted,
}

func init() {
	provider.Register("anthropic", EnvVar, func(settings provider.Settings, apiKey string) (provider.Provider, error) {
		return NewClient(settings, apiKey), nil
	})
}

// Client implements provider.Provider for Anthropic.
type Client struct {
	http      *provider.HTTPClient
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	retry     provider.RetryConfig
	registry  *provider.Registry
}

// NewClient builds an Anthropic client from settings.
func NewClient(settings provider.Settings, apiKey string) *Client {
	model := settings.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		http:      provider.NewHTTPClient(settings.Timeout()),
		apiKey:    apiKey,
		baseURL:   DefaultBaseURL,
		model:     model,
		maxTokens: maxTokens,
		retry:     settings.Retry,
		registry:  settings.Registry,
	}
}

func (c *Client) Name() string  { return "anthropic" }
func (c *Client) Model() string { return c.model }

func (c *Client) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": APIVersion,
	}
}

// GenerateRealtime makes one synchronous Messages call.
func (c *Client) GenerateRealtime(ctx context.Context, prompt string, schema map[string]any) (*provider.RealtimeResult, error) {
	req := messageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []message{{Role: "user", Content: withSchema(prompt, schema)}},
	}
	var resp messageResponse
	status, err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/messages", c.headers(), req, &resp)
	if err != nil {
		return nil, provider.ClassifyHTTPError("anthropic", "generate", status, err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	finish := resp.StopReason
	if finish == "" {
		finish = "end_turn"
	}
	return &provider.RealtimeResult{
		Content:      text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		FinishReason: finish,
	}, nil
}

// withSchema appends a JSON-schema instruction to the prompt. The Messages
// API has no structured-output mode, so the schema rides in the prompt.
func withSchema(prompt string, schema map[string]any) string {
	if schema == nil {
		return prompt
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return prompt
	}
	return fmt.Sprintf("%s\n\nRespond with valid JSON matching this schema: %s", prompt, encoded)
}

// FormatBatchRequest renders one unit as a Message Batches request line.
func (c *Client) FormatBatchRequest(unitID, prompt string, schema map[string]any) (map[string]any, error) {
	return map[string]any{
		"custom_id": unitID,
		"params": map[string]any{
			"model":      c.model,
			"max_tokens": c.maxTokens,
			"messages": []any{
				map[string]any{"role": "user", "content": withSchema(prompt, schema)},
			},
		},
	}, nil
}

// UploadBatchFile is a no-op: the Message Batches API takes inline
// requests, so the path is returned unchanged and read at create time.
func (c *Client) UploadBatchFile(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", provider.NewError("anthropic", "upload", fmt.Errorf("batch file not found: %w", err))
	}
	return path, nil
}

// CreateBatch reads the request file and submits its lines inline,
// retrying transient failures with exponential backoff.
func (c *Client) CreateBatch(ctx context.Context, fileID string) (string, error) {
	requests, err := readRequests(fileID)
	if err != nil {
		return "", err
	}
	if len(requests) == 0 {
		return "", provider.NewError("anthropic", "create_batch", fmt.Errorf("no valid requests found in %s", fileID))
	}

	var batchID string
	err = provider.RetryTransient(ctx, c.retry, func() error {
		var batch batchObject
		status, err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/messages/batches", c.headers(),
			batchCreateRequest{Requests: requests}, &batch)
		if err != nil {
			return provider.ClassifyHTTPError("anthropic", "create_batch", status, err)
		}
		if batch.ID == "" {
			return provider.NewError("anthropic", "create_batch", fmt.Errorf("response missing batch id"))
		}
		batchID = batch.ID
		return nil
	})
	return batchID, err
}

func readRequests(path string) ([]batchRequestLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, provider.NewError("anthropic", "create_batch", fmt.Errorf("batch file not found: %w", err))
	}
	defer f.Close()

	var requests []batchRequestLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req batchRequestLine
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return nil, provider.NewError("anthropic", "create_batch",
				fmt.Errorf("invalid JSON on line %d: %w", lineNum, err))
		}
		requests = append(requests, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, provider.NewError("anthropic", "create_batch", err)
	}
	return requests, nil
}

// GetBatchStatus polls a batch and normalises its processing status. An
// "ended" batch with zero succeeded requests and at least one error counts
// as failed.
func (c *Client) GetBatchStatus(ctx context.Context, batchID string) (*provider.BatchStatusInfo, error) {
	var batch batchObject
	status, err := c.http.DoJSON(ctx, http.MethodGet, c.baseURL+"/messages/batches/"+batchID, c.headers(), nil, &batch)
	if err != nil {
		return nil, provider.ClassifyHTTPError("anthropic", "get_batch_status", status, err)
	}
	normalised := provider.NormalizeStatus(statusMap, batch.ProcessingStatus)
	counts := batch.RequestCounts
	total := counts.Processing + counts.Succeeded + counts.Errored + counts.Canceled + counts.Expired
	if normalised == provider.BatchCompleted {
		if counts.Succeeded == 0 && counts.Errored > 0 {
			normalised = provider.BatchFailed
		} else if counts.Canceled == total && total > 0 {
			normalised = provider.BatchCancelled
		}
	}
	info := &provider.BatchStatusInfo{
		Status:         normalised,
		ProviderStatus: batch.ProcessingStatus,
		CreatedAt:      batch.CreatedAt,
		UpdatedAt:      batch.EndedAt,
	}
	if total > 0 {
		info.Progress = fmt.Sprintf("%d/%d", counts.Succeeded+counts.Errored, total)
	}
	if normalised == provider.BatchFailed {
		info.Error = fmt.Sprintf("%d requests errored", counts.Errored)
	}
	return info, nil
}

// DownloadBatchResults streams the results file and parses one result per
// line.
func (c *Client) DownloadBatchResults(ctx context.Context, batchID string) ([]provider.BatchResult, *provider.BatchMetadata, error) {
	var batch batchObject
	status, err := c.http.DoJSON(ctx, http.MethodGet, c.baseURL+"/messages/batches/"+batchID, c.headers(), nil, &batch)
	if err != nil {
		return nil, nil, provider.ClassifyHTTPError("anthropic", "download", status, err)
	}
	if batch.ProcessingStatus != "ended" {
		return nil, nil, provider.NewError("anthropic", "download",
			fmt.Errorf("batch not ended, current status: %s", batch.ProcessingStatus))
	}
	resultsURL := batch.ResultsURL
	if resultsURL == "" {
		resultsURL = c.baseURL + "/messages/batches/" + batchID + "/results"
	}

	data, status, err := c.http.DoRaw(ctx, http.MethodGet, resultsURL, c.headers())
	if err != nil {
		return nil, nil, provider.ClassifyHTTPError("anthropic", "download", status, err)
	}

	var results []provider.BatchResult
	totalInput, totalOutput := 0, 0
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var parsed batchResultLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		result := provider.BatchResult{UnitID: parsed.CustomID}
		switch parsed.Result.Type {
		case "succeeded":
			if msg := parsed.Result.Message; msg != nil {
				var text strings.Builder
				for _, block := range msg.Content {
					if block.Type == "text" {
						text.WriteString(block.Text)
					}
				}
				result.Content = text.String()
				result.InputTokens = msg.Usage.InputTokens
				result.OutputTokens = msg.Usage.OutputTokens
			} else {
				result.Error = "succeeded result missing message"
			}
		case "errored":
			if parsed.Result.Error != nil {
				result.Error = parsed.Result.Error.Message
			} else {
				result.Error = "request errored"
			}
		default:
			result.Error = "request " + parsed.Result.Type
		}
		totalInput += result.InputTokens
		totalOutput += result.OutputTokens
		results = append(results, result)
	}

	metadata := &provider.BatchMetadata{
		TotalInputTokens:  totalInput,
		TotalOutputTokens: totalOutput,
		StartedAt:         batch.CreatedAt,
		CompletedAt:       batch.EndedAt,
		Provider:          "anthropic",
		Model:             c.model,
	}
	return results, metadata, nil
}

// CancelBatch cancels a running batch.
func (c *Client) CancelBatch(ctx context.Context, batchID string) (bool, error) {
	info, err := c.GetBatchStatus(ctx, batchID)
	if err != nil {
		return false, err
	}
	if info.Status.Terminal() {
		return false, nil
	}
	status, err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/messages/batches/"+batchID+"/cancel", c.headers(), struct{}{}, nil)
	if err != nil {
		return false, provider.ClassifyHTTPError("anthropic", "cancel_batch", status, err)
	}
	return true, nil
}

// EstimateCost computes USD cost from the model registry.
func (c *Client) EstimateCost(inputTokens, outputTokens int, isBatch bool) float64 {
	return c.registry.EstimateCost("anthropic", c.model, inputTokens, outputTokens, isBatch)
}
