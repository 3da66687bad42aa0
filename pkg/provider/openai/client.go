// Package openai implements the provider port against the OpenAI REST API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chunkflow/chunkflow/pkg/provider"
)

const (
	// DefaultBaseURL is the OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel is used when the config names none.
	DefaultModel = "gpt-4o-mini"
	// EnvVar names the API key variable.
	EnvVar = "OPENAI_API_KEY"
)

var statusMap = map[string]provider.BatchStatus{
	"validating":  provider.BatchPending,
	"in_progress": provider.BatchRunning,
	"finalizing":  provider.BatchRunning,
	"completed":   provider.BatchCompleted,
	"failed":      provider.BatchFailed,
	"expired":     provider.BatchFailed,
	"cancelling":  provider.BatchRunning,
	"cancelled":   provider.BatchCancelled,
}

func init() {
	provider.Register("openai", EnvVar, func(settings provider.Settings, apiKey string) (provider.Provider, error) {
		return NewClient(settings, apiKey), nil
	})
}

// Client implements provider.Provider for OpenAI.
type Client struct {
	http      *provider.HTTPClient
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	retry     provider.RetryConfig
	registry  *provider.Registry
}

// NewClient builds an OpenAI client from settings.
func NewClient(settings provider.Settings, apiKey string) *Client {
	model := settings.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		http:      provider.NewHTTPClient(settings.Timeout()),
		apiKey:    apiKey,
		baseURL:   DefaultBaseURL,
		model:     model,
		maxTokens: settings.MaxTokens,
		retry:     settings.Retry,
		registry:  settings.Registry,
	}
}

func (c *Client) Name() string  { return "openai" }
func (c *Client) Model() string { return c.model }

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// GenerateRealtime makes one synchronous chat-completions call.
func (c *Client) GenerateRealtime(ctx context.Context, prompt string, schema map[string]any) (*provider.RealtimeResult, error) {
	req := chatRequest{
		Model:     c.model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: c.maxTokens,
	}
	if schema != nil {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	var resp chatResponse
	status, err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/chat/completions", c.headers(), req, &resp)
	if err != nil {
		return nil, provider.ClassifyHTTPError("openai", "generate", status, err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.NewError("openai", "generate", fmt.Errorf("no choices in response"))
	}
	choice := resp.Choices[0]
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return &provider.RealtimeResult{
		Content:      choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		FinishReason: finish,
	}, nil
}

// FormatBatchRequest renders one unit as an OpenAI batch line. A schema
// enables json_object response format.
func (c *Client) FormatBatchRequest(unitID, prompt string, schema map[string]any) (map[string]any, error) {
	body := map[string]any{
		"model":    c.model,
		"messages": []any{map[string]any{"role": "user", "content": prompt}},
	}
	if c.maxTokens > 0 {
		body["max_tokens"] = c.maxTokens
	}
	if schema != nil {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	return map[string]any{
		"custom_id": unitID,
		"method":    "POST",
		"url":       "/v1/chat/completions",
		"body":      body,
	}, nil
}

// UploadBatchFile uploads the JSONL request file with purpose "batch".
func (c *Client) UploadBatchFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", provider.NewError("openai", "upload", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("purpose", "batch"); err != nil {
		return "", provider.NewError("openai", "upload", err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", provider.NewError("openai", "upload", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", provider.NewError("openai", "upload", err)
	}
	if err := writer.Close(); err != nil {
		return "", provider.NewError("openai", "upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return "", provider.NewError("openai", "upload", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Client.Do(req)
	if err != nil {
		return "", provider.NewError("openai", "upload", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.NewError("openai", "upload", err)
	}
	if resp.StatusCode >= 400 {
		return "", provider.ClassifyHTTPError("openai", "upload", resp.StatusCode,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, body))
	}
	var uploaded fileResponse
	if err := json.Unmarshal(body, &uploaded); err != nil {
		return "", provider.NewError("openai", "upload", fmt.Errorf("decode upload response: %w", err))
	}
	return uploaded.ID, nil
}

// CreateBatch starts a batch job with the 24h completion window, retrying
// transient failures with exponential backoff.
func (c *Client) CreateBatch(ctx context.Context, fileID string) (string, error) {
	var batchID string
	err := provider.RetryTransient(ctx, c.retry, func() error {
		req := batchCreateRequest{
			InputFileID:      fileID,
			Endpoint:         "/v1/chat/completions",
			CompletionWindow: "24h",
		}
		var batch batchObject
		status, err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/batches", c.headers(), req, &batch)
		if err != nil {
			return provider.ClassifyHTTPError("openai", "create_batch", status, err)
		}
		if batch.ID == "" {
			return provider.NewError("openai", "create_batch", fmt.Errorf("response missing batch id"))
		}
		batchID = batch.ID
		return nil
	})
	return batchID, err
}

// GetBatchStatus polls a batch job and normalises its state.
func (c *Client) GetBatchStatus(ctx context.Context, batchID string) (*provider.BatchStatusInfo, error) {
	var batch batchObject
	status, err := c.http.DoJSON(ctx, http.MethodGet, c.baseURL+"/batches/"+batchID, c.headers(), nil, &batch)
	if err != nil {
		return nil, provider.ClassifyHTTPError("openai", "get_batch_status", status, err)
	}
	normalised := provider.NormalizeStatus(statusMap, batch.Status)
	info := &provider.BatchStatusInfo{
		Status:         normalised,
		ProviderStatus: batch.Status,
		CreatedAt:      unixToISO(batch.CreatedAt),
		UpdatedAt:      unixToISO(batch.CompletedAt),
	}
	if batch.RequestCounts.Total > 0 {
		info.Progress = fmt.Sprintf("%d/%d", batch.RequestCounts.Completed, batch.RequestCounts.Total)
	}
	if normalised == provider.BatchFailed {
		if batch.Errors != nil && len(batch.Errors.Data) > 0 {
			info.Error = batch.Errors.Data[0].Message
		} else {
			info.Error = batch.Status
		}
	}
	return info, nil
}

// DownloadBatchResults downloads the output (and error) files and parses
// one result per line.
func (c *Client) DownloadBatchResults(ctx context.Context, batchID string) ([]provider.BatchResult, *provider.BatchMetadata, error) {
	var batch batchObject
	status, err := c.http.DoJSON(ctx, http.MethodGet, c.baseURL+"/batches/"+batchID, c.headers(), nil, &batch)
	if err != nil {
		return nil, nil, provider.ClassifyHTTPError("openai", "download", status, err)
	}
	normalised := provider.NormalizeStatus(statusMap, batch.Status)
	if normalised != provider.BatchCompleted && normalised != provider.BatchFailed {
		return nil, nil, provider.NewError("openai", "download",
			fmt.Errorf("batch not completed, current status: %s", normalised))
	}

	var results []provider.BatchResult
	totalInput, totalOutput := 0, 0
	for _, fileID := range []string{batch.OutputFileID, batch.ErrorFileID} {
		if fileID == "" {
			continue
		}
		data, status, err := c.http.DoRaw(ctx, http.MethodGet, c.baseURL+"/files/"+fileID+"/content", c.headers())
		if err != nil {
			return nil, nil, provider.ClassifyHTTPError("openai", "download", status, err)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			var parsed batchOutputLine
			if err := json.Unmarshal([]byte(line), &parsed); err != nil {
				continue
			}
			result := provider.BatchResult{UnitID: parsed.CustomID}
			switch {
			case parsed.Error != nil:
				result.Error = parsed.Error.Message
			case parsed.Response != nil && parsed.Response.StatusCode >= 400:
				result.Error = fmt.Sprintf("HTTP %d", parsed.Response.StatusCode)
			case parsed.Response != nil && len(parsed.Response.Body.Choices) > 0:
				result.Content = parsed.Response.Body.Choices[0].Message.Content
				result.InputTokens = parsed.Response.Body.Usage.PromptTokens
				result.OutputTokens = parsed.Response.Body.Usage.CompletionTokens
			default:
				result.Error = "empty response"
			}
			totalInput += result.InputTokens
			totalOutput += result.OutputTokens
			results = append(results, result)
		}
	}

	metadata := &provider.BatchMetadata{
		TotalInputTokens:  totalInput,
		TotalOutputTokens: totalOutput,
		StartedAt:         unixToISO(batch.CreatedAt),
		CompletedAt:       unixToISO(batch.CompletedAt),
		Provider:          "openai",
		Model:             c.model,
	}
	return results, metadata, nil
}

// CancelBatch cancels a running batch job.
func (c *Client) CancelBatch(ctx context.Context, batchID string) (bool, error) {
	info, err := c.GetBatchStatus(ctx, batchID)
	if err != nil {
		return false, err
	}
	if info.Status.Terminal() {
		return false, nil
	}
	status, err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/batches/"+batchID+"/cancel", c.headers(), struct{}{}, nil)
	if err != nil {
		return false, provider.ClassifyHTTPError("openai", "cancel_batch", status, err)
	}
	return true, nil
}

// EstimateCost computes USD cost from the model registry.
func (c *Client) EstimateCost(inputTokens, outputTokens int, isBatch bool) float64 {
	return c.registry.EstimateCost("openai", c.model, inputTokens, outputTokens, isBatch)
}

func unixToISO(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02T15:04:05Z")
}
