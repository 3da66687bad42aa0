// Package gemini implements the provider port against the Gemini REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/chunkflow/chunkflow/pkg/provider"
)

const (
	// DefaultBaseURL is the Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// uploadBaseURL is the media-upload endpoint for batch request files.
	uploadBaseURL = "https://generativelanguage.googleapis.com/upload/v1beta"
	// DefaultModel is used when the config names none.
	DefaultModel = "gemini-2.0-flash-001"
	// EnvVar names the API key variable.
	EnvVar = "GOOGLE_API_KEY"
)

// statusMap is the static tier of batch-state normalisation; unknown codes
// fall through to the substring classifier.
var statusMap = map[string]provider.BatchStatus{
	"JOB_STATE_PENDING":            provider.BatchPending,
	"JOB_STATE_QUEUED":             provider.BatchPending,
	"JOB_STATE_RUNNING":            provider.BatchRunning,
	"JOB_STATE_SUCCEEDED":          provider.BatchCompleted,
	"JOB_STATE_FAILED":             provider.BatchFailed,
	"JOB_STATE_CANCELLED":          provider.BatchCancelled,
	"JOB_STATE_EXPIRED":            provider.BatchFailed,
	"BATCH_STATE_PENDING":          provider.BatchPending,
	"BATCH_STATE_RUNNING":          provider.BatchRunning,
	"BATCH_STATE_SUCCEEDED":        provider.BatchCompleted,
	"BATCH_STATE_FAILED":           provider.BatchFailed,
	"BATCH_STATE_CANCELLED":        provider.BatchCancelled,
}

func init() {
	provider.Register("gemini", EnvVar, func(settings provider.Settings, apiKey string) (provider.Provider, error) {
		return NewClient(settings, apiKey), nil
	})
}

// Client implements provider.Provider for Gemini.
type Client struct {
	http     *provider.HTTPClient
	apiKey   string
	baseURL  string
	model    string
	retry    provider.RetryConfig
	registry *provider.Registry
}

// NewClient builds a Gemini client from settings.
func NewClient(settings provider.Settings, apiKey string) *Client {
	model := settings.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		http:     provider.NewHTTPClient(settings.Timeout()),
		apiKey:   apiKey,
		baseURL:  DefaultBaseURL,
		model:    model,
		retry:    settings.Retry,
		registry: settings.Registry,
	}
}

func (c *Client) Name() string  { return "gemini" }
func (c *Client) Model() string { return c.model }

func (c *Client) keyed(url string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "key=" + c.apiKey
}

// GenerateRealtime makes one synchronous generateContent call.
func (c *Client) GenerateRealtime(ctx context.Context, prompt string, schema map[string]any) (*provider.RealtimeResult, error) {
	req := generateRequest{
		Contents: []generateContent{{Parts: []generatePart{{Text: prompt}}}},
	}
	if schema != nil {
		req.GenerationConfig = &generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   schema,
		}
	}
	url := c.keyed(fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model))
	var resp generateResponse
	status, err := c.http.DoJSON(ctx, http.MethodPost, url, nil, req, &resp)
	if err != nil {
		return nil, provider.ClassifyHTTPError("gemini", "generate", status, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, provider.NewError("gemini", "generate", fmt.Errorf("no candidates in response"))
	}
	candidate := resp.Candidates[0]
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	finish := candidate.FinishReason
	if finish == "" {
		finish = "STOP"
	}
	return &provider.RealtimeResult{
		Content:      text.String(),
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		FinishReason: finish,
	}, nil
}

// FormatBatchRequest renders one unit as a Gemini batch line. The schema is
// not sent: the line carries the prompt text unchanged and no generation
// config.
func (c *Client) FormatBatchRequest(unitID, prompt string, schema map[string]any) (map[string]any, error) {
	return map[string]any{
		"key": unitID,
		"request": map[string]any{
			"contents": []any{
				map[string]any{"parts": []any{map[string]any{"text": prompt}}},
			},
		},
	}, nil
}

// UploadBatchFile uploads the JSONL request file and returns its file name.
func (c *Client) UploadBatchFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", provider.NewError("gemini", "upload", err)
	}
	url := c.keyed(uploadBaseURL + "/files")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", provider.NewError("gemini", "upload", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Upload-Protocol", "raw")

	resp, err := c.http.Client.Do(req)
	if err != nil {
		return "", provider.NewError("gemini", "upload", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.NewError("gemini", "upload", err)
	}
	if resp.StatusCode >= 400 {
		return "", provider.ClassifyHTTPError("gemini", "upload", resp.StatusCode,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, body))
	}
	var uploaded fileUploadResponse
	if err := json.Unmarshal(body, &uploaded); err != nil {
		return "", provider.NewError("gemini", "upload", fmt.Errorf("decode upload response: %w", err))
	}
	if uploaded.File.Name == "" {
		return "", provider.NewError("gemini", "upload", fmt.Errorf("upload response missing file name"))
	}
	return uploaded.File.Name, nil
}

// CreateBatch starts a batch job from an uploaded file, retrying transient
// failures with exponential backoff.
func (c *Client) CreateBatch(ctx context.Context, fileID string) (string, error) {
	var batchID string
	err := provider.RetryTransient(ctx, c.retry, func() error {
		req := batchCreateRequest{Batch: batchSpec{
			DisplayName: "chunkflow-batch",
			InputConfig: batchInputConfig{FileName: fileID},
		}}
		url := c.keyed(fmt.Sprintf("%s/models/%s:batchGenerateContent", c.baseURL, c.model))
		var job batchJob
		status, err := c.http.DoJSON(ctx, http.MethodPost, url, nil, req, &job)
		if err != nil {
			return provider.ClassifyHTTPError("gemini", "create_batch", status, err)
		}
		if job.Name == "" {
			return provider.NewError("gemini", "create_batch", fmt.Errorf("response missing batch name"))
		}
		batchID = job.Name
		return nil
	})
	return batchID, err
}

// GetBatchStatus polls a batch job and normalises its state.
func (c *Client) GetBatchStatus(ctx context.Context, batchID string) (*provider.BatchStatusInfo, error) {
	var job batchJob
	status, err := c.http.DoJSON(ctx, http.MethodGet, c.keyed(c.baseURL+"/"+batchID), nil, nil, &job)
	if err != nil {
		return nil, provider.ClassifyHTTPError("gemini", "get_batch_status", status, err)
	}
	normalised := provider.NormalizeStatus(statusMap, job.Metadata.State)
	info := &provider.BatchStatusInfo{
		Status:         normalised,
		ProviderStatus: job.Metadata.State,
		CreatedAt:      job.Metadata.CreateTime,
		UpdatedAt:      job.Metadata.UpdateTime,
	}
	if job.Metadata.RequestCount > 0 {
		info.Progress = fmt.Sprintf("%d/%d", job.Metadata.CompletedCount, job.Metadata.RequestCount)
	}
	if normalised == provider.BatchFailed {
		info.Error = job.Metadata.ErrorMessage
		if info.Error == "" {
			info.Error = job.Metadata.State
		}
	}
	return info, nil
}

// DownloadBatchResults downloads the output file and parses one result per
// line. Undecodable lines are skipped; the collector accounts for the
// missing units as parse failures.
func (c *Client) DownloadBatchResults(ctx context.Context, batchID string) ([]provider.BatchResult, *provider.BatchMetadata, error) {
	statusInfo, err := c.GetBatchStatus(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	if statusInfo.Status != provider.BatchCompleted && statusInfo.Status != provider.BatchFailed {
		return nil, nil, provider.NewError("gemini", "download",
			fmt.Errorf("batch not completed, current status: %s", statusInfo.Status))
	}

	var job batchJob
	status, err := c.http.DoJSON(ctx, http.MethodGet, c.keyed(c.baseURL+"/"+batchID), nil, nil, &job)
	if err != nil {
		return nil, nil, provider.ClassifyHTTPError("gemini", "download", status, err)
	}
	if job.Dest.FileName == "" {
		return nil, nil, provider.NewError("gemini", "download", fmt.Errorf("no output file available for batch"))
	}

	data, status, err := c.http.DoRaw(ctx, http.MethodGet,
		c.keyed(fmt.Sprintf("%s/%s:download?alt=media", c.baseURL, job.Dest.FileName)), nil)
	if err != nil {
		return nil, nil, provider.ClassifyHTTPError("gemini", "download", status, err)
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
		result := provider.BatchResult{UnitID: parsed.Key}
		if parsed.Error != nil {
			result.Error = parsed.Error.Message
		} else if len(parsed.Response.Candidates) > 0 {
			var text strings.Builder
			for _, part := range parsed.Response.Candidates[0].Content.Parts {
				text.WriteString(part.Text)
			}
			result.Content = text.String()
			result.InputTokens = parsed.Response.UsageMetadata.PromptTokenCount
			result.OutputTokens = parsed.Response.UsageMetadata.CandidatesTokenCount
		} else {
			result.Error = "no candidates in response"
		}
		totalInput += result.InputTokens
		totalOutput += result.OutputTokens
		results = append(results, result)
	}

	metadata := &provider.BatchMetadata{
		TotalInputTokens:  totalInput,
		TotalOutputTokens: totalOutput,
		StartedAt:         statusInfo.CreatedAt,
		CompletedAt:       statusInfo.UpdatedAt,
		Provider:          "gemini",
		Model:             c.model,
	}
	return results, metadata, nil
}

// CancelBatch cancels a running batch job.
func (c *Client) CancelBatch(ctx context.Context, batchID string) (bool, error) {
	statusInfo, err := c.GetBatchStatus(ctx, batchID)
	if err != nil {
		return false, err
	}
	if statusInfo.Status.Terminal() {
		return false, nil
	}
	status, err := c.http.DoJSON(ctx, http.MethodPost, c.keyed(c.baseURL+"/"+batchID+":cancel"), nil, struct{}{}, nil)
	if err != nil {
		return false, provider.ClassifyHTTPError("gemini", "cancel_batch", status, err)
	}
	return true, nil
}

// EstimateCost computes USD cost from the model registry.
func (c *Client) EstimateCost(inputTokens, outputTokens int, isBatch bool) float64 {
	return c.registry.EstimateCost("gemini", c.model, inputTokens, outputTokens, isBatch)
}
