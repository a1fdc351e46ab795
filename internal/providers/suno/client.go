package suno

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trackforge/internal/domain"
	"trackforge/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("suno: api key is required")

// SubmissionError wraps a failed generation submit. The remote task was not
// accepted; the job should move straight to failed.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string { return fmt.Sprintf("suno: submit: %v", e.Err) }
func (e *SubmissionError) Unwrap() error { return e.Err }

// StatusCheckError wraps a failed status poll. Retryable errors leave the job
// untouched; the next poll or webhook delivery tries again.
type StatusCheckError struct {
	Err       error
	Retryable bool
}

func (e *StatusCheckError) Error() string { return fmt.Sprintf("suno: status: %v", e.Err) }
func (e *StatusCheckError) Unwrap() error { return e.Err }

// Options configures the generation API client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	CallbackURL    string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls against the remote music generation API. The
// provider's schemas stay private to this package; callers only see
// domain.RemoteStatus.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	callbackURL string
	httpClient  *http.Client
	logger      *infra.Logger
}

type generateRequest struct {
	Prompt       string `json:"prompt"`
	Tags         string `json:"tags,omitempty"`
	Title        string `json:"title,omitempty"`
	MakeInstr    bool   `json:"make_instrumental,omitempty"`
	ModelVersion string `json:"mv,omitempty"`
	CallbackURL  string `json:"callback_url,omitempty"`
}

type generateResponse struct {
	TaskID  string `json:"task_id"`
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusResponse struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Clips        []clip `json:"clips"`
}

type clip struct {
	AudioURL string `json:"audio_url"`
	ImageURL string `json:"image_url"`
	Title    string `json:"title"`
	Metadata struct {
		Duration float64 `json:"duration"`
		Type     string  `json:"type"`
	} `json:"metadata"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://studio-api.suno.ai/api/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "chirp-v4"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:      strings.TrimSpace(opts.APIKey),
		baseURL:     baseURL,
		model:       model,
		callbackURL: strings.TrimSpace(opts.CallbackURL),
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Submit sends a generation request and returns the remote task id.
func (c *Client) Submit(ctx context.Context, params domain.TrackParams) (string, error) {
	if c.apiKey == "" {
		return "", &SubmissionError{Err: ErrMissingAPIKey}
	}
	payload := generateRequest{
		Prompt:       params.Lyrics,
		Tags:         params.Tags,
		Title:        params.Title,
		MakeInstr:    params.Instrumental,
		ModelVersion: c.model,
		CallbackURL:  c.callbackURL,
	}
	if params.ModelVersion != "" {
		payload.ModelVersion = params.ModelVersion
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &SubmissionError{Err: fmt.Errorf("encode request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", &SubmissionError{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &SubmissionError{Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &SubmissionError{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return "", &SubmissionError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", &SubmissionError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.Code != "" && decoded.Code != "success" {
		return "", &SubmissionError{Err: fmt.Errorf("%s (%s)", decoded.Message, decoded.Code)}
	}
	taskID := strings.TrimSpace(decoded.TaskID)
	if taskID == "" {
		taskID = strings.TrimSpace(decoded.ID)
	}
	if taskID == "" {
		return "", &SubmissionError{Err: errors.New("empty task id")}
	}
	c.logger.Debug().Str("task_id", taskID).Str("model", payload.ModelVersion).Msg("suno: submitted generation task")
	return taskID, nil
}

// Status polls the remote task and normalizes the provider response.
func (c *Client) Status(ctx context.Context, taskID string) (domain.RemoteStatus, error) {
	if c.apiKey == "" {
		return domain.RemoteStatus{}, &StatusCheckError{Err: ErrMissingAPIKey}
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.RemoteStatus{}, &StatusCheckError{Err: errors.New("task id is required")}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/generate/"+taskID, nil)
	if err != nil {
		return domain.RemoteStatus{}, &StatusCheckError{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.RemoteStatus{}, &StatusCheckError{Err: fmt.Errorf("http request: %w", err), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.RemoteStatus{}, &StatusCheckError{Err: fmt.Errorf("read response: %w", err), Retryable: true}
	}
	if resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return domain.RemoteStatus{}, &StatusCheckError{
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			Retryable: retryable,
		}
	}

	var decoded statusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return domain.RemoteStatus{}, &StatusCheckError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return normalizeStatus(decoded), nil
}

// ParseCallback decodes a webhook delivery from the provider into the task id
// it concerns and the normalized status. The payload shape matches what the
// status endpoint returns, so both paths share one normalization.
func ParseCallback(body []byte) (string, domain.RemoteStatus, error) {
	var decoded statusResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", domain.RemoteStatus{}, fmt.Errorf("suno: decode callback: %w", err)
	}
	taskID := strings.TrimSpace(decoded.TaskID)
	if taskID == "" {
		return "", domain.RemoteStatus{}, errors.New("suno: callback missing task id")
	}
	return taskID, normalizeStatus(decoded), nil
}

func normalizeStatus(resp statusResponse) domain.RemoteStatus {
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "complete", "completed":
		results := make([]domain.ResultDescriptor, 0, len(resp.Clips))
		for _, cl := range resp.Clips {
			if strings.TrimSpace(cl.AudioURL) == "" {
				continue
			}
			results = append(results, domain.ResultDescriptor{
				SourceURL:       cl.AudioURL,
				PreviewURL:      cl.ImageURL,
				Title:           cl.Title,
				DurationSeconds: cl.Metadata.Duration,
				MIME:            "audio/mpeg",
			})
		}
		if len(results) == 0 {
			return domain.RemoteStatus{Outcome: domain.OutcomeFailure, Reason: "provider reported complete without results"}
		}
		return domain.RemoteStatus{Outcome: domain.OutcomeSuccess, Results: results}
	case "error", "failed":
		reason := strings.TrimSpace(resp.ErrorMessage)
		if reason == "" {
			reason = "provider reported failure"
		}
		return domain.RemoteStatus{Outcome: domain.OutcomeFailure, Reason: reason}
	default:
		return domain.RemoteStatus{Outcome: domain.OutcomeInProgress}
	}
}
