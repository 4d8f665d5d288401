package veo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digkill/MeeMeeBot/internal/config"
)

// ErrNoVideo is returned when the provider answers without a video or an operation.
var ErrNoVideo = errors.New("invalid provider response: no video or operation")

const maxDownloadBytes = 200 << 20

// Client talks to the Veo video generation API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

// Submission is the result of starting a generation: either the finished
// video or an operation handle to poll.
type Submission struct {
	VideoURL  string
	Operation string
}

// OperationStatus is one poll of a long-running operation.
type OperationStatus struct {
	Done     bool
	VideoURL string
	Error    string
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		apiKey:  cfg.VeoAPIKey,
		baseURL: strings.TrimRight(cfg.VeoBaseURL, "/"),
		model:   cfg.VeoModel,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type videoPart struct {
	Text  string `json:"text,omitempty"`
	Video *struct {
		URI string `json:"uri"`
	} `json:"video,omitempty"`
}

type candidate struct {
	Content struct {
		Parts []videoPart `json:"parts"`
	} `json:"content"`
}

func firstVideo(candidates []candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	parts := candidates[0].Content.Parts
	if len(parts) == 0 || parts[0].Video == nil {
		return ""
	}
	return parts[0].Video.URI
}

// Submit starts generating a video for prompt.
func (c *Client) Submit(ctx context.Context, prompt string) (*Submission, error) {
	payload := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]any{{"text": prompt}}},
		},
		"generationConfig": map[string]any{
			"responseCount": 1,
			"aspectRatio":   "16:9",
			"duration":      5,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))
	if c.log != nil {
		c.log.Info("submitting veo generation", "model", c.model)
	}

	rawBody, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Name       string      `json:"name"`
		Operation  string      `json:"operation"`
		Candidates []candidate `json:"candidates"`
	}
	if err := json.Unmarshal(rawBody, &resp); err != nil {
		return nil, fmt.Errorf("decode submit response: %w (body=%s)", err, truncateBody(rawBody))
	}

	if uri := firstVideo(resp.Candidates); uri != "" {
		return &Submission{VideoURL: uri}, nil
	}
	op := resp.Name
	if op == "" {
		op = resp.Operation
	}
	if op == "" {
		return nil, ErrNoVideo
	}
	if c.log != nil {
		c.log.Info("veo operation started", "operation", op)
	}
	return &Submission{Operation: op}, nil
}

// PollOperation fetches the current state of a long-running operation.
func (c *Client) PollOperation(ctx context.Context, operation string) (*OperationStatus, error) {
	endpoint := c.baseURL + "/" + strings.TrimLeft(operation, "/")
	rawBody, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Done  bool `json:"done"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Response struct {
			Candidates []candidate `json:"candidates"`
		} `json:"response"`
	}
	if err := json.Unmarshal(rawBody, &resp); err != nil {
		return nil, fmt.Errorf("decode operation: %w (body=%s)", err, truncateBody(rawBody))
	}

	status := &OperationStatus{Done: resp.Done}
	if !resp.Done {
		return status, nil
	}
	if resp.Error != nil {
		status.Error = resp.Error.Message
		if status.Error == "" {
			status.Error = "generation failed"
		}
		return status, nil
	}
	status.VideoURL = firstVideo(resp.Response.Candidates)
	return status, nil
}

// Download fetches a finished video. Provider URIs need the API key.
func (c *Client) Download(ctx context.Context, uri string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	if strings.HasPrefix(uri, c.baseURL) {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("download video: status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read video: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s veo: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("veo request failed", "status", resp.StatusCode, "method", method, "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("veo error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}
	return rawBody, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
