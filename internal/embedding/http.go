package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gbarbosa99/dialects/internal/audio"
)

// Static errors for the remote extractor.
var (
	// ErrEndpointRequired is returned when no endpoint URL is provided.
	ErrEndpointRequired = errors.New("embedding: endpoint URL is required")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("embedding: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("embedding: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("embedding: request failed")
	// ErrRemote is returned when the endpoint answers 2xx with an error payload.
	ErrRemote = errors.New("embedding: remote inference failed")
)

// embedRequest is the JSON body sent to the inference endpoint.
type embedRequest struct {
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
	Model       string `json:"model,omitempty"`
}

// embedResponse is the JSON body returned by the inference endpoint.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// HTTPExtractor calls a remote embedding service. The clip is sent as a
// base64 WAV and the service answers with a flat float array.
type HTTPExtractor struct {
	endpoint    string
	dim         int
	apiKey      string
	model       string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// HTTPOption is a function that configures an HTTPExtractor.
type HTTPOption func(*HTTPExtractor)

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) HTTPOption {
	return func(e *HTTPExtractor) {
		e.apiKey = key
	}
}

// WithModel sets the model name forwarded to the service.
func WithModel(model string) HTTPOption {
	return func(e *HTTPExtractor) {
		e.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPExtractor) {
		e.httpClient = c
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) HTTPOption {
	return func(e *HTTPExtractor) {
		e.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) HTTPOption {
	return func(e *HTTPExtractor) {
		e.baseBackoff = d
	}
}

// NewHTTPExtractor creates an extractor for endpoint that declares dim.
func NewHTTPExtractor(endpoint string, dim int, opts ...HTTPOption) (*HTTPExtractor, error) {
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dim)
	}

	e := &HTTPExtractor{
		endpoint:    strings.TrimRight(endpoint, "/"),
		dim:         dim,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		maxRetries:  3,
		baseBackoff: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Name implements Extractor.Name.
func (e *HTTPExtractor) Name() string { return "http" }

// Dim implements Extractor.Dim.
func (e *HTTPExtractor) Dim() int { return e.dim }

// Extract implements Extractor.Extract.
func (e *HTTPExtractor) Extract(ctx context.Context, clip *audio.Clip) (Vector, error) {
	wavData, err := audio.WAVBytes(clip)
	if err != nil {
		return Vector{}, &InferenceError{Op: e.Name(), Err: fmt.Errorf("encode clip: %w", err)}
	}

	body, err := json.Marshal(embedRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(wavData),
		SampleRate:  clip.SampleRate,
		Model:       e.model,
	})
	if err != nil {
		return Vector{}, &InferenceError{Op: e.Name(), Err: fmt.Errorf("marshal request: %w", err)}
	}

	var resp embedResponse
	if err := e.doRequestWithRetry(ctx, body, &resp); err != nil {
		return Vector{}, &InferenceError{Op: e.Name(), Err: err}
	}
	if resp.Error != "" {
		return Vector{}, &InferenceError{Op: e.Name(), Err: fmt.Errorf("%w: %s", ErrRemote, resp.Error)}
	}

	vec := NewVector(resp.Embedding)
	if err := vec.Validate(e.dim); err != nil {
		return Vector{}, &InferenceError{Op: e.Name(), Err: err}
	}
	return vec, nil
}

// doRequestWithRetry performs the POST with exponential backoff retry.
func (e *HTTPExtractor) doRequestWithRetry(ctx context.Context, body []byte, result *embedResponse) error {
	var lastErr error
	backoff := e.baseBackoff

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := e.doRequest(ctx, body, result)
		if err == nil {
			return nil
		}
		if !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doRequest performs a single HTTP request.
func (e *HTTPExtractor) doRequest(ctx context.Context, body []byte, result *embedResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(respBody))}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(respBody))}
		}
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Verify interface implementation at compile time.
var _ Extractor = (*HTTPExtractor)(nil)
