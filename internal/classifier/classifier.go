// Package classifier calls an optional OpenAI-compatible completion API for
// a structured judgment on unusual usage patterns. It is a best-effort
// collaborator: every failure path returns ErrUnavailable so callers fall
// back to the deterministic rule-based evaluation.
package classifier

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
)

// ErrUnavailable signals that no trustworthy judgment could be obtained.
var ErrUnavailable = errors.New("classifier: unavailable")

// Judgment is the validated verdict on a usage pattern.
type Judgment struct {
	IsUnusual      bool   `json:"is_unusual"`
	LikelyCause    string `json:"likely_cause"`
	Severity       string `json:"severity"`
	Recommendation string `json:"recommendation"`
	ShouldPause    bool   `json:"should_pause"`
}

// PatternSummary is the JSON-shaped usage summary handed to the model.
type PatternSummary struct {
	Account               string  `json:"account"`
	RecentCostPerMinute   float64 `json:"recent_cost_per_minute"`
	BaselineCostPerMinute float64 `json:"baseline_cost_per_minute"`
	RecentCallsPerMinute  float64 `json:"recent_calls_per_minute"`
	BaselineCallsPerMinute float64 `json:"baseline_calls_per_minute"`
	CostMultiplier        float64 `json:"cost_multiplier"`
	RateMultiplier        float64 `json:"rate_multiplier"`
}

// Options parameterise the completion client.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs a classifier client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.deepseek.com/v1"
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "classifier").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// ClassifyPattern requests a judgment for the summary. Any transport error,
// non-2xx status, or malformed/invalid response yields ErrUnavailable.
func (c *Client) ClassifyPattern(ctx context.Context, summary PatternSummary) (*Judgment, error) {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal summary: %v", ErrUnavailable, err)
	}

	prompt := fmt.Sprintf(`Unusual API usage detected:
%s

Is this likely a bug, a legitimate spike, testing activity, or a security issue?
Respond in JSON: {"is_unusual": true/false, "likely_cause": "bug|spike|testing|security", "severity": "critical|high|medium|low", "recommendation": "...", "should_pause": true/false}`, summaryJSON)

	reqPayload := chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a security and cost analyst for API usage."},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
		Temperature:    0.3,
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrUnavailable, err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var completion chatResponse
	if err := json.Unmarshal(payload, &completion); err != nil {
		return nil, fmt.Errorf("%w: decode completion: %v", ErrUnavailable, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrUnavailable)
	}

	var judgment Judgment
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &judgment); err != nil {
		return nil, fmt.Errorf("%w: decode judgment: %v", ErrUnavailable, err)
	}

	// Reject duck-typed responses outside the declared vocabulary rather
	// than propagating partial trust.
	if err := judgment.validate(); err != nil {
		c.logger.Warn().Err(err).Msg("classifier returned invalid judgment")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &judgment, nil
}

func (j *Judgment) validate() error {
	switch j.Severity {
	case "critical", "high", "medium", "low":
	default:
		return fmt.Errorf("invalid severity %q", j.Severity)
	}
	switch j.LikelyCause {
	case "bug", "spike", "testing", "security":
	default:
		return fmt.Errorf("invalid likely_cause %q", j.LikelyCause)
	}
	return nil
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
