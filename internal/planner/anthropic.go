package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"taskline/internal/domain"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"
	anthropicModel      = "claude-3-5-sonnet-20241022"
	anthropicVersion    = "2023-06-01"
	anthropicMaxRetries = 5
	anthropicInitDelay  = 2 * time.Second
)

// AnthropicClient calls the Anthropic Messages API. Fields may be adjusted
// after construction; the zero value is not usable.
type AnthropicClient struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	RetryDelay time.Duration
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewAnthropicClient creates a client for the Anthropic Messages API.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		APIKey:     apiKey,
		BaseURL:    anthropicBaseURL,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		MaxRetries: anthropicMaxRetries,
		RetryDelay: anthropicInitDelay,
	}
}

// GeneratePlan sends the prompt to the Messages API and parses the draft it
// returns. Rate limits and server errors are retried with exponential
// backoff; auth failures and malformed output are not.
func (c *AnthropicClient) GeneratePlan(ctx context.Context, req Request) (*Draft, error) {
	if c.APIKey == "" {
		return nil, domain.NewError(domain.CodePlannerAuth, "ANTHROPIC_API_KEY not set")
	}

	model := req.Model
	if model == "" {
		model = anthropicModel
	}

	apiReq := anthropicRequest{
		Model:     model,
		MaxTokens: 4096,
		System:    plannerSystemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: buildPrompt(req)},
		},
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, domain.WrapError(domain.CodePlannerUpstream, err, "marshal request")
	}

	var lastErr error
	rateLimited := false
	for attempt := 0; attempt < c.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * c.RetryDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL, bytes.NewReader(body))
		if err != nil {
			return nil, domain.WrapError(domain.CodePlannerUpstream, err, "create request")
		}
		httpReq.Header.Set("x-api-key", c.APIKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("HTTP request failed: %w", err)
			rateLimited = false
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			rateLimited = false
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("anthropic API error (%d): %s", resp.StatusCode, string(respBody))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				rateLimited = resp.StatusCode == http.StatusTooManyRequests
				continue
			}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, domain.WrapError(domain.CodePlannerAuth, lastErr, "anthropic rejected the API key")
			}
			return nil, domain.WrapError(domain.CodePlannerUpstream, lastErr, "anthropic request failed")
		}

		var apiResp anthropicResponse
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			return nil, domain.WrapError(domain.CodePlannerUpstream, err, "decode response")
		}
		if len(apiResp.Content) == 0 {
			return nil, domain.NewError(domain.CodePlannerMalformedOutput, "empty response content")
		}
		return parseDraft(apiResp.Content[0].Text)
	}

	if rateLimited {
		return nil, domain.WrapError(domain.CodePlannerRateLimited, lastErr,
			"anthropic rate limit persisted across %d attempts", c.MaxRetries)
	}
	return nil, domain.WrapError(domain.CodePlannerUpstream, lastErr, "max retries (%d) exceeded", c.MaxRetries)
}
