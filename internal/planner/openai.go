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
	openaiBaseURL    = "https://api.openai.com/v1/chat/completions"
	openaiModel      = "gpt-4o"
	openaiMaxRetries = 3
	openaiInitDelay  = 1 * time.Second
)

// OpenAIClient calls the OpenAI chat completions API. Fields may be adjusted
// after construction; the zero value is not usable.
type OpenAIClient struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	RetryDelay time.Duration
}

type openaiRequest struct {
	Model          string                `json:"model"`
	Messages       []openaiMessage       `json:"messages"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponseFormat struct {
	Type string `json:"type"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewOpenAIClient creates a client for the OpenAI chat completions API.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		APIKey:     apiKey,
		BaseURL:    openaiBaseURL,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		MaxRetries: openaiMaxRetries,
		RetryDelay: openaiInitDelay,
	}
}

// GeneratePlan sends the prompt as a chat completion in JSON mode and parses
// the draft it returns. Retry policy matches the anthropic client: rate
// limits and server errors retry, everything else fails fast.
func (c *OpenAIClient) GeneratePlan(ctx context.Context, req Request) (*Draft, error) {
	if c.APIKey == "" {
		return nil, domain.NewError(domain.CodePlannerAuth, "OPENAI_API_KEY not set")
	}

	model := req.Model
	if model == "" {
		model = openaiModel
	}

	apiReq := openaiRequest{
		Model: model,
		Messages: []openaiMessage{
			{Role: "system", Content: plannerSystemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
		ResponseFormat: &openaiResponseFormat{Type: "json_object"},
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
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
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
			var apiErr openaiError
			if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
				lastErr = fmt.Errorf("OpenAI API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
			} else {
				lastErr = fmt.Errorf("OpenAI API error (%d): %s", resp.StatusCode, string(respBody))
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				rateLimited = resp.StatusCode == http.StatusTooManyRequests
				continue
			}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, domain.WrapError(domain.CodePlannerAuth, lastErr, "openai rejected the API key")
			}
			return nil, domain.WrapError(domain.CodePlannerUpstream, lastErr, "openai request failed")
		}

		var apiResp openaiResponse
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			return nil, domain.WrapError(domain.CodePlannerUpstream, err, "decode response")
		}
		if len(apiResp.Choices) == 0 {
			return nil, domain.NewError(domain.CodePlannerMalformedOutput, "empty response choices")
		}
		return parseDraft(apiResp.Choices[0].Message.Content)
	}

	if rateLimited {
		return nil, domain.WrapError(domain.CodePlannerRateLimited, lastErr,
			"openai rate limit persisted across %d attempts", c.MaxRetries)
	}
	return nil, domain.WrapError(domain.CodePlannerUpstream, lastErr, "max retries (%d) exceeded", c.MaxRetries)
}
