package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/insurapolis/backend/internal/config"
	"github.com/shopspring/decimal"
)

// Completion is one model answer with its token and cost accounting.
type Completion struct {
	Answer           string
	PromptTokens     int
	CompletionTokens int
	Cost             decimal.Decimal
}

// TotalTokens is the turn's combined token consumption.
func (c Completion) TotalTokens() int {
	return c.PromptTokens + c.CompletionTokens
}

// Invoker produces one completion per chat turn. Implemented by the real
// model client and the dummy responder.
type Invoker interface {
	Invoke(ctx context.Context, input PromptInput) (Completion, error)
}

type llmRequestBody struct {
	Model       string       `json:"model"`
	Temperature float64      `json:"temperature"`
	Messages    []llmMessage `json:"messages"`
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Client calls an OpenAI-compatible chat completions endpoint. One request
// per chat turn, no internal retry loop.
type Client struct {
	httpClient        *http.Client
	endpoint          string
	apiKey            string
	model             string
	temperature       float64
	promptPricePer1K  decimal.Decimal
	completionPrice1K decimal.Decimal
	logger            *slog.Logger
}

var _ Invoker = (*Client)(nil)

// NewClient builds a Client from the YAML model configuration.
func NewClient(mc *config.ModelConfig, logger *slog.Logger) (*Client, error) {
	promptPrice, err := decimal.NewFromString(valueOrZero(mc.PromptPricePer1K))
	if err != nil {
		return nil, fmt.Errorf("invalid prompt_price_per_1k %q: %w", mc.PromptPricePer1K, err)
	}
	completionPrice, err := decimal.NewFromString(valueOrZero(mc.CompletionPricePer1K))
	if err != nil {
		return nil, fmt.Errorf("invalid completion_price_per_1k %q: %w", mc.CompletionPricePer1K, err)
	}
	return &Client{
		httpClient:        &http.Client{Timeout: 90 * time.Second},
		endpoint:          mc.Endpoint,
		apiKey:            mc.APIKey,
		model:             mc.Model,
		temperature:       mc.Temperature,
		promptPricePer1K:  promptPrice,
		completionPrice1K: completionPrice,
		logger:            logger.With("component", "llm_client"),
	}, nil
}

func valueOrZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// Invoke fills the prompt template and makes exactly one completions call.
// Any failure propagates to the caller; nothing is persisted for a failed turn.
func (c *Client) Invoke(ctx context.Context, input PromptInput) (Completion, error) {
	system, human, err := BuildMessages(input)
	if err != nil {
		return Completion{}, err
	}

	requestBody := llmRequestBody{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []llmMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: human},
		},
	}
	payloadBytes, err := json.Marshal(requestBody)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal model request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to call model endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Completion{}, fmt.Errorf("model endpoint returned non-OK status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var llmResp llmResponse
	if err := json.NewDecoder(resp.Body).Decode(&llmResp); err != nil {
		return Completion{}, fmt.Errorf("failed to decode model response: %w", err)
	}
	if len(llmResp.Choices) == 0 {
		return Completion{}, fmt.Errorf("no choices returned from model")
	}

	completion := Completion{
		Answer:           llmResp.Choices[0].Message.Content,
		PromptTokens:     llmResp.Usage.PromptTokens,
		CompletionTokens: llmResp.Usage.CompletionTokens,
		Cost:             c.cost(llmResp.Usage.PromptTokens, llmResp.Usage.CompletionTokens),
	}
	c.logger.InfoContext(ctx, "Model invocation complete",
		"prompt_tokens", completion.PromptTokens,
		"completion_tokens", completion.CompletionTokens,
		"cost", completion.Cost.String(),
	)
	return completion, nil
}

// cost prices the turn from the configured per-1K-token rates.
func (c *Client) cost(promptTokens, completionTokens int) decimal.Decimal {
	thousand := decimal.NewFromInt(1000)
	prompt := decimal.NewFromInt(int64(promptTokens)).Mul(c.promptPricePer1K).Div(thousand)
	completion := decimal.NewFromInt(int64(completionTokens)).Mul(c.completionPrice1K).Div(thousand)
	return prompt.Add(completion)
}
