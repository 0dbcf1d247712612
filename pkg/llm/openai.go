// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIConfig configures an OpenAI-compatible chat-completions client.
type OpenAIConfig struct {
	Host        string             `yaml:"host" json:"host"`
	APIKey      string             `yaml:"api_key" json:"api_key"`
	MaxTokens   int                `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64            `yaml:"temperature" json:"temperature"`
	Timeout     int                `yaml:"timeout" json:"timeout"`
	MaxRetries  int                `yaml:"max_retries" json:"max_retries"`
	Pricing     map[string]Pricing `yaml:"pricing" json:"pricing"`
}

// SetDefaults fills in zero-valued fields.
func (c *OpenAIConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "https://api.openai.com/v1"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1000
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the configuration.
func (c *OpenAIConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// OpenAIProvider implements Provider over any OpenAI-compatible
// chat-completions endpoint.
type OpenAIProvider struct {
	config *OpenAIConfig
	client *http.Client
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(cfg *OpenAIConfig) (*OpenAIProvider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider. Retries transient failures with
// exponential backoff; 4xx responses other than 429 fail immediately.
func (p *OpenAIProvider) Generate(ctx context.Context, model string, messages []Message) (*Response, error) {
	body, err := json.Marshal(openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, retryable, err := p.doRequest(ctx, body)
		if err == nil {
			return p.toResponse(model, resp), nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", p.config.MaxRetries, lastErr)
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body []byte) (*openAIResponse, bool, error) {
	url := strings.TrimSuffix(p.config.Host, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		retryable := httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(data))
	}

	var resp openAIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, false, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, false, fmt.Errorf("response contained no choices")
	}
	return &resp, false, nil
}

func (p *OpenAIProvider) toResponse(model string, resp *openAIResponse) *Response {
	out := &Response{
		Content: resp.Choices[0].Message.Content,
		Usage:   resp.Usage,
	}
	if pricing, ok := p.config.Pricing[model]; ok {
		out.Cost = pricing.Cost(resp.Usage)
	}
	return out
}
