// Copyright 2025 Antfly, Inc.
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

package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// OpenAIEngine talks to a vLLM server through its OpenAI-compatible API.
//
// Scoring mode uses the legacy /v1/completions endpoint with vLLM's
// prompt_logprobs extra argument, which returns the per-position candidate
// distributions over the prompt itself. Generation over conversation turns
// uses /v1/chat/completions.
type OpenAIEngine struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// OpenAIEngineOption configures an OpenAIEngine.
type OpenAIEngineOption func(*OpenAIEngine)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) OpenAIEngineOption {
	return func(e *OpenAIEngine) { e.client = c }
}

// NewOpenAIEngine creates an engine client for the server at baseURL
// (e.g. "http://localhost:8000"), issuing requests against model.
func NewOpenAIEngine(baseURL, model string, logger *zap.Logger, opts ...OpenAIEngineOption) *OpenAIEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &OpenAIEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		// Batched scoring calls over long documents can run for minutes;
		// cancellation is the caller's context, not a transport timeout.
		client: &http.Client{Timeout: 30 * time.Minute},
		logger: logger.Named("openai-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type completionRequest struct {
	Model          string   `json:"model"`
	Prompt         [][]int  `json:"prompt"`
	MaxTokens      int      `json:"max_tokens"`
	Temperature    float64  `json:"temperature"`
	TopP           float64  `json:"top_p,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Stop           []string `json:"stop,omitempty"`
	PromptLogprobs int      `json:"prompt_logprobs,omitempty"`
}

type completionChoice struct {
	Index          int                         `json:"index"`
	Text           string                      `json:"text"`
	PromptLogprobs []map[string]logprobPayload `json:"prompt_logprobs"`
}

type logprobPayload struct {
	Logprob      float64 `json:"logprob"`
	Rank         int     `json:"rank"`
	DecodedToken string  `json:"decoded_token"`
}

type completionResponse struct {
	Choices []completionChoice `json:"choices"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
	Seed        *int64    `json:"seed,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate issues one batched completion call over raw token-id prompts.
func (e *OpenAIEngine) Generate(ctx context.Context, promptTokenIDs [][]int, params SamplingParams) ([]RawOutput, error) {
	req := completionRequest{
		Model:          e.model,
		Prompt:         promptTokenIDs,
		MaxTokens:      params.MaxTokens,
		Temperature:    params.Temperature,
		TopP:           params.TopP,
		TopK:           params.TopK,
		Seed:           params.Seed,
		Stop:           params.Stop,
		PromptLogprobs: params.PromptLogprobs,
	}

	e.logger.Debug("Issuing completion call",
		zap.Int("batchSize", len(promptTokenIDs)),
		zap.Int("maxTokens", params.MaxTokens),
		zap.Int("promptLogprobs", params.PromptLogprobs))

	var resp completionResponse
	if err := e.post(ctx, "/v1/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) != len(promptTokenIDs) {
		return nil, fmt.Errorf("engine: %d choices for %d prompts", len(resp.Choices), len(promptTokenIDs))
	}

	outputs := make([]RawOutput, len(promptTokenIDs))
	for _, choice := range resp.Choices {
		if choice.Index < 0 || choice.Index >= len(outputs) {
			return nil, fmt.Errorf("engine: choice index %d out of range", choice.Index)
		}
		out := RawOutput{
			PromptTokenIDs: promptTokenIDs[choice.Index],
			Text:           choice.Text,
		}
		if choice.PromptLogprobs != nil {
			out.PromptLogprobs = make([]map[int]Logprob, len(choice.PromptLogprobs))
			for pos, dist := range choice.PromptLogprobs {
				if dist == nil {
					continue
				}
				converted := make(map[int]Logprob, len(dist))
				for tokStr, lp := range dist {
					tok, err := strconv.Atoi(tokStr)
					if err != nil {
						return nil, fmt.Errorf("engine: malformed token id %q in prompt logprobs: %w", tokStr, err)
					}
					converted[tok] = Logprob{
						Logprob:      lp.Logprob,
						Rank:         lp.Rank,
						DecodedToken: lp.DecodedToken,
					}
				}
				out.PromptLogprobs[pos] = converted
			}
		}
		outputs[choice.Index] = out
	}
	return outputs, nil
}

// Chat runs each conversation through /v1/chat/completions. The server
// performs its own continuous batching; requests are issued sequentially to
// honor the single-call-at-a-time engine contract.
func (e *OpenAIEngine) Chat(ctx context.Context, conversations [][]Message, params SamplingParams) ([]RawOutput, error) {
	outputs := make([]RawOutput, len(conversations))
	for i, conv := range conversations {
		req := chatRequest{
			Model:       e.model,
			Messages:    conv,
			MaxTokens:   params.MaxTokens,
			Temperature: params.Temperature,
			TopP:        params.TopP,
			TopK:        params.TopK,
			Seed:        params.Seed,
			Stop:        params.Stop,
		}

		var resp chatResponse
		if err := e.post(ctx, "/v1/chat/completions", req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("engine: empty chat response for conversation %d", i)
		}
		outputs[i] = RawOutput{
			Prompt: renderConversation(conv),
			Text:   resp.Choices[0].Message.Content,
		}
	}
	return outputs, nil
}

// Close releases idle transport connections.
func (e *OpenAIEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *OpenAIEngine) post(ctx context.Context, path string, body, out any) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding engine request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling engine: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading engine response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		e.logger.Error("Engine call failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("engine: %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding engine response: %w", err)
	}
	return nil
}

func renderConversation(conv []Message) string {
	var b strings.Builder
	for i, m := range conv {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
