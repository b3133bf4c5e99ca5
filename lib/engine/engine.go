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

// Package engine defines the contract between the adapter and a batch
// inference engine. The engine is a black-box collaborator: model loading,
// parallel topology, and tokenizer construction all happen on its side of
// the line. Engines are assumed single-call-at-a-time; callers serialize.
package engine

import (
	"context"
	"errors"
)

// ErrScoringUnsupported is returned by engines that can decode text but
// cannot report per-position prompt log-probabilities.
var ErrScoringUnsupported = errors.New("engine: prompt logprobs not supported by this engine")

// Message is one conversation turn for chat-style generation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams controls one engine call. The zero value is greedy
// decoding with no stop strings and no logprob reporting.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	TopK        int
	Seed        *int64
	MaxTokens   int
	Stop        []string

	// PromptLogprobs requests, for every prompt position, the logprob
	// distribution over that position's realized token plus the top
	// candidates. 0 disables reporting.
	PromptLogprobs int

	// Detokenize controls whether the engine decodes output text. Scoring
	// calls turn it off; no new text is needed.
	Detokenize bool
}

// ScoringParams are the fixed parameters for a scoring-mode call:
// deterministic, one permitted output token, prompt logprobs on, text
// detokenization off.
func ScoringParams() SamplingParams {
	return SamplingParams{
		Temperature:    0,
		MaxTokens:      1,
		PromptLogprobs: 1,
		Detokenize:     false,
	}
}

// Logprob is one candidate entry of a per-position logprob distribution.
// Engines may attach rank and decoded text; only the logprob value itself
// participates in scoring.
type Logprob struct {
	Logprob      float64
	Rank         int
	DecodedToken string
}

// Float unwraps the logprob value for summation.
func (l Logprob) Float() float64 { return l.Logprob }

// RawOutput is the engine's result for a single request in a batch.
//
// PromptLogprobs is indexed by prompt position; entry 0 is always nil
// because the model has no previous tokens to condition on there. Each
// non-nil entry maps candidate token id to its logprob at that position and
// always contains the realized token.
type RawOutput struct {
	Prompt         string
	PromptTokenIDs []int
	PromptLogprobs []map[int]Logprob
	Text           string
}

// Engine is a batch inference engine.
//
// Generate issues one batched call over raw token-id prompts; with
// ScoringParams it computes prompt logprobs without generating text. Chat
// issues one batched call over conversation turns. Both return exactly one
// RawOutput per input, in input order. Engine failures (resource
// exhaustion, malformed parameters) are returned as-is and must not be
// retried: the engine's state after a fault is unknown.
type Engine interface {
	Generate(ctx context.Context, promptTokenIDs [][]int, params SamplingParams) ([]RawOutput, error)
	Chat(ctx context.Context, conversations [][]Message, params SamplingParams) ([]RawOutput, error)
	Close() error
}
