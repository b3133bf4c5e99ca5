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
	"context"
	"errors"
	"fmt"
	"strings"

	khugot "github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/backends"
	"github.com/knights-analytics/hugot/pipelines"
	"go.uber.org/zap"
)

var _ Engine = (*HugotEngine)(nil)

// HugotEngine runs generation in-process through a Hugot text generation
// pipeline. It serves environments without a vLLM server; it can decode
// conversation turns but exposes no per-position prompt logprobs, so
// scoring-mode calls return ErrScoringUnsupported.
type HugotEngine struct {
	session  *khugot.Session
	pipeline *pipelines.TextGenerationPipeline
	logger   *zap.Logger
}

// NewHugotEngine creates a generation-only engine from a local model path.
// Note: for generative models, hugot uses genai_config.json to determine
// model files.
func NewHugotEngine(modelPath string, maxLength int, logger *zap.Logger) (*HugotEngine, error) {
	if modelPath == "" {
		return nil, errors.New("model path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxLength <= 0 {
		maxLength = 2048
	}

	logger.Info("Initializing Hugot engine", zap.String("modelPath", modelPath))

	session, err := khugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("creating hugot session: %w", err)
	}

	pipelineConfig := khugot.TextGenerationConfig{
		ModelPath: modelPath,
		Name:      fmt.Sprintf("engine:%s", modelPath),
		Options: []backends.PipelineOption[*pipelines.TextGenerationPipeline]{
			pipelines.WithMaxLength(maxLength),
			pipelines.WithStreaming(),
		},
	}

	pipeline, err := khugot.NewPipeline(session, pipelineConfig)
	if err != nil {
		_ = session.Destroy()
		logger.Error("Failed to create pipeline", zap.Error(err))
		return nil, fmt.Errorf("creating text generation pipeline: %w", err)
	}

	return &HugotEngine{
		session:  session,
		pipeline: pipeline,
		logger:   logger.Named("hugot-engine"),
	}, nil
}

// Generate reports ErrScoringUnsupported: hugot pipelines do not surface
// prompt logprob distributions, and token-id prompts cannot bypass the
// pipeline's own tokenizer.
func (e *HugotEngine) Generate(_ context.Context, _ [][]int, _ SamplingParams) ([]RawOutput, error) {
	return nil, ErrScoringUnsupported
}

// Chat decodes each conversation through the streaming pipeline, honoring
// the caller's stop strings by cutting the stream client-side.
func (e *HugotEngine) Chat(ctx context.Context, conversations [][]Message, params SamplingParams) ([]RawOutput, error) {
	outputs := make([]RawOutput, len(conversations))
	for i, conv := range conversations {
		text, err := e.runConversation(ctx, conv, params.Stop)
		if err != nil {
			return nil, fmt.Errorf("conversation %d: %w", i, err)
		}
		outputs[i] = RawOutput{
			Prompt: renderConversation(conv),
			Text:   text,
		}
	}
	return outputs, nil
}

func (e *HugotEngine) runConversation(ctx context.Context, conv []Message, stop []string) (string, error) {
	if len(conv) == 0 {
		return "", errors.New("messages are required")
	}

	hugotMessages := make([]backends.Message, len(conv))
	for i, m := range conv {
		hugotMessages[i] = backends.Message{Role: m.Role, Content: m.Content}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	output, err := e.pipeline.RunMessages(runCtx, [][]backends.Message{hugotMessages})
	if err != nil {
		e.logger.Error("Pipeline generation failed", zap.Error(err))
		return "", fmt.Errorf("running text generation: %w", err)
	}

	var b strings.Builder
	for delta := range output.TokenStream {
		b.WriteString(delta.Token)
		if cut, ok := cutAtStop(b.String(), stop); ok {
			// Stop string reached; cancel and drain the stream.
			cancel()
			for range output.TokenStream {
			}
			for range output.ErrorStream {
			}
			return cut, nil
		}
	}
	for err := range output.ErrorStream {
		if err != nil {
			return "", fmt.Errorf("generation error: %w", err)
		}
	}
	return b.String(), nil
}

// cutAtStop returns text truncated before the earliest stop string, and
// whether any stop string matched.
func cutAtStop(text string, stop []string) (string, bool) {
	cut := -1
	for _, s := range stop {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 && (cut < 0 || idx < cut) {
			cut = idx
		}
	}
	if cut < 0 {
		return text, false
	}
	return text[:cut], true
}

// Close destroys the hugot session.
func (e *HugotEngine) Close() error {
	if e.session != nil {
		e.logger.Info("Destroying Hugot session")
		return e.session.Destroy()
	}
	return nil
}
