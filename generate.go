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

package lmeval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/antflydb/lmeval/lib/collate"
	"github.com/antflydb/lmeval/lib/engine"
	"github.com/antflydb/lmeval/lib/tokenizer"
)

// ErrInvalidGenArgs reports malformed generation kwargs. It is returned
// before anything is dispatched to the engine.
var ErrInvalidGenArgs = errors.New("invalid generation args")

// GenArgs are harness-supplied generation kwargs. Values arrive as decoded
// JSON, so numbers may be float64 even for integral options.
type GenArgs map[string]any

// Fewshot is one worked example for the chat prompt.
type Fewshot struct {
	Prompt string
	Answer string
}

// PromptData is structured prompt material. When present, the request is
// rendered as conversation turns instead of a flat token prompt.
type PromptData struct {
	Description string
	Fewshots    []Fewshot
	Example     string
}

// GenerateRequest is one open-ended generation request. Context is the flat
// prompt; Data, when non-nil, takes precedence and selects the chat path.
type GenerateRequest struct {
	Context string
	Args    GenArgs
	Data    *PromptData
}

// GenerationStats is per-request auxiliary metadata: the reasoning segment
// stripped from the output (empty when the delimiter never appeared) and the
// prompt as sent.
type GenerationStats struct {
	Reasoning string
	Prompt    string
}

type genResult struct {
	text  string
	stats GenerationStats
}

// GenerateUntil generates a completion for every request, honoring each
// request's stop sequences and sampling kwargs. Requests sharing identical
// kwargs are batched together; results come back in input order. The final
// mapping is reserved and currently always empty.
func (m *Model) GenerateUntil(ctx context.Context, reqs []GenerateRequest) ([]string, []GenerationStats, map[string]any, error) {
	keys := make([]string, len(reqs))
	for i, req := range reqs {
		key, err := groupKey(req)
		if err != nil {
			return nil, nil, nil, err
		}
		keys[i] = key
	}
	idxs := make([]int, len(reqs))
	for i := range idxs {
		idxs[i] = i
	}
	coll := collate.New[int, genResult](idxs,
		func(i int) int { return len(reqs[i].Context) },
		func(i int) string { return keys[i] })

	results := make([]genResult, 0, len(reqs))
	done := 0
	for _, batch := range coll.Batches(m.batchSize) {
		// Kwargs are identical across the batch; parse once.
		params, err := m.samplingParams(reqs[batch[0]].Args)
		if err != nil {
			return nil, nil, nil, err
		}

		var outputs []engine.RawOutput
		prompts := make([]string, len(batch))
		if reqs[batch[0]].Data != nil {
			conversations := make([][]engine.Message, len(batch))
			for i, idx := range batch {
				conversations[i] = renderTurns(reqs[idx].Data)
				prompts[i] = reqs[idx].Data.Example
			}
			outputs, err = m.chat(ctx, conversations, params)
		} else {
			inputs := make([][]int, len(batch))
			for i, idx := range batch {
				enc, encErr := m.tokEncode(reqs[idx].Context)
				if encErr != nil {
					return nil, nil, nil, fmt.Errorf("encoding context: %w", encErr)
				}
				// Leave room for the generated tokens.
				inputs[i] = tokenizer.LeftTruncate(enc, m.maxLength-params.MaxTokens)
				prompts[i] = reqs[idx].Context
			}
			outputs, err = m.generate(ctx, inputs, params)
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("generating batch: %w", err)
		}

		for i, out := range outputs {
			reasoning, final := m.splitReasoning(out.Text)
			results = append(results, genResult{
				text:  final,
				stats: GenerationStats{Reasoning: reasoning, Prompt: prompts[i]},
			})

			req := reqs[batch[i]]
			m.cache.AddPartial("generate_until", cacheKey(req.Context, keys[batch[i]]), final)
		}

		done += len(batch)
		m.logger.Debug("Generated batch",
			zap.Int("batchSize", len(batch)),
			zap.Int("done", done),
			zap.Int("total", len(reqs)))
	}

	ordered, err := coll.Restore(results)
	if err != nil {
		return nil, nil, nil, err
	}
	texts := make([]string, len(ordered))
	stats := make([]GenerationStats, len(ordered))
	for i, r := range ordered {
		texts[i] = r.text
		stats[i] = r.stats
	}
	recordRequests("generate_until", len(reqs))
	return texts, stats, map[string]any{}, nil
}

// groupKey canonicalizes a request's kwargs so requests batch together only
// when an identical parameter set would reach the engine. Map keys marshal
// sorted, so the encoding is stable.
func groupKey(req GenerateRequest) (string, error) {
	if req.Args == nil {
		req.Args = GenArgs{}
	}
	raw, err := json.Marshal(req.Args)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidGenArgs, err)
	}
	if req.Data != nil {
		return "chat:" + string(raw), nil
	}
	return "text:" + string(raw), nil
}

// samplingParams translates harness kwargs into engine sampling parameters.
// until may be a single string or a list; the EOS text is always appended so
// generation cannot run past end-of-text even with explicit stops. Keys the
// adapter does not model are dropped with a warning.
func (m *Model) samplingParams(args GenArgs) (engine.SamplingParams, error) {
	params := engine.SamplingParams{
		// Evaluation runs must be reproducible unless a task opts into
		// sampling, so the default is greedy: an explicit 0 rather than
		// the engine's own temperature default.
		Temperature: 0,
		TopP:        1,
		TopK:        -1,
		MaxTokens:   m.maxGenToks,
		Detokenize:  true,
	}

	sawTemperature := false
	doSample := true
	for key, val := range args {
		switch key {
		case "until":
			stop, err := stopSequences(val)
			if err != nil {
				return params, err
			}
			params.Stop = stop
		case "max_gen_toks":
			n, ok := asInt(val)
			if !ok {
				return params, fmt.Errorf("%w: max_gen_toks %v", ErrInvalidGenArgs, val)
			}
			params.MaxTokens = n
		case "do_sample":
			b, ok := val.(bool)
			if !ok {
				return params, fmt.Errorf("%w: do_sample %v", ErrInvalidGenArgs, val)
			}
			doSample = b
		case "temperature":
			f, ok := asFloat(val)
			if !ok {
				return params, fmt.Errorf("%w: temperature %v", ErrInvalidGenArgs, val)
			}
			params.Temperature = f
			sawTemperature = true
		case "top_p":
			if val == nil {
				continue
			}
			f, ok := asFloat(val)
			if !ok {
				return params, fmt.Errorf("%w: top_p %v", ErrInvalidGenArgs, val)
			}
			params.TopP = f
		case "top_k":
			if val == nil {
				continue
			}
			n, ok := asInt(val)
			if !ok {
				return params, fmt.Errorf("%w: top_k %v", ErrInvalidGenArgs, val)
			}
			params.TopK = n
		case "seed":
			n, ok := asInt(val)
			if !ok {
				return params, fmt.Errorf("%w: seed %v", ErrInvalidGenArgs, val)
			}
			seed := int64(n)
			params.Seed = &seed
		default:
			// Engine-specific extras (repetition_penalty, min_p, ...) the
			// adapter does not model; dropping them keeps the call alive.
			m.logger.Warn("Ignoring unsupported generation kwarg", zap.String("key", key))
		}
	}

	if !doSample && !sawTemperature {
		params.Temperature = 0
	}
	params.Stop = append(params.Stop, m.tok.Decode([]int{m.eotTokenID}))
	return params, nil
}

// stopSequences normalizes the until kwarg: nil, a single string, or a list
// of strings.
func stopSequences(val any) ([]string, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: until entry %v", ErrInvalidGenArgs, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: until %v", ErrInvalidGenArgs, val)
	}
}

// asFloat coerces a numeric kwarg. JSON-decoded numbers arrive as float64;
// args built in Go may carry ints.
func asFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// asInt coerces an integral kwarg, rejecting fractional values.
func asInt(val any) (int, bool) {
	switch v := val.(type) {
	case int:
		return v, true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

// renderTurns flattens structured prompt material into conversation turns:
// an optional system description, one user/assistant pair per fewshot, and
// the example as the closing user turn.
func renderTurns(data *PromptData) []engine.Message {
	var msgs []engine.Message
	if desc := strings.TrimSpace(data.Description); desc != "" {
		msgs = append(msgs, engine.Message{Role: "system", Content: desc})
	}
	for _, fs := range data.Fewshots {
		msgs = append(msgs,
			engine.Message{Role: "user", Content: strings.TrimSpace(fs.Prompt)},
			engine.Message{Role: "assistant", Content: strings.TrimSpace(fs.Answer)})
	}
	msgs = append(msgs, engine.Message{Role: "user", Content: strings.TrimSpace(data.Example)})
	return msgs
}

// splitReasoning separates a reasoning segment from the final answer. The
// split is on the last occurrence of the delimiter; the reasoning segment
// keeps the delimiter. Without the delimiter the whole text is the answer.
func (m *Model) splitReasoning(text string) (reasoning, final string) {
	idx := strings.LastIndex(text, m.thinkDelim)
	if idx < 0 {
		return "", strings.TrimSpace(text)
	}
	cut := idx + len(m.thinkDelim)
	return strings.TrimSpace(text[:cut]), strings.TrimSpace(text[cut:])
}
