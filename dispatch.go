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
	"fmt"
	"time"

	"github.com/antflydb/lmeval/lib/dispatch"
	"github.com/antflydb/lmeval/lib/engine"
	"go.uber.org/zap"
)

// score issues one scoring-mode engine call: prompt logprobs only, no new
// tokens, deterministic. With multiple replicas, inputs fan out round-robin
// and merge back in input order before any other reordering applies.
func (m *Model) score(ctx context.Context, inputs [][]int) ([]engine.RawOutput, error) {
	return engineCall(ctx, m, "scoring", inputs, engine.ScoringParams(),
		func(ctx context.Context, e engine.Engine, part [][]int, params engine.SamplingParams) ([]engine.RawOutput, error) {
			return e.Generate(ctx, part, params)
		})
}

// generate issues one generation-mode engine call over raw token prompts.
func (m *Model) generate(ctx context.Context, inputs [][]int, params engine.SamplingParams) ([]engine.RawOutput, error) {
	return engineCall(ctx, m, "generation", inputs, params,
		func(ctx context.Context, e engine.Engine, part [][]int, params engine.SamplingParams) ([]engine.RawOutput, error) {
			return e.Generate(ctx, part, params)
		})
}

// chat issues one generation-mode engine call over conversation turns.
func (m *Model) chat(ctx context.Context, conversations [][]engine.Message, params engine.SamplingParams) ([]engine.RawOutput, error) {
	return engineCall(ctx, m, "generation", conversations, params,
		func(ctx context.Context, e engine.Engine, part [][]engine.Message, params engine.SamplingParams) ([]engine.RawOutput, error) {
			return e.Chat(ctx, part, params)
		})
}

// engineCall runs one batched call against the engine, fanning out across
// replicas when more than one is configured. Failures propagate unchanged:
// no retry is attempted, because the engine's state after a fault (partial
// GPU memory corruption included) is unknown.
func engineCall[T any](ctx context.Context, m *Model, mode string, inputs []T, params engine.SamplingParams,
	call func(context.Context, engine.Engine, []T, engine.SamplingParams) ([]engine.RawOutput, error),
) ([]engine.RawOutput, error) {
	start := time.Now()
	defer func() {
		recordEngineCall(mode, len(inputs), time.Since(start).Seconds())
	}()

	if len(m.engines) == 1 {
		outputs, err := call(ctx, m.engines[0], inputs, params)
		if err != nil {
			return nil, err
		}
		if len(outputs) != len(inputs) {
			return nil, fmt.Errorf("engine returned %d outputs for %d inputs", len(outputs), len(inputs))
		}
		return outputs, nil
	}

	m.logger.Debug("Fanning batch out across replicas",
		zap.String("mode", mode),
		zap.Int("requests", len(inputs)),
		zap.Int("replicas", len(m.engines)))

	parts := dispatch.Distribute(inputs, len(m.engines))
	results, err := dispatch.Map(ctx, parts, func(ctx context.Context, replica int, part []T) ([]engine.RawOutput, error) {
		outputs, err := call(ctx, m.engines[replica], part, params)
		if err != nil {
			return nil, fmt.Errorf("replica %d: %w", replica, err)
		}
		if len(outputs) != len(part) {
			return nil, fmt.Errorf("replica %d returned %d outputs for %d inputs", replica, len(outputs), len(part))
		}
		return outputs, nil
	})
	if err != nil {
		return nil, err
	}
	return dispatch.Undistribute(results), nil
}
