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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/lmeval/lib/engine"
)

func TestLoglikelihoodRollingShortDocument(t *testing.T) {
	cache := &recordingCache{}
	m, _ := newTestModel(t, Config{}, cache)

	// Fits in one window: the full text is scored after the prefix token,
	// so every one of its 4 tokens contributes -0.1.
	sums, err := m.LoglikelihoodRolling(context.Background(), []RollingRequest{
		{Text: "the cat sat down"},
	})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.InDelta(t, -0.4, sums[0], 1e-9)

	require.Len(t, cache.writes, 1)
	assert.Equal(t, "loglikelihood_rolling", cache.writes[0].op)
}

func TestLoglikelihoodRollingSplitsLongDocument(t *testing.T) {
	var calls int
	var seen [][]int
	eng := &fakeEngine{
		generateFunc: func(_ context.Context, prompts [][]int, _ engine.SamplingParams) ([]engine.RawOutput, error) {
			calls++
			seen = append(seen, prompts...)
			return scoringOutputs(prompts, -0.1), nil
		},
	}
	// Window budget is maxLength-1 = 4 with one reserved context slot, so
	// each window predicts up to 4 tokens.
	m, _ := newTestModel(t, Config{MaxLength: 5}, nil, eng)

	words := make([]string, 10)
	for i := range words {
		words[i] = strings.Repeat("w", i+1)
	}
	sums, err := m.LoglikelihoodRolling(context.Background(), []RollingRequest{
		{Text: strings.Join(words, " ")},
	})
	require.NoError(t, err)
	require.Len(t, sums, 1)

	// 10 predicted tokens across all windows, each at -0.1.
	assert.InDelta(t, -1.0, sums[0], 1e-9)
	assert.Len(t, seen, 3)
	for _, prompt := range seen {
		assert.LessOrEqual(t, len(prompt), 5)
	}
}

func TestLoglikelihoodRollingMultipleDocumentsKeepOrder(t *testing.T) {
	cache := &recordingCache{}
	m, _ := newTestModel(t, Config{}, cache)

	sums, err := m.LoglikelihoodRolling(context.Background(), []RollingRequest{
		{Text: "a"},
		{Text: "b c d"},
		{Text: "e f"},
	})
	require.NoError(t, err)
	require.Len(t, sums, 3)
	assert.InDelta(t, -0.1, sums[0], 1e-9)
	assert.InDelta(t, -0.3, sums[1], 1e-9)
	assert.InDelta(t, -0.2, sums[2], 1e-9)

	// One aggregated write per document, none per window.
	assert.Len(t, cache.writes, 3)
}

func TestLoglikelihoodRollingEmptyDocument(t *testing.T) {
	m, _ := newTestModel(t, Config{}, nil)

	sums, err := m.LoglikelihoodRolling(context.Background(), []RollingRequest{{Text: ""}})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Zero(t, sums[0])
}
