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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/lmeval/lib/engine"
)

func TestParseLogprobs(t *testing.T) {
	tokens := []int{10, 20, 30, 40}

	dist := func(realized int, realizedLP float64, top int, topLP float64) map[int]engine.Logprob {
		d := map[int]engine.Logprob{realized: {Logprob: realizedLP}}
		if top != realized {
			d[top] = engine.Logprob{Logprob: topLP}
		}
		return d
	}

	t.Run("greedy when realized is always argmax", func(t *testing.T) {
		out := engine.RawOutput{PromptLogprobs: []map[int]engine.Logprob{
			nil,
			dist(20, -0.5, 20, 0),
			dist(30, -0.25, 30, 0),
			dist(40, -0.25, 40, 0),
		}}
		res, err := parseLogprobs(tokens, out, 1)
		require.NoError(t, err)
		assert.InDelta(t, -1.0, res.Logprob, 1e-9)
		assert.True(t, res.IsGreedy)
	})

	t.Run("one flipped argmax breaks greediness, not the sum", func(t *testing.T) {
		out := engine.RawOutput{PromptLogprobs: []map[int]engine.Logprob{
			nil,
			dist(20, -0.5, 20, 0),
			dist(30, -0.25, 99, -0.01),
			dist(40, -0.25, 40, 0),
		}}
		res, err := parseLogprobs(tokens, out, 1)
		require.NoError(t, err)
		assert.InDelta(t, -1.0, res.Logprob, 1e-9)
		assert.False(t, res.IsGreedy)
	})

	t.Run("context positions are excluded", func(t *testing.T) {
		out := engine.RawOutput{PromptLogprobs: []map[int]engine.Logprob{
			nil,
			dist(20, -100, 99, 0), // inside context, must not count
			dist(30, -0.25, 30, 0),
			dist(40, -0.25, 40, 0),
		}}
		res, err := parseLogprobs(tokens, out, 2)
		require.NoError(t, err)
		assert.InDelta(t, -0.5, res.Logprob, 1e-9)
		assert.True(t, res.IsGreedy)
	})

	t.Run("missing distribution in scored range fails", func(t *testing.T) {
		out := engine.RawOutput{PromptLogprobs: []map[int]engine.Logprob{
			nil, dist(20, -0.5, 20, 0), nil, dist(40, -0.25, 40, 0),
		}}
		_, err := parseLogprobs(tokens, out, 1)
		assert.Error(t, err)
	})

	t.Run("realized token absent fails", func(t *testing.T) {
		out := engine.RawOutput{PromptLogprobs: []map[int]engine.Logprob{
			nil,
			dist(20, -0.5, 20, 0),
			dist(99, -0.5, 99, 0),
			dist(40, -0.25, 40, 0),
		}}
		_, err := parseLogprobs(tokens, out, 1)
		assert.Error(t, err)
	})

	t.Run("short output fails", func(t *testing.T) {
		out := engine.RawOutput{PromptLogprobs: []map[int]engine.Logprob{nil, dist(20, -0.5, 20, 0)}}
		_, err := parseLogprobs(tokens, out, 1)
		assert.Error(t, err)
	})
}

func TestEncodePairMigratesTrailingWhitespace(t *testing.T) {
	m, tok := newTestModel(t, Config{}, nil)

	contextEnc, continuationEnc, err := m.EncodePair("The cat sat on the ", "mat")
	require.NoError(t, err)

	wantContext, _ := tok.Encode("The cat sat on the", false)
	wantWhole, _ := tok.Encode("The cat sat on the mat", false)
	assert.Equal(t, wantContext, contextEnc)
	assert.Equal(t, wantWhole[len(wantContext):], continuationEnc)
}

func TestLoglikelihoodEndToEnd(t *testing.T) {
	cache := &recordingCache{}
	eng := &fakeEngine{}
	m, _ := newTestModel(t, Config{}, cache, eng)

	reqs := []LoglikelihoodRequest{
		{Context: "The cat sat on the", Continuation: " mat"},
		{Context: "", Continuation: "Hello world"},
	}
	results, err := m.Loglikelihood(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// The default fake engine scores every realized token at -0.1 as the
	// argmax. First request scores 1 continuation token, second scores 2
	// (conditioned on EOT).
	assert.InDelta(t, -0.1, results[0].Logprob, 1e-9)
	assert.True(t, results[0].IsGreedy)
	assert.InDelta(t, -0.2, results[1].Logprob, 1e-9)
	assert.True(t, results[1].IsGreedy)

	require.Len(t, cache.writes, 2)
	for _, w := range cache.writes {
		assert.Equal(t, "loglikelihood", w.op)
		assert.NotEmpty(t, w.key)
	}
	assert.NotEqual(t, cache.writes[0].key, cache.writes[1].key)
}

func TestLoglikelihoodEmptyContextUsesEOT(t *testing.T) {
	var seen [][]int
	eng := &fakeEngine{
		generateFunc: func(_ context.Context, prompts [][]int, _ engine.SamplingParams) ([]engine.RawOutput, error) {
			seen = append(seen, prompts...)
			return scoringOutputs(prompts, -0.1), nil
		},
	}
	m, _ := newTestModel(t, Config{}, nil, eng)

	_, err := m.Loglikelihood(context.Background(), []LoglikelihoodRequest{
		{Context: "", Continuation: "Hello world"},
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, m.EOTTokenID(), seen[0][0])
	assert.Len(t, seen[0], 3)
}

func TestLoglikelihoodTruncatesLongInputs(t *testing.T) {
	var seen [][]int
	eng := &fakeEngine{
		generateFunc: func(_ context.Context, prompts [][]int, _ engine.SamplingParams) ([]engine.RawOutput, error) {
			seen = append(seen, prompts...)
			return scoringOutputs(prompts, -0.1), nil
		},
	}
	m, _ := newTestModel(t, Config{MaxLength: 4}, nil, eng)

	// Six distinct words of context plus a two-word continuation: only the
	// last four tokens may reach the engine, and both continuation tokens
	// must still be scored.
	results, err := m.Loglikelihood(context.Background(), []LoglikelihoodRequest{
		{Context: "a b c d e f", Continuation: " g h"},
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Len(t, seen[0], 4)
	assert.InDelta(t, -0.2, results[0].Logprob, 1e-9)
}

func TestLoglikelihoodContinuationExceedingMaxLength(t *testing.T) {
	var seen [][]int
	eng := &fakeEngine{
		generateFunc: func(_ context.Context, prompts [][]int, _ engine.SamplingParams) ([]engine.RawOutput, error) {
			seen = append(seen, prompts...)
			return scoringOutputs(prompts, -0.1), nil
		},
	}
	m, _ := newTestModel(t, Config{MaxLength: 4}, nil, eng)

	// The continuation alone exceeds the engine context: truncation eats
	// the whole one-token context. The first kept position still has no
	// distribution, so exactly maxLength-1 tokens are scored.
	results, err := m.Loglikelihood(context.Background(), []LoglikelihoodRequest{
		{Context: "a", Continuation: " b c d e f g"},
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Len(t, seen[0], 4)
	assert.InDelta(t, -0.3, results[0].Logprob, 1e-9)
	assert.True(t, results[0].IsGreedy)
}

func TestLoglikelihoodRestoresInputOrder(t *testing.T) {
	// Logprob is token count times -0.1, so each result reveals which
	// request it answered. Requests arrive shortest-first to force the
	// collator to reorder.
	m, _ := newTestModel(t, Config{}, nil)

	reqs := []LoglikelihoodRequest{
		{Context: "a", Continuation: " b"},
		{Context: "a b c d", Continuation: " e f g"},
		{Context: "a b", Continuation: " c d"},
	}
	results, err := m.Loglikelihood(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.InDelta(t, -0.1, results[0].Logprob, 1e-9)
	assert.InDelta(t, -0.3, results[1].Logprob, 1e-9)
	assert.InDelta(t, -0.2, results[2].Logprob, 1e-9)
}

func TestLoglikelihoodReplicaFanOut(t *testing.T) {
	e1, e2 := &fakeEngine{}, &fakeEngine{}
	m, err := New(Config{}, newFakeTokenizer(), nil, nil, e1, e2)
	require.NoError(t, err)

	reqs := []LoglikelihoodRequest{
		{Context: "a", Continuation: " b"},
		{Context: "c d", Continuation: " e"},
		{Context: "f g h", Continuation: " i"},
	}
	results, err := m.Loglikelihood(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.InDelta(t, -0.1, r.Logprob, 1e-9)
	}
}
