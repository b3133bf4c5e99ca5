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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIEngineGenerateScoring(t *testing.T) {
	var gotReq map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [
				{
					"index": 1,
					"text": "",
					"prompt_logprobs": [
						null,
						{"20": {"logprob": -0.5, "rank": 1, "decoded_token": " b"}},
						{"30": {"logprob": -1.5, "rank": 2, "decoded_token": " c"},
						 "31": {"logprob": -0.2, "rank": 1, "decoded_token": " d"}}
					]
				},
				{
					"index": 0,
					"text": "",
					"prompt_logprobs": [
						null,
						{"11": {"logprob": -0.25, "rank": 1, "decoded_token": " x"}}
					]
				}
			]
		}`))
	}))
	defer server.Close()

	eng := NewOpenAIEngine(server.URL, "test-model", nil)
	defer func() {
		_ = eng.Close()
	}()

	outputs, err := eng.Generate(context.Background(), [][]int{{10, 11}, {10, 20, 30}}, ScoringParams())
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	assert.Equal(t, "test-model", gotReq["model"])
	assert.EqualValues(t, 1, gotReq["prompt_logprobs"])
	assert.EqualValues(t, 1, gotReq["max_tokens"])

	// Choices arrive out of order and must land at their index.
	assert.Equal(t, []int{10, 11}, outputs[0].PromptTokenIDs)
	assert.Equal(t, []int{10, 20, 30}, outputs[1].PromptTokenIDs)

	dists := outputs[1].PromptLogprobs
	require.Len(t, dists, 3)
	assert.Nil(t, dists[0])
	assert.InDelta(t, -0.5, dists[1][20].Logprob, 1e-9)
	assert.InDelta(t, -1.5, dists[2][30].Logprob, 1e-9)
	assert.Equal(t, 1, dists[2][31].Rank)
	assert.Equal(t, " c", dists[2][30].DecodedToken)
}

func TestOpenAIEngineGenerateChoiceCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"index": 0, "text": "only one"}]}`))
	}))
	defer server.Close()

	eng := NewOpenAIEngine(server.URL, "test-model", nil)
	_, err := eng.Generate(context.Background(), [][]int{{1}, {2}}, SamplingParams{})
	assert.ErrorContains(t, err, "1 choices for 2 prompts")
}

func TestOpenAIEngineGenerateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
	}))
	defer server.Close()

	eng := NewOpenAIEngine(server.URL, "test-model", nil)
	_, err := eng.Generate(context.Background(), [][]int{{1}}, SamplingParams{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "status 500")
	assert.ErrorContains(t, err, "CUDA out of memory")
}

func TestOpenAIEngineGenerateMalformedTokenID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"index": 0, "prompt_logprobs": [null, {"oops": {"logprob": -1}}]}]}`))
	}))
	defer server.Close()

	eng := NewOpenAIEngine(server.URL, "test-model", nil)
	_, err := eng.Generate(context.Background(), [][]int{{1, 2}}, ScoringParams())
	assert.ErrorContains(t, err, "malformed token id")
}

func TestOpenAIEngineChat(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		msgs := req["messages"].([]any)
		last := msgs[len(msgs)-1].(map[string]any)

		resp := map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": "re: " + last["content"].(string)}},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	eng := NewOpenAIEngine(server.URL, "test-model", nil)
	outputs, err := eng.Chat(context.Background(), [][]Message{
		{{Role: "user", Content: "first"}},
		{{Role: "system", Content: "be brief"}, {Role: "user", Content: "second"}},
	}, SamplingParams{MaxTokens: 16})
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	assert.Equal(t, []string{"/v1/chat/completions", "/v1/chat/completions"}, paths)
	assert.Equal(t, "re: first", outputs[0].Text)
	assert.Equal(t, "re: second", outputs[1].Text)
	assert.Equal(t, "system: be brief\nuser: second", outputs[1].Prompt)
}

func TestScoringParams(t *testing.T) {
	params := ScoringParams()
	assert.Zero(t, params.Temperature)
	assert.Equal(t, 1, params.MaxTokens)
	assert.Equal(t, 1, params.PromptLogprobs)
	assert.False(t, params.Detokenize)
}
