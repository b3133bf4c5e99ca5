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

// Package rolling splits long token sequences into bounded windows for
// perplexity-style scoring. Each token of the source sequence is predicted
// exactly once; windows after the first carry a small run of conditioning
// tokens from the preceding window, and the first window conditions on a
// caller-supplied prefix token instead.
package rolling

// Window is one bounded slice of a longer token sequence. Input is the
// conditioning side fed to the engine; Pred holds the tokens scored by this
// window. After MakeDisjoint, Input ends right where Pred begins, so the
// context length of the window is simply len(Input).
type Window struct {
	Input []int
	Pred  []int
}

// Windows segments tokens into overlapping windows of at most maxSeqLen
// input tokens. contextLen is the minimum number of conditioning tokens
// carried into each window after the first; the first window instead uses
// prefixToken as its sole left context. contextLen is clamped to
// [1, maxSeqLen]. Recomputing from the same inputs yields an identical
// sequence.
//
// The predicted regions of the returned windows partition the source
// sequence: len(windows) == ceil(len(tokens) / (maxSeqLen - contextLen + 1)).
func Windows(tokens []int, prefixToken, maxSeqLen, contextLen int) []Window {
	if len(tokens) == 0 {
		return nil
	}
	if contextLen < 1 {
		contextLen = 1
	}
	if contextLen > maxSeqLen {
		// A window cannot be all context; keep one predicted slot so the
		// loop always advances.
		contextLen = maxSeqLen
	}
	predLen := maxSeqLen - contextLen + 1

	var windows []Window

	firstSeqLen := min(maxSeqLen, len(tokens))
	input := make([]int, 0, firstSeqLen)
	input = append(input, prefixToken)
	input = append(input, tokens[:firstSeqLen-1]...)
	windows = append(windows, Window{Input: input, Pred: tokens[:firstSeqLen]})
	predicted := firstSeqLen

	for predicted < len(tokens) {
		windowPred := min(len(tokens)-predicted, predLen)
		windowEnd := predicted + windowPred
		windows = append(windows, Window{
			Input: tokens[windowEnd-maxSeqLen-1 : windowEnd-1],
			Pred:  tokens[windowEnd-windowPred : windowEnd],
		})
		predicted += windowPred
	}
	return windows
}

// MakeDisjoint trims a window's input so that its context does not overlap
// the predicted region of the preceding window beyond the single conditioning
// boundary: the returned input ends right before the first predicted token.
func MakeDisjoint(w Window) Window {
	return Window{
		Input: w.Input[:len(w.Input)-(len(w.Pred)-1)],
		Pred:  w.Pred,
	}
}

// DisjointWindows is Windows followed by MakeDisjoint on every element,
// which is the form consumed by rolling-likelihood scoring.
func DisjointWindows(tokens []int, prefixToken, maxSeqLen, contextLen int) []Window {
	windows := Windows(tokens, prefixToken, maxSeqLen, contextLen)
	for i, w := range windows {
		windows[i] = MakeDisjoint(w)
	}
	return windows
}
