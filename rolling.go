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

	"github.com/antflydb/lmeval/lib/rolling"
	"go.uber.org/zap"
)

// RollingRequest asks for the total loglikelihood of a document, scored
// window by window when it exceeds the engine context.
type RollingRequest struct {
	Text string
}

// LoglikelihoodRolling computes, per document, the sum of token logprobs
// over the whole text. Documents longer than the engine context are split
// into disjoint prediction windows (one reserved slot of left context per
// window); every window becomes a keyless sub-request, and window scores
// are aggregated per document before the single cache write.
func (m *Model) LoglikelihoodRolling(ctx context.Context, reqs []RollingRequest) ([]float64, error) {
	var windowReqs []tokenRequest
	windowCounts := make([]int, len(reqs))

	for i, req := range reqs {
		toks, err := m.tokEncode(req.Text)
		if err != nil {
			return nil, fmt.Errorf("encoding document %d: %w", i, err)
		}

		// One slot of the window budget is reserved for context.
		windows := rolling.DisjointWindows(toks, m.prefixToken, m.maxLength-1, 1)
		for _, w := range windows {
			windowReqs = append(windowReqs, tokenRequest{
				contextEnc:      w.Input,
				continuationEnc: w.Pred,
			})
		}
		windowCounts[i] = len(windows)
	}

	m.logger.Debug("Segmented rolling requests",
		zap.Int("documents", len(reqs)),
		zap.Int("windows", len(windowReqs)))

	scores, err := m.loglikelihoodTokens(ctx, windowReqs)
	if err != nil {
		return nil, err
	}

	loglikelihoods := make([]float64, len(reqs))
	idx := 0
	for i, count := range windowCounts {
		var total float64
		for _, s := range scores[idx : idx+count] {
			total += s.Logprob
		}
		loglikelihoods[i] = total
		idx += count

		m.cache.AddPartial("loglikelihood_rolling", cacheKey(reqs[i].Text), total)
	}

	recordRequests("loglikelihood_rolling", len(reqs))
	return loglikelihoods, nil
}
