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
	"math"
	"strings"
	"unicode"

	"github.com/antflydb/lmeval/lib/collate"
	"github.com/antflydb/lmeval/lib/engine"
	"go.uber.org/zap"
)

// LoglikelihoodRequest asks for the scored likelihood of Continuation
// following Context.
type LoglikelihoodRequest struct {
	Context      string
	Continuation string
}

// ScoredResult is the likelihood of one continuation: the summed logprob of
// its tokens, and whether greedy decoding would have reproduced it exactly.
type ScoredResult struct {
	Logprob  float64
	IsGreedy bool
}

// tokenRequest is an encoded likelihood request. cacheKey is empty for
// sub-requests of a rolling computation, which are aggregated before
// caching.
type tokenRequest struct {
	cacheKey        string
	contextEnc      []int
	continuationEnc []int
}

// Loglikelihood scores each continuation against its context, preserving
// input order. An empty context is conditioned on the end-of-text token.
func (m *Model) Loglikelihood(ctx context.Context, reqs []LoglikelihoodRequest) ([]ScoredResult, error) {
	tokReqs := make([]tokenRequest, 0, len(reqs))
	for _, req := range reqs {
		var contextEnc, continuationEnc []int
		var err error
		if req.Context == "" {
			// End of text as context.
			continuationEnc, err = m.tokEncode(req.Continuation)
			if err != nil {
				return nil, fmt.Errorf("encoding continuation: %w", err)
			}
			contextEnc = []int{m.eotTokenID}
		} else {
			contextEnc, continuationEnc, err = m.EncodePair(req.Context, req.Continuation)
			if err != nil {
				return nil, err
			}
		}
		tokReqs = append(tokReqs, tokenRequest{
			cacheKey:        cacheKey(req.Context, req.Continuation),
			contextEnc:      contextEnc,
			continuationEnc: continuationEnc,
		})
	}
	results, err := m.loglikelihoodTokens(ctx, tokReqs)
	if err != nil {
		return nil, err
	}
	recordRequests("loglikelihood", len(reqs))
	return results, nil
}

// EncodePair encodes a (context, continuation) pair such that
// concatenating the two encodings reproduces the encoding of the joined
// string. Trailing context whitespace migrates onto the continuation first;
// most tokenizers would otherwise merge it across the boundary.
func (m *Model) EncodePair(context, continuation string) (contextEnc, continuationEnc []int, err error) {
	nSpaces := len(context) - len(strings.TrimRightFunc(context, unicode.IsSpace))
	if nSpaces > 0 {
		continuation = context[len(context)-nSpaces:] + continuation
		context = context[:len(context)-nSpaces]
	}

	wholeEnc, err := m.tok.Encode(context+continuation, false)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding pair: %w", err)
	}
	contextEnc, err = m.tok.Encode(context, false)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding context: %w", err)
	}
	if len(contextEnc) > len(wholeEnc) {
		contextEnc = wholeEnc
	}
	return contextEnc, wholeEnc[len(contextEnc):], nil
}

// loglikelihoodTokens reorders encoded requests longest-first, dispatches
// scoring batches, decomposes the raw logprob output, and restores the
// caller's order.
func (m *Model) loglikelihoodTokens(ctx context.Context, reqs []tokenRequest) ([]ScoredResult, error) {
	coll := collate.New[tokenRequest, ScoredResult](reqs,
		func(r tokenRequest) int { return len(r.contextEnc) + len(r.continuationEnc) },
		nil)

	batches := coll.Batches(m.batchSize)
	results := make([]ScoredResult, 0, len(reqs))
	done := 0
	for _, batch := range batches {
		inputs := make([][]int, len(batch))
		ctxlens := make([]int, len(batch))
		for i, r := range batch {
			full := make([]int, 0, len(r.contextEnc)+len(r.continuationEnc))
			full = append(full, r.contextEnc...)
			full = append(full, r.continuationEnc...)

			// Right-truncate to the engine context from the left; the
			// conditioning length shrinks by however much was cut.
			inp := full
			if len(inp) > m.maxLength {
				inp = inp[len(inp)-m.maxLength:]
			}
			ctxlen := len(r.contextEnc) - max(0, len(full)-m.maxLength)
			if ctxlen < 1 {
				// Truncation consumed the whole context; the first kept
				// position still has no distribution, so at least one
				// conditioning slot must remain.
				ctxlen = 1
			}

			inputs[i] = inp
			ctxlens[i] = ctxlen
		}

		outputs, err := m.score(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("scoring batch: %w", err)
		}

		for i, out := range outputs {
			answer, err := parseLogprobs(inputs[i], out, ctxlens[i])
			if err != nil {
				return nil, err
			}
			results = append(results, answer)
			recordScoredTokens(len(inputs[i]) - ctxlens[i])

			if batch[i].cacheKey != "" {
				// Rolling sub-requests carry no key; those are cached
				// per source document after aggregation.
				m.cache.AddPartial("loglikelihood", batch[i].cacheKey, answer)
			}
		}

		done += len(batch)
		m.logger.Debug("Scored batch",
			zap.Int("batchSize", len(batch)),
			zap.Int("done", done),
			zap.Int("total", len(reqs)))
	}

	return coll.Restore(results)
}

// parseLogprobs decomposes a scoring-mode RawOutput for one request.
//
// tokens is the exact (possibly truncated) sequence fed to the engine, and
// ctxlen >= 1 counts its leading pure-context positions. The continuation
// logprob sums, over positions from ctxlen onward, the logprob each
// position's distribution assigned to the token actually realized there.
// IsGreedy holds iff the argmax candidate matches the realized token at
// every one of those positions.
func parseLogprobs(tokens []int, out engine.RawOutput, ctxlen int) (ScoredResult, error) {
	dists := out.PromptLogprobs
	if len(dists) < len(tokens) {
		return ScoredResult{}, fmt.Errorf("engine returned %d prompt logprob entries for %d tokens", len(dists), len(tokens))
	}

	var continuationLogprob float64
	isGreedy := true
	for pos := ctxlen; pos < len(tokens); pos++ {
		dist := dists[pos]
		if dist == nil {
			// The first entry is always nil: no previous tokens to
			// condition on. ctxlen >= 1 keeps it out of scoring range,
			// so a nil here means the engine skipped a position.
			return ScoredResult{}, fmt.Errorf("missing logprob distribution at position %d", pos)
		}
		realized, ok := dist[tokens[pos]]
		if !ok {
			return ScoredResult{}, fmt.Errorf("realized token %d absent from distribution at position %d", tokens[pos], pos)
		}
		continuationLogprob += realized.Float()

		if isGreedy {
			topTok, topLP := 0, math.Inf(-1)
			for tok, lp := range dist {
				if lp.Float() > topLP {
					topTok, topLP = tok, lp.Float()
				}
			}
			if topTok != tokens[pos] {
				isGreedy = false
			}
		}
	}
	return ScoredResult{Logprob: continuationLogprob, IsGreedy: isGreedy}, nil
}
