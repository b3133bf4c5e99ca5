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

import "github.com/prometheus/client_golang/prometheus"

var (
	requestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "lmeval",
			Name:      "request_ops_total",
			Help:      "The total number of harness requests processed.",
		},
		[]string{"op"},
	)
	scoredTokenOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "lmeval",
			Name:      "scored_token_ops_total",
			Help:      "The total number of continuation tokens scored.",
		},
	)
	cacheWriteOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "lmeval",
			Name:      "cache_write_ops_total",
			Help:      "The total number of partial results written to the cache hook.",
		},
		[]string{"op"},
	)
	batchSizes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "lmeval",
			Name:      "batch_size",
			Help:      "Distribution of dispatched batch sizes.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
		},
		[]string{"mode"}, // scoring, generation
	)
	engineCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "lmeval",
			Name:      "engine_call_duration_seconds",
			Help:      "Time spent inside a single batched engine call.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 600},
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(requestOps)
	prometheus.MustRegister(scoredTokenOps)
	prometheus.MustRegister(cacheWriteOps)
	prometheus.MustRegister(batchSizes)
	prometheus.MustRegister(engineCallDuration)
}

// recordRequests counts completed harness requests for an operation.
func recordRequests(op string, n int) {
	requestOps.WithLabelValues(op).Add(float64(n))
}

// recordScoredTokens counts continuation tokens scored.
func recordScoredTokens(n int) {
	scoredTokenOps.Add(float64(n))
}

// recordCacheWrite counts one partial-result cache write.
func recordCacheWrite(op string) {
	cacheWriteOps.WithLabelValues(op).Inc()
}

// recordEngineCall records one batched engine call.
func recordEngineCall(mode string, batchSize int, seconds float64) {
	batchSizes.WithLabelValues(mode).Observe(float64(batchSize))
	engineCallDuration.WithLabelValues(mode).Observe(seconds)
}
