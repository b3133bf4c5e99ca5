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

// Package dispatch fans a request list out across N independent engine
// replicas and merges the per-replica results back into the caller's order.
//
// Partitioning is round-robin rather than contiguous: with requests sorted
// longest-first upstream, interleaving balances total token volume across
// replicas far better than contiguous slicing would.
package dispatch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Distribute partitions items into n round-robin sublists: item i lands in
// sublist i%n at position i/n. Sublists for n > len(items) are empty, never
// nil-padded with extra entries.
func Distribute[T any](items []T, n int) [][]T {
	if n < 1 {
		n = 1
	}
	parts := make([][]T, n)
	for i, item := range items {
		parts[i%n] = append(parts[i%n], item)
	}
	return parts
}

// Undistribute is the inverse of Distribute: it merges per-replica result
// lists back into the original interleaved order.
func Undistribute[T any](parts [][]T) []T {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	merged := make([]T, 0, total)
	for j := 0; ; j++ {
		emitted := false
		for _, p := range parts {
			if j < len(p) {
				merged = append(merged, p[j])
				emitted = true
			}
		}
		if !emitted {
			return merged
		}
	}
}

// Map runs fn once per replica over that replica's partition, in parallel,
// and returns the per-replica results in partition order. A single replica
// failure cancels the remaining replicas and fails the whole call; no
// partial results are returned.
func Map[T, R any](ctx context.Context, parts [][]T, fn func(ctx context.Context, replica int, part []T) ([]R, error)) ([][]R, error) {
	results := make([][]R, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		g.Go(func() error {
			res, err := fn(gctx, i, part)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
