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

// Package collate reorders heterogeneous request lists into batches that an
// inference engine can execute efficiently, and restores engine results to
// the caller's original ordering afterwards.
//
// Requests are grouped by a caller-supplied key (so that e.g. greedy and
// temperature-sampled requests never share an engine call), sorted within
// each group by a descending sort key (longest first, so padded batch sizes
// are known up front and out-of-memory failures surface early), and sliced
// into fixed-size batches. The permutation applied during reordering is
// recorded so that Restore can apply its inverse to the results.
package collate

import (
	"fmt"
	"sort"
)

// BatchInversionError reports a result/request count mismatch during order
// restoration. It always indicates a logic defect in the caller: results must
// be collected in batch traversal order, exactly one per request.
type BatchInversionError struct {
	Want int
	Got  int
}

func (e *BatchInversionError) Error() string {
	return fmt.Sprintf("collate: cannot invert batch ordering: have %d results for %d requests", e.Got, e.Want)
}

// Collator reorders a request list for batching and inverts the reordering
// on the result list. T is the request type, R the per-request result type.
//
// A Collator is single-use: Batches may be called any number of times, but
// Restore consumes the recorded permutation exactly once.
type Collator[T, R any] struct {
	items  []T
	order  []int // order[i] = original index of the i-th reordered item
	groups []span
	done   bool
}

// span marks a contiguous run of reordered items belonging to one group.
type span struct {
	start, end int
}

// New builds a Collator over items.
//
// sortKey is a length proxy; within a group, items are ordered by it
// descending. groupKey may be nil, in which case all items form one group.
// Items with equal sort keys keep their relative input order.
func New[T, R any](items []T, sortKey func(T) int, groupKey func(T) string) *Collator[T, R] {
	c := &Collator[T, R]{
		items: make([]T, len(items)),
		order: make([]int, len(items)),
	}
	copy(c.items, items)
	for i := range c.order {
		c.order[i] = i
	}

	if groupKey == nil {
		sortSpan(c.items, c.order, sortKey, 0, len(items))
		if len(items) > 0 {
			c.groups = []span{{0, len(items)}}
		}
		return c
	}

	// Group items by key, preserving first-seen group order so that batch
	// traversal order is deterministic for a given input.
	keys := make([]string, 0)
	byKey := make(map[string][]int)
	for i, item := range items {
		k := groupKey(item)
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], i)
	}

	pos := 0
	for _, k := range keys {
		start := pos
		for _, idx := range byKey[k] {
			c.items[pos] = items[idx]
			c.order[pos] = idx
			pos++
		}
		sortSpan(c.items, c.order, sortKey, start, pos)
		c.groups = append(c.groups, span{start, pos})
	}
	return c
}

// sortSpan sorts items[start:end] descending by key, carrying order along.
func sortSpan[T any](items []T, order []int, key func(T) int, start, end int) {
	if key == nil {
		return
	}
	sub := make([]int, end-start)
	for i := range sub {
		sub[i] = start + i
	}
	sort.SliceStable(sub, func(a, b int) bool {
		return key(items[sub[a]]) > key(items[sub[b]])
	})
	tmpItems := make([]T, end-start)
	tmpOrder := make([]int, end-start)
	for i, idx := range sub {
		tmpItems[i] = items[idx]
		tmpOrder[i] = order[idx]
	}
	copy(items[start:end], tmpItems)
	copy(order[start:end], tmpOrder)
}

// Len returns the number of collated requests.
func (c *Collator[T, R]) Len() int { return len(c.items) }

// Batches slices the reordered requests into batches of at most size
// requests. A size of zero or less means automatic batching: one batch per
// group, regardless of group length. Batches never span group boundaries.
func (c *Collator[T, R]) Batches(size int) [][]T {
	var batches [][]T
	for _, g := range c.groups {
		if size <= 0 {
			batches = append(batches, c.items[g.start:g.end])
			continue
		}
		for i := g.start; i < g.end; i += size {
			end := i + size
			if end > g.end {
				end = g.end
			}
			batches = append(batches, c.items[i:end])
		}
	}
	return batches
}

// Restore maps results, collected in the traversal order Batches produced,
// back to the original request ordering. It fails with *BatchInversionError
// if the result count does not match the request count recorded at
// construction, or if the permutation was already consumed.
func (c *Collator[T, R]) Restore(results []R) ([]R, error) {
	if c.done {
		return nil, &BatchInversionError{Want: len(c.order), Got: len(results)}
	}
	if len(results) != len(c.order) {
		return nil, &BatchInversionError{Want: len(c.order), Got: len(results)}
	}
	c.done = true
	out := make([]R, len(results))
	for i, res := range results {
		out[c.order[i]] = res
	}
	return out, nil
}
