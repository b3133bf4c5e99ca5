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

package collate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReq struct {
	id    int
	toks  int
	group string
}

func tokLen(r fakeReq) int       { return r.toks }
func groupOf(r fakeReq) string   { return r.group }
func identity(r fakeReq) fakeReq { return r }

func TestRestoreRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		reqs      []fakeReq
		batchSize int
	}{
		{name: "empty", reqs: nil, batchSize: 2},
		{name: "single", reqs: []fakeReq{{id: 0, toks: 3}}, batchSize: 2},
		{
			name: "duplicate sort keys",
			reqs: []fakeReq{
				{id: 0, toks: 5}, {id: 1, toks: 5}, {id: 2, toks: 5}, {id: 3, toks: 5},
			},
			batchSize: 3,
		},
		{
			name: "interleaved groups",
			reqs: []fakeReq{
				{id: 0, toks: 2, group: "a"}, {id: 1, toks: 9, group: "b"},
				{id: 2, toks: 7, group: "a"}, {id: 3, toks: 1, group: "b"},
				{id: 4, toks: 4, group: "a"}, {id: 5, toks: 4, group: "b"},
				{id: 6, toks: 8, group: "a"},
			},
			batchSize: 2,
		},
		{
			name: "automatic batching",
			reqs: []fakeReq{
				{id: 0, toks: 1, group: "a"}, {id: 1, toks: 2, group: "b"},
				{id: 2, toks: 3, group: "a"},
			},
			batchSize: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New[fakeReq, fakeReq](tt.reqs, tokLen, groupOf)

			// Identity processing in batch traversal order.
			var results []fakeReq
			for _, batch := range c.Batches(tt.batchSize) {
				for _, r := range batch {
					results = append(results, identity(r))
				}
			}

			restored, err := c.Restore(results)
			require.NoError(t, err)
			require.Len(t, restored, len(tt.reqs))
			for i, r := range restored {
				assert.Equal(t, tt.reqs[i].id, r.id, "request %d out of place", i)
			}
		})
	}
}

func TestGroupIsolation(t *testing.T) {
	reqs := []fakeReq{
		{id: 0, toks: 2, group: "greedy"}, {id: 1, toks: 9, group: "sampled"},
		{id: 2, toks: 7, group: "greedy"}, {id: 3, toks: 1, group: "sampled"},
		{id: 4, toks: 4, group: "greedy"},
	}
	c := New[fakeReq, fakeReq](reqs, tokLen, groupOf)

	for _, batch := range c.Batches(2) {
		require.NotEmpty(t, batch)
		for _, r := range batch {
			assert.Equal(t, batch[0].group, r.group, "batch mixes groups")
		}
	}
}

func TestBatchesSortedDescending(t *testing.T) {
	reqs := []fakeReq{
		{id: 0, toks: 2}, {id: 1, toks: 9}, {id: 2, toks: 7},
		{id: 3, toks: 1}, {id: 4, toks: 9},
	}
	c := New[fakeReq, fakeReq](reqs, tokLen, nil)

	batches := c.Batches(3)
	prev := int(^uint(0) >> 1)
	for _, batch := range batches {
		for _, r := range batch {
			assert.LessOrEqual(t, r.toks, prev, "sort key increased within traversal")
			prev = r.toks
		}
	}

	// Equal keys keep input order (stable sort).
	flat := batches[0]
	assert.Equal(t, 1, flat[0].id)
	assert.Equal(t, 4, flat[1].id)
}

func TestAutomaticBatchSize(t *testing.T) {
	reqs := []fakeReq{
		{id: 0, group: "a"}, {id: 1, group: "a"}, {id: 2, group: "a"},
		{id: 3, group: "b"},
	}
	c := New[fakeReq, fakeReq](reqs, tokLen, groupOf)

	batches := c.Batches(0)
	require.Len(t, batches, 2, "automatic batching should yield one batch per group")
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 1)
}

func TestRestoreCountMismatch(t *testing.T) {
	reqs := []fakeReq{{id: 0}, {id: 1}, {id: 2}}
	c := New[fakeReq, fakeReq](reqs, tokLen, nil)

	_, err := c.Restore([]fakeReq{{id: 0}})
	require.Error(t, err)
	var inv *BatchInversionError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, 3, inv.Want)
	assert.Equal(t, 1, inv.Got)
}

func TestRestoreSingleUse(t *testing.T) {
	reqs := []fakeReq{{id: 0}, {id: 1}}
	c := New[fakeReq, fakeReq](reqs, tokLen, nil)

	_, err := c.Restore([]fakeReq{{id: 0}, {id: 1}})
	require.NoError(t, err)

	_, err = c.Restore([]fakeReq{{id: 0}, {id: 1}})
	var inv *BatchInversionError
	require.ErrorAs(t, err, &inv)
}
