// Copyright 2024 The TinyDD Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package intervalmap implements a balanced-tree interval map keyed by
// half-open byte-string ranges. It is the central data structure behind the
// shard-team registry and the physical-shard-to-key-range index: split at an
// arbitrary key, merge adjacent equal values, and iterate a range, all in
// O(log N).
package intervalmap

import (
	"bytes"

	"github.com/google/btree"
)

const defaultDegree = 64

// Range is a half-open byte-lexicographic key interval [Begin, End). An
// empty End means "to the end of the key space".
type Range struct {
	Begin []byte
	End   []byte
}

// Contains reports whether key falls in [r.Begin, r.End).
func (r Range) Contains(key []byte) bool {
	if bytes.Compare(key, r.Begin) < 0 {
		return false
	}
	return len(r.End) == 0 || bytes.Compare(key, r.End) < 0
}

// Overlaps reports whether r and other share any key.
func (r Range) Overlaps(other Range) bool {
	if len(other.End) != 0 && bytes.Compare(r.Begin, other.End) >= 0 {
		return false
	}
	if len(r.End) != 0 && bytes.Compare(other.Begin, r.End) >= 0 {
		return false
	}
	return true
}

func (r Range) equalBounds(other Range) bool {
	return bytes.Equal(r.Begin, other.Begin) && bytes.Equal(r.End, other.End)
}

// Entry is one maximal sub-range and the value it carries.
type Entry struct {
	Range Range
	Value any
}

type item struct {
	r     Range
	value any
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.r.Begin, than.(*item).r.Begin) < 0
}

// EqualFunc reports whether two values are equal for the purposes of
// adjacent-merge. Maps that never merge can pass a func that always
// returns false.
type EqualFunc func(a, b any) bool

// Map is a mutable interval map covering the entire key space with a single
// default entry until split. Not safe for concurrent use; callers serialize
// access the same way the teacher serializes region-tree access (single
// owning goroutine).
type Map struct {
	tree  *btree.BTree
	equal EqualFunc
}

// New creates a Map whose entire domain initially carries nil.
func New(equal EqualFunc) *Map {
	m := &Map{tree: btree.New(defaultDegree), equal: equal}
	m.tree.ReplaceOrInsert(&item{r: Range{}, value: nil})
	return m
}

// Len returns the number of maximal entries currently stored.
func (m *Map) Len() int { return m.tree.Len() }

// floor returns the entry whose range begins at or before key, i.e. the
// entry that would contain key if any entry does.
func (m *Map) floor(key []byte) *item {
	var result *item
	m.tree.DescendLessOrEqual(&item{r: Range{Begin: key}}, func(i btree.Item) bool {
		result = i.(*item)
		return false
	})
	return result
}

// Get returns the value covering key.
func (m *Map) Get(key []byte) any {
	it := m.floor(key)
	if it == nil {
		return nil
	}
	return it.value
}

// Ascend calls fn for every entry overlapping r in key order. Iteration
// stops early if fn returns false.
func (m *Map) Ascend(r Range, fn func(e Entry) bool) {
	start := m.floor(r.Begin)
	pivot := &item{r: Range{Begin: r.Begin}}
	if start != nil {
		pivot = start
	}
	m.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		it := i.(*item)
		if len(r.End) != 0 && bytes.Compare(it.r.Begin, r.End) >= 0 {
			return false
		}
		return fn(Entry{Range: it.r, Value: it.value})
	})
}

// AscendAll calls fn for every entry in the map, in key order.
func (m *Map) AscendAll(fn func(e Entry) bool) {
	m.tree.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		return fn(Entry{Range: it.r, Value: it.value})
	})
}

// insertBoundary ensures the map has a split point exactly at key, without
// changing any value: the entry that used to span across key is cut in two,
// both halves carrying the same value.
func (m *Map) insertBoundary(key []byte) {
	if len(key) == 0 {
		return
	}
	existing := m.floor(key)
	if existing != nil && bytes.Equal(existing.r.Begin, key) {
		return // already a boundary here
	}
	var end []byte
	var val any
	if existing != nil {
		end = existing.r.End
		val = existing.value
		existing.r.End = append([]byte(nil), key...)
		m.tree.ReplaceOrInsert(existing)
	}
	m.tree.ReplaceOrInsert(&item{r: Range{Begin: append([]byte(nil), key...), End: end}, value: val})
}

// Split rewrites the map so that r becomes a union of whole entries,
// preserving the value carried by each sub-interval. Idempotent when r's
// boundaries are already aligned.
func (m *Map) Split(r Range) {
	m.insertBoundary(r.Begin)
	m.insertBoundary(r.End)
}

// SetRange overwrites every entry intersecting r with value, after first
// calling Split(r) so boundaries land exactly on r. Existing sub-entries
// inside r are collapsed into one.
func (m *Map) SetRange(r Range, value any) {
	m.Split(r)
	var toDelete []*item
	m.tree.AscendGreaterOrEqual(&item{r: Range{Begin: r.Begin}}, func(i btree.Item) bool {
		it := i.(*item)
		if len(r.End) != 0 && bytes.Compare(it.r.Begin, r.End) >= 0 {
			return false
		}
		toDelete = append(toDelete, it)
		return true
	})
	for _, it := range toDelete {
		m.tree.Delete(it)
	}
	m.tree.ReplaceOrInsert(&item{r: Range{Begin: r.Begin, End: r.End}, value: value})
	m.mergeAround(r.Begin)
	m.mergeAround(r.End)
}

// Update calls fn(old) -> new for every maximal entry intersecting r,
// leaving boundaries untouched (unlike SetRange, which collapses the
// range). Used by operations that transform a value in place per sub-shard,
// such as moveShard.
func (m *Map) Update(r Range, fn func(Entry) any) {
	var items []*item
	m.tree.AscendGreaterOrEqual(&item{r: Range{Begin: m.boundaryFloor(r.Begin)}}, func(i btree.Item) bool {
		it := i.(*item)
		if len(r.End) != 0 && bytes.Compare(it.r.Begin, r.End) >= 0 {
			return false
		}
		items = append(items, it)
		return true
	})
	for _, it := range items {
		it.value = fn(Entry{Range: it.r, Value: it.value})
	}
}

func (m *Map) boundaryFloor(key []byte) []byte {
	it := m.floor(key)
	if it == nil {
		return key
	}
	return it.r.Begin
}

// mergeAround merges the entries immediately before and after key into
// their neighbor when the values compare equal, collapsing redundant
// boundaries created by a prior split.
func (m *Map) mergeAround(key []byte) {
	if m.equal == nil {
		return
	}
	cur := m.floor(key)
	if cur == nil {
		return
	}
	// Merge cur with its predecessor if they carry equal values.
	var prev *item
	m.tree.DescendLessOrEqual(cur, func(i btree.Item) bool {
		it := i.(*item)
		if bytes.Equal(it.r.Begin, cur.r.Begin) {
			return true
		}
		prev = it
		return false
	})
	if prev != nil && bytes.Equal(prev.r.End, cur.r.Begin) && m.equal(prev.value, cur.value) {
		m.tree.Delete(cur)
		prev.r.End = cur.r.End
		m.tree.ReplaceOrInsert(prev)
		cur = prev
	}
	// Merge cur with its successor.
	var next *item
	found := false
	m.tree.AscendGreaterOrEqual(cur, func(i btree.Item) bool {
		it := i.(*item)
		if !found {
			found = true
			return true
		}
		next = it
		return false
	})
	if next != nil && bytes.Equal(cur.r.End, next.r.Begin) && m.equal(cur.value, next.value) {
		m.tree.Delete(next)
		cur.r.End = next.r.End
		m.tree.ReplaceOrInsert(cur)
	}
}
