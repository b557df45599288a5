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

package kv

import (
	"context"
	"sort"
	"sync"
)

// MemoryKV is an in-process Base backed by a sorted map, guarded by a single
// mutex that doubles as the serialization point for RunTransaction. Used by
// tests and single-node demos in place of the etcd-backed store.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemoryKV creates an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Load(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) LoadRange(_ context.Context, startKey, endKey string, limit int) ([]string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadRangeLocked(startKey, endKey, limit)
}

func (m *MemoryKV) loadRangeLocked(startKey, endKey string, limit int) ([]string, []string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if k < startKey {
			continue
		}
		if endKey != "" && k >= endKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = m.data[k]
	}
	return keys, values, nil
}

func (m *MemoryKV) Save(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// RunTransaction holds the store mutex for the whole closure, giving trivial
// read-your-writes and serializability -- correct but coarse, acceptable for
// the single-Data-Distributor test/demo topology this backend targets.
func (m *MemoryKV) RunTransaction(_ context.Context, fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &memoryTxn{kv: m}
	if err := fn(txn); err != nil {
		return err
	}
	for k, v := range txn.writes {
		if v.deleted {
			delete(m.data, k)
		} else {
			m.data[k] = v.value
		}
	}
	return nil
}

type memoryWrite struct {
	value   string
	deleted bool
}

type memoryTxn struct {
	kv     *MemoryKV
	writes map[string]memoryWrite
}

func (t *memoryTxn) Get(key string) (string, bool, error) {
	if w, ok := t.writes[key]; ok {
		return w.value, !w.deleted, nil
	}
	v, ok := t.kv.data[key]
	return v, ok, nil
}

func (t *memoryTxn) GetRange(startKey, endKey string, limit int) ([]string, []string, error) {
	return t.kv.loadRangeLocked(startKey, endKey, limit)
}

func (t *memoryTxn) Put(key, value string) {
	if t.writes == nil {
		t.writes = make(map[string]memoryWrite)
	}
	t.writes[key] = memoryWrite{value: value}
}

func (t *memoryTxn) Delete(key string) {
	if t.writes == nil {
		t.writes = make(map[string]memoryWrite)
	}
	t.writes[key] = memoryWrite{deleted: true}
}

func (t *memoryTxn) AddReadConflictRange(string, string) {
	// MemoryKV serializes the entire transaction body under one mutex, so
	// every transaction is already conflict-free by construction.
}
