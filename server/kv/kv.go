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

// Package kv abstracts the Cluster Metadata Store collaborator: a
// linearizable key-value store exposing transactions with read-your-writes
// semantics. DD persists shard-team assignments and DataMove records here,
// and reads the server list at startup.
package kv

import "context"

// Base is the minimal transactional KV surface DD needs. Implementations
// must provide read-your-writes within a single Txn.
type Base interface {
	Load(ctx context.Context, key string) (string, bool, error)
	LoadRange(ctx context.Context, startKey, endKey string, limit int) (keys, values []string, err error)
	Save(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error

	// RunTransaction executes fn against a Txn; fn may be retried on
	// conflict, so it must be idempotent and side-effect free outside of
	// the Txn it is given.
	RunTransaction(ctx context.Context, fn func(Txn) error) error
}

// Txn is a single read-your-writes transaction: writes performed through it
// are immediately visible to later Get calls on the same Txn, but are only
// durable and externally visible once RunTransaction's fn returns nil.
// GetRange reads committed data only; it does not see the Txn's own
// buffered writes.
type Txn interface {
	Get(key string) (string, bool, error)
	GetRange(startKey, endKey string, limit int) (keys, values []string, err error)
	Put(key, value string)
	Delete(key string)
	// AddReadConflictRange declares that this transaction must abort if any
	// concurrent transaction writes within [startKey, endKey) before this
	// one commits -- the serialization mechanism spec.md §5 relies on to
	// keep concurrent Data Distributors from racing on the same range.
	AddReadConflictRange(startKey, endKey string)
}
