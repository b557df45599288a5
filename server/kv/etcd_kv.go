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

	"github.com/pkg/errors"
	"go.etcd.io/etcd/clientv3"
)

// EtcdKV is the production Cluster Metadata Store backend: a thin wrapper
// over go.etcd.io/etcd/clientv3, matching the teacher's choice of etcd as
// the scheduler's persistent store (see server/kv/etcd_kv_test.go in the
// reference implementation).
type EtcdKV struct {
	client   *clientv3.Client
	rootPath string
}

// NewEtcdKV wraps an already-connected client, namespacing every key under
// rootPath the way the teacher's Storage namespaces under "raft"/"schedule".
func NewEtcdKV(client *clientv3.Client, rootPath string) *EtcdKV {
	return &EtcdKV{client: client, rootPath: rootPath}
}

func (e *EtcdKV) key(k string) string { return e.rootPath + "/" + k }

func (e *EtcdKV) Load(ctx context.Context, key string) (string, bool, error) {
	resp, err := e.client.Get(ctx, e.key(key))
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (e *EtcdKV) LoadRange(ctx context.Context, startKey, endKey string, limit int) ([]string, []string, error) {
	opts := []clientv3.OpOption{clientv3.WithLimit(int64(limit))}
	if endKey == "" {
		opts = append(opts, clientv3.WithPrefix())
	} else {
		opts = append(opts, clientv3.WithRange(e.key(endKey)))
	}
	resp, err := e.client.Get(ctx, e.key(startKey), opts...)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	keys := make([]string, len(resp.Kvs))
	values := make([]string, len(resp.Kvs))
	prefixLen := len(e.rootPath) + 1
	for i, kv := range resp.Kvs {
		keys[i] = string(kv.Key)[prefixLen:]
		values[i] = string(kv.Value)
	}
	return keys, values, nil
}

func (e *EtcdKV) Save(ctx context.Context, key, value string) error {
	_, err := e.client.Put(ctx, e.key(key), value)
	return errors.WithStack(err)
}

func (e *EtcdKV) Remove(ctx context.Context, key string) error {
	_, err := e.client.Delete(ctx, e.key(key))
	return errors.WithStack(err)
}

// RunTransaction implements read-your-writes by buffering reads/writes in
// an etcdTxn and, on commit, asserting that every key it read (directly, or
// indirectly via a declared read-conflict range) still has the same
// mod-revision it had when read -- FoundationDB's read-conflict-range
// mechanism, expressed as an etcd compare-and-swap.
func (e *EtcdKV) RunTransaction(ctx context.Context, fn func(Txn) error) error {
	txn := &etcdTxn{kv: e, ctx: ctx, reads: map[string]int64{}, writes: map[string]memoryWrite{}}
	if err := fn(txn); err != nil {
		return err
	}
	if err := txn.resolveConflictRanges(); err != nil {
		return err
	}

	cmps := make([]clientv3.Cmp, 0, len(txn.reads))
	for k, rev := range txn.reads {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(e.key(k)), "=", rev))
	}
	ops := make([]clientv3.Op, 0, len(txn.writes))
	for k, w := range txn.writes {
		if w.deleted {
			ops = append(ops, clientv3.OpDelete(e.key(k)))
		} else {
			ops = append(ops, clientv3.OpPut(e.key(k), w.value))
		}
	}

	resp, err := e.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return errors.WithStack(err)
	}
	if !resp.Succeeded {
		return ErrTransactionConflict
	}
	return nil
}

// ErrTransactionConflict is returned by RunTransaction when a concurrent
// writer touched a key this transaction read or declared a read-conflict
// range over; callers retry (spec.md §7, TransientStoreError / MoveKeysConflict).
var ErrTransactionConflict = errors.New("kv: transaction conflict, retry")

type etcdTxn struct {
	kv            *EtcdKV
	ctx           context.Context
	reads         map[string]int64
	writes        map[string]memoryWrite
	conflictRange [][2]string
}

func (t *etcdTxn) Get(key string) (string, bool, error) {
	if w, ok := t.writes[key]; ok {
		return w.value, !w.deleted, nil
	}
	resp, err := t.kv.client.Get(t.ctx, t.kv.key(key))
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	if len(resp.Kvs) == 0 {
		t.reads[key] = 0
		return "", false, nil
	}
	t.reads[key] = resp.Kvs[0].ModRevision
	return string(resp.Kvs[0].Value), true, nil
}

func (t *etcdTxn) GetRange(startKey, endKey string, limit int) ([]string, []string, error) {
	keys, values, err := t.kv.LoadRange(t.ctx, startKey, endKey, limit)
	if err != nil {
		return nil, nil, err
	}
	t.conflictRange = append(t.conflictRange, [2]string{startKey, endKey})
	return keys, values, nil
}

func (t *etcdTxn) Put(key, value string) { t.writes[key] = memoryWrite{value: value} }
func (t *etcdTxn) Delete(key string)     { t.writes[key] = memoryWrite{deleted: true} }

func (t *etcdTxn) AddReadConflictRange(startKey, endKey string) {
	t.conflictRange = append(t.conflictRange, [2]string{startKey, endKey})
}

// resolveConflictRanges turns every declared range into per-key mod
// revision reads, so the commit-time compare catches writes anywhere in the
// range, not just at keys this transaction happened to touch directly.
func (t *etcdTxn) resolveConflictRanges() error {
	for _, rg := range t.conflictRange {
		keys, _, err := t.kv.LoadRange(t.ctx, rg[0], rg[1], 0)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, ok := t.reads[k]; ok {
				continue
			}
			resp, err := t.kv.client.Get(t.ctx, t.kv.key(k))
			if err != nil {
				return errors.WithStack(err)
			}
			if len(resp.Kvs) > 0 {
				t.reads[k] = resp.Kvs[0].ModRevision
			}
		}
	}
	return nil
}
