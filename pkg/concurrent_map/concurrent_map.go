/*
 * Copyright (C) 2020-2026, pmkol
 *
 * This file is part of mosdns-lite.
 *
 * mosdns-lite is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns-lite is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package concurrent_map

import (
	"hash/maphash"
	"sync"
)

// ShardedMap is a map split into shards, each behind its own mutex.
// Operations on keys of different shards never block each other.
type ShardedMap[V any] struct {
	seed maphash.Seed
	l    []*ConcurrentMap[string, V]
	mask uint64 // shardNum - 1 (shardNum must be power of 2)
}

func NewShardedMap[V any](shardNum int) *ShardedMap[V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}

	cm := &ShardedMap[V]{
		seed: maphash.MakeSeed(),
		l:    make([]*ConcurrentMap[string, V], shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range cm.l {
		cm.l[i] = NewConcurrentMap[string, V]()
	}
	return cm
}

func (c *ShardedMap[V]) getShard(key string) *ConcurrentMap[string, V] {
	h := maphash.String(c.seed, key)
	return c.l[int(h&c.mask)]
}

func (c *ShardedMap[V]) Set(key string, v V) {
	c.getShard(key).Set(key, v)
}

func (c *ShardedMap[V]) Del(key string) {
	c.getShard(key).Del(key)
}

func (c *ShardedMap[V]) Get(key string) (v V, ok bool) {
	return c.getShard(key).Get(key)
}

// Clean removes every entry f returns true for.
func (c *ShardedMap[V]) Clean(f func(key string, v V) bool) (removed int) {
	for _, shard := range c.l {
		removed += shard.Clean(f)
	}
	return
}

// Range calls f for every entry, one shard at a time. It stops early
// if f returns false. f must not call back into c.
func (c *ShardedMap[V]) Range(f func(key string, v V) bool) {
	for _, shard := range c.l {
		if !shard.Range(f) {
			return
		}
	}
}

func (c *ShardedMap[V]) Len() int {
	sum := 0
	for _, shard := range c.l {
		sum += shard.Len()
	}
	return sum
}

// -----------------------------

type ConcurrentMap[K comparable, V any] struct {
	sync.Mutex
	m map[K]V
}

func NewConcurrentMap[K comparable, V any]() *ConcurrentMap[K, V] {
	return &ConcurrentMap[K, V]{
		m: make(map[K]V),
	}
}

func (c *ConcurrentMap[K, V]) Set(key K, v V) {
	c.Lock()
	c.m[key] = v
	c.Unlock()
}

func (c *ConcurrentMap[K, V]) Del(key K) {
	c.Lock()
	delete(c.m, key)
	c.Unlock()
}

func (c *ConcurrentMap[K, V]) Get(key K) (v V, ok bool) {
	c.Lock()
	v, ok = c.m[key]
	c.Unlock()
	return
}

func (c *ConcurrentMap[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	c.Lock()
	for k, v := range c.m {
		if f(k, v) {
			delete(c.m, k)
			removed++
		}
	}
	c.Unlock()
	return
}

func (c *ConcurrentMap[K, V]) Range(f func(key K, v V) bool) bool {
	c.Lock()
	defer c.Unlock()
	for k, v := range c.m {
		if !f(k, v) {
			return false
		}
	}
	return true
}

func (c *ConcurrentMap[K, V]) Len() int {
	c.Lock()
	n := len(c.m)
	c.Unlock()
	return n
}
