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

package mem_cache

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/mosdns-lite/pkg/cache"
	"github.com/pmkol/mosdns-lite/pkg/concurrent_map"
)

const (
	shardSize              = 64
	defaultCleanerInterval = time.Minute
)

var nopLogger = zap.NewNop()

type Opts struct {
	// CleanerInterval is the sweep period. Zero means defaultCleanerInterval,
	// a negative value disables the cleaner.
	CleanerInterval time.Duration

	// Logger is optional.
	Logger *zap.Logger

	// Now is the clock. Default is time.Now.
	Now func() time.Time
}

func (opts *Opts) init() {
	if opts.CleanerInterval == 0 {
		opts.CleanerInterval = defaultCleanerInterval
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
}

// MemCache is an in-memory cache.Backend without a size limit. Entries
// only leave the cache by expiring.
type MemCache struct {
	opts             Opts
	closed           uint32
	closeCleanerChan chan struct{}
	m                *concurrent_map.ShardedMap[*elem]
}

var (
	_ cache.Backend = (*MemCache)(nil)
	_ cache.Dumper  = (*MemCache)(nil)
)

type elem struct {
	key       cache.Key
	packet    []byte
	expiresAt time.Time
}

func NewMemCache(opts Opts) *MemCache {
	opts.init()
	c := &MemCache{
		opts:             opts,
		closeCleanerChan: make(chan struct{}),
		m:                concurrent_map.NewShardedMap[*elem](shardSize),
	}
	if opts.CleanerInterval > 0 {
		go c.startCleaner(opts.CleanerInterval)
	}
	return c
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

// Close stops the cleaner. Stored entries are kept so that they can
// still be dumped.
func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MemCache) Lookup(key cache.Key) ([]byte, bool) {
	e, ok := c.m.Get(key.String())
	if !ok || !e.expiresAt.After(c.opts.Now()) {
		return nil, false
	}
	// Entries are replaced, never modified, so the copy can be made
	// outside the shard lock.
	return append([]byte(nil), e.packet...), true
}

func (c *MemCache) Insert(key cache.Key, packet []byte, ttl uint32) {
	if c.isClosed() {
		return
	}
	k := key.String()
	if ttl == 0 {
		// Already expired. Drop whatever was there.
		c.m.Del(k)
		return
	}
	c.m.Set(k, &elem{
		key:       key,
		packet:    append([]byte(nil), packet...),
		expiresAt: c.opts.Now().Add(time.Duration(ttl) * time.Second),
	})
}

func (c *MemCache) Sweep() int {
	now := c.opts.Now()
	return c.m.Clean(func(_ string, e *elem) bool {
		return !e.expiresAt.After(now)
	})
}

func (c *MemCache) Len() int {
	return c.m.Len()
}

func (c *MemCache) Range(f func(e cache.Entry) bool) {
	c.m.Range(func(_ string, e *elem) bool {
		return f(cache.Entry{Key: e.key, Packet: e.packet, ExpiresAt: e.expiresAt})
	})
}

func (c *MemCache) Restore(e cache.Entry) {
	c.m.Set(e.Key.String(), &elem{
		key:       e.Key,
		packet:    append([]byte(nil), e.Packet...),
		expiresAt: e.ExpiresAt,
	})
}

func (c *MemCache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			start := time.Now()
			removed := c.Sweep()
			c.opts.Logger.Debug(
				"cache cleaner finished",
				zap.Int("removed", removed),
				zap.Int("remain", c.Len()),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
	}
}
