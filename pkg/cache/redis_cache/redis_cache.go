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

package redis_cache

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/mosdns-lite/pkg/cache"
	"github.com/pmkol/mosdns-lite/pkg/utils"
)

var nopLogger = zap.NewNop()

const keyPrefix = "mosdns-lite:"

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Now is the clock. Default is time.Now.
	Now func() time.Time
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return nil
}

// RedisCache is a cache.Backend stored in redis. Redis expires keys by
// itself, so Sweep does nothing.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32
}

var _ cache.Backend = (*RedisCache)(nil)

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts: opts,
	}, nil
}

// NewRedisCacheFromURL dials the redis server at url, e.g.
// "redis://127.0.0.1:6379/0".
func NewRedisCacheFromURL(url string, timeout time.Duration, logger *zap.Logger) (*RedisCache, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(ro)
	return NewRedisCache(RedisCacheOpts{
		Client:        c,
		ClientCloser:  c,
		ClientTimeout: timeout,
		Logger:        logger,
	})
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

func redisKey(k cache.Key) string {
	return keyPrefix + k.String()
}

func (r *RedisCache) Lookup(key cache.Key) ([]byte, bool) {
	if r.disabled() {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.opts.Logger.Warn("redis get", zap.Error(err))
			r.disableClient()
		}
		return nil, false
	}

	expiresAt, packet, err := unpackRedisValue(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.Error(err))
		return nil, false
	}
	// Redis ttl has a 1ms resolution, check again.
	if !expiresAt.After(r.opts.Now()) {
		return nil, false
	}
	return packet, true
}

func (r *RedisCache) Insert(key cache.Key, packet []byte, ttl uint32) {
	if r.disabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()

	k := redisKey(key)
	if ttl == 0 {
		if err := r.opts.Client.Del(ctx, k).Err(); err != nil {
			r.opts.Logger.Warn("redis del", zap.Error(err))
			r.disableClient()
		}
		return
	}

	d := time.Duration(ttl) * time.Second
	data := packRedisValue(r.opts.Now().Add(d), packet)
	if err := r.opts.Client.Set(ctx, k, data, d).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
	}
}

func (r *RedisCache) Sweep() int {
	return 0
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

// Len returns the size of the redis db, which may hold other keys.
func (r *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	i, err := r.opts.Client.DBSize(ctx).Result()
	if err != nil {
		r.opts.Logger.Error("dbsize", zap.Error(err))
		return 0
	}
	return int(i)
}

// packRedisValue packs expiresAt and packet into one byte slice.
func packRedisValue(expiresAt time.Time, packet []byte) []byte {
	b := make([]byte, 8+len(packet))
	binary.BigEndian.PutUint64(b[:8], uint64(expiresAt.UnixNano()))
	copy(b[8:], packet)
	return b
}

func unpackRedisValue(b []byte) (expiresAt time.Time, packet []byte, err error) {
	if len(b) < 8 {
		return time.Time{}, nil, errors.New("b is too short")
	}
	expiresAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[:8])))
	return expiresAt, b[8:], nil
}
