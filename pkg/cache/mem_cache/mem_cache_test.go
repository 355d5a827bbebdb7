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
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/mosdns-lite/pkg/cache"
	"github.com/pmkol/mosdns-lite/pkg/dnsutils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func key(name string, typ uint16) cache.Key {
	return cache.Key{Name: dnsutils.Name{name, "com"}, Type: typ}
}

func Test_memCache(t *testing.T) {
	clk := newClock()
	c := NewMemCache(Opts{CleanerInterval: -1, Now: clk.Now})
	defer c.Close()

	for i := 0; i < 128; i++ {
		k := key(strconv.Itoa(i), 1)
		c.Insert(k, []byte{byte(i)}, 60)
		v, ok := c.Lookup(k)
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, v)
	}
	assert.Equal(t, 128, c.Len())

	_, ok := c.Lookup(key("0", 28))
	assert.False(t, ok, "type is part of the key")
	_, ok = c.Lookup(cache.Key{Name: dnsutils.Name{"0", "COM"}, Type: 1})
	assert.False(t, ok, "names are compared as-is")
}

func Test_memCache_copies(t *testing.T) {
	c := NewMemCache(Opts{CleanerInterval: -1})
	defer c.Close()

	p := []byte{1, 2, 3}
	k := key("a", 1)
	c.Insert(k, p, 60)
	p[0] = 9

	v, _ := c.Lookup(k)
	assert.Equal(t, []byte{1, 2, 3}, v)
	v[1] = 9
	v, _ = c.Lookup(k)
	assert.Equal(t, []byte{1, 2, 3}, v)
}

func Test_memCache_ttl(t *testing.T) {
	clk := newClock()
	c := NewMemCache(Opts{CleanerInterval: -1, Now: clk.Now})
	defer c.Close()

	short, long := key("short", 1), key("long", 1)
	c.Insert(short, []byte("s"), 1)
	c.Insert(long, []byte("l"), 300)

	_, ok := c.Lookup(short)
	assert.True(t, ok)

	clk.Add(time.Second)
	_, ok = c.Lookup(short)
	assert.False(t, ok, "expires at exactly now+ttl")
	_, ok = c.Lookup(long)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len(), "lookup does not remove")

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	// Overwrite refreshes the expiry.
	clk.Add(299 * time.Second)
	c.Insert(long, []byte("l2"), 10)
	clk.Add(5 * time.Second)
	v, ok := c.Lookup(long)
	assert.True(t, ok)
	assert.Equal(t, []byte("l2"), v)

	c.Insert(long, []byte("l3"), 0)
	_, ok = c.Lookup(long)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func Test_memCache_cleaner(t *testing.T) {
	clk := newClock()
	c := NewMemCache(Opts{CleanerInterval: 10 * time.Millisecond, Now: clk.Now})
	defer c.Close()

	for i := 0; i < 64; i++ {
		c.Insert(key(strconv.Itoa(i), 1), []byte{}, 1)
	}
	clk.Add(2 * time.Second)

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func Test_memCache_closed(t *testing.T) {
	c := NewMemCache(Opts{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	c.Insert(key("a", 1), []byte{1}, 60)
	assert.Equal(t, 0, c.Len())
}

func Test_memCache_race(t *testing.T) {
	c := NewMemCache(Opts{CleanerInterval: time.Millisecond})
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				k := key(strconv.Itoa(i), 1)
				c.Insert(k, []byte{byte(i)}, 60)
				c.Lookup(k)
				c.Sweep()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 256, c.Len())
}

func Test_memCache_snapshot(t *testing.T) {
	clk := newClock()
	c := NewMemCache(Opts{CleanerInterval: -1, Now: clk.Now})
	defer c.Close()

	c.Insert(key("a", 1), []byte("aaa"), 60)
	c.Insert(key("b", 28), []byte("bbb"), 120)
	c.Insert(cache.Key{Type: 41}, []byte("root"), 30)
	c.Insert(key("gone", 1), []byte("x"), 1)
	clk.Add(time.Second) // "gone" is expired but not swept

	p := filepath.Join(t.TempDir(), "dns_cache.dump")
	n, err := cache.SaveSnapshot(p, c)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	c2 := NewMemCache(Opts{CleanerInterval: -1, Now: clk.Now})
	defer c2.Close()
	n, err = cache.LoadSnapshot(p, c2, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, c2.Len())

	cases := []struct {
		k    cache.Key
		want string
	}{
		{key("a", 1), "aaa"},
		{key("b", 28), "bbb"},
		{cache.Key{Type: 41}, "root"},
	}
	for _, tc := range cases {
		v, ok := c2.Lookup(tc.k)
		require.True(t, ok, tc.k.Name.String())
		assert.Equal(t, tc.want, string(v))
	}
	_, ok := c2.Lookup(key("gone", 1))
	assert.False(t, ok)

	// Expiry times survive the round trip.
	clk.Add(59 * time.Second)
	_, ok = c2.Lookup(key("a", 1))
	assert.True(t, ok)
	clk.Add(time.Second)
	_, ok = c2.Lookup(key("a", 1))
	assert.False(t, ok)
}

func Test_memCache_snapshotMissingOrBad(t *testing.T) {
	c := NewMemCache(Opts{CleanerInterval: -1})
	defer c.Close()

	dir := t.TempDir()
	n, err := cache.LoadSnapshot(filepath.Join(dir, "missing"), c, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("not a snapshot"), 0o644))
	_, err = cache.LoadSnapshot(bad, c, time.Now())
	require.ErrorIs(t, err, cache.ErrBadSnapshot)
}

func Test_memCache_snapshotTruncated(t *testing.T) {
	c := NewMemCache(Opts{CleanerInterval: -1})
	defer c.Close()
	c.Insert(key("a", 1), bytes.Repeat([]byte{7}, 300), 60)

	buf := new(bytes.Buffer)
	_, err := cache.WriteSnapshot(buf, c)
	require.NoError(t, err)

	b := buf.Bytes()
	_, err = cache.ReadSnapshot(bytes.NewReader(b[:len(b)-4]), NewMemCache(Opts{CleanerInterval: -1}), time.Now())
	require.Error(t, err)
}
