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

package cache

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pmkol/mosdns-lite/pkg/dnsutils"
)

// Key identifies a cache entry by owner name and record type.
type Key struct {
	Name dnsutils.Name
	Type uint16
}

// String returns a compact, lossless form of k, usable as a map key.
// Labels are length prefixed the same way as the wire format.
func (k Key) String() string {
	size := 2
	for _, l := range k.Name {
		size += 1 + len(l)
	}
	b := make([]byte, 2, size)
	binary.BigEndian.PutUint16(b, k.Type)
	for _, l := range k.Name {
		b = append(b, byte(len(l)))
		b = append(b, l...)
	}
	return string(b)
}

// Entry is a raw upstream response and the time it stops being valid.
type Entry struct {
	Key       Key
	Packet    []byte
	ExpiresAt time.Time
}

// Valid reports whether e can be served at now.
func (e *Entry) Valid(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

type Backend interface {
	// Lookup returns a copy of the cached packet if it has not expired.
	Lookup(key Key) (packet []byte, ok bool)

	// Insert stores packet under key for ttl seconds, replacing any
	// existing entry. packet is copied.
	Insert(key Key, packet []byte, ttl uint32)

	// Sweep removes expired entries and returns how many were removed.
	Sweep() int

	Len() int

	io.Closer
}

// Dumper is a Backend that can be saved to and restored from a snapshot.
type Dumper interface {
	// Range calls f for every stored entry, expired or not.
	// Range stops if f returns false. e.Packet must not be modified.
	Range(f func(e Entry) bool)

	// Restore adds e as is, keeping its ExpiresAt.
	Restore(e Entry)
}
