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

package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// Buffer pools for sizes 1 << 0 to 1 << 16.
const (
	maxBufSizeBits = 16

	// MaxBufSize is the largest size GetBuf accepts.
	MaxBufSize = 1 << maxBufSizeBits
)

var bufPools [maxBufSizeBits + 1]sync.Pool

func init() {
	for i := range bufPools {
		size := 1 << i
		bufPools[i].New = func() any {
			return &Buffer{b: make([]byte, size), p: &bufPools[i]}
		}
	}
}

// Buffer is a pooled byte slice. Release it after use.
type Buffer struct {
	b []byte
	p *sync.Pool
}

// Bytes returns the whole underlying slice, its len is at least the
// size passed to GetBuf.
func (b *Buffer) Bytes() []byte {
	return b.b
}

func (b *Buffer) Release() {
	b.p.Put(b)
}

// GetBuf returns a *Buffer with len(Bytes()) >= size.
// size must be in (0, 65536].
func GetBuf(size int) *Buffer {
	if size <= 0 || size > MaxBufSize {
		panic(fmt.Sprintf("invalid buf size %d", size))
	}
	i := bits.Len(uint(size - 1))
	return bufPools[i].Get().(*Buffer)
}
