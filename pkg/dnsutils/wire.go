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

package dnsutils

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize = 12
	rrFixedLen = 10 // TYPE(2) + CLASS(2) + TTL(4) + RDLEN(2)

	// Max pointer jumps while reading one name. A message of 64KiB
	// can not carry more useful pointers than that without looping.
	maxPointerJumps = 126
)

// ErrMalformedMessage is returned when a buffer is shorter than the
// header or a field runs past the end of the buffer.
var ErrMalformedMessage = errors.New("malformed dns message")

// Name is a domain name as its label sequence. Labels are kept as-is,
// no case folding is done.
type Name []string

// Equal reports whether n and o have identical labels.
func (n Name) Equal(o Name) bool {
	if len(n) != len(o) {
		return false
	}
	for i := range n {
		if n[i] != o[i] {
			return false
		}
	}
	return true
}

// String returns n in presentation format with a trailing dot.
func (n Name) String() string {
	if len(n) == 0 {
		return "."
	}
	size := 0
	for _, l := range n {
		size += len(l) + 1
	}
	b := make([]byte, 0, size)
	for _, l := range n {
		b = append(b, l...)
		b = append(b, '.')
	}
	return string(b)
}

// Record is the part of a resource record needed for caching.
type Record struct {
	Name Name
	Type uint16
	TTL  uint32
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// ParseName reads a name starting at off. Compression pointers are
// followed. The returned offset is the first byte after the name at its
// original position, so a pointer only advances it by 2.
func ParseName(msg []byte, off int) (Name, int, error) {
	var labels Name
	next := -1 // offset after the name at the outer position
	jumps := 0
	for {
		if off >= len(msg) {
			return nil, 0, malformed("name runs past end at offset %d", off)
		}
		l := int(msg[off])
		switch l & 0xC0 {
		case 0x00:
			if l == 0 {
				off++
				if next < 0 {
					next = off
				}
				return labels, next, nil
			}
			if off+1+l > len(msg) {
				return nil, 0, malformed("label runs past end at offset %d", off)
			}
			labels = append(labels, string(msg[off+1:off+1+l]))
			off += 1 + l
		case 0xC0:
			if off+2 > len(msg) {
				return nil, 0, malformed("pointer runs past end at offset %d", off)
			}
			if next < 0 {
				next = off + 2
			}
			jumps++
			if jumps > maxPointerJumps {
				return nil, 0, malformed("too many compression pointers")
			}
			off = int(binary.BigEndian.Uint16(msg[off:off+2]) & 0x3FFF)
		default:
			return nil, 0, malformed("unknown label type 0x%02x at offset %d", l, off)
		}
	}
}

// ParseQuery returns the name and type of the first question of msg.
func ParseQuery(msg []byte) (Name, uint16, error) {
	if len(msg) < headerSize {
		return nil, 0, malformed("message too short: %d bytes", len(msg))
	}
	name, off, err := ParseName(msg, headerSize)
	if err != nil {
		return nil, 0, err
	}
	if off+4 > len(msg) {
		return nil, 0, malformed("question runs past end")
	}
	return name, binary.BigEndian.Uint16(msg[off : off+2]), nil
}

// ExtractRecords walks all answer, authority and additional records of
// msg and returns them in message order. Rdata is skipped, not decoded.
func ExtractRecords(msg []byte) ([]Record, error) {
	if len(msg) < headerSize {
		return nil, malformed("message too short: %d bytes", len(msg))
	}
	qd := int(binary.BigEndian.Uint16(msg[4:6]))
	total := int(binary.BigEndian.Uint16(msg[6:8])) +
		int(binary.BigEndian.Uint16(msg[8:10])) +
		int(binary.BigEndian.Uint16(msg[10:12]))

	off := headerSize
	var err error
	for i := 0; i < qd; i++ {
		if _, off, err = ParseName(msg, off); err != nil {
			return nil, err
		}
		off += 4
		if off > len(msg) {
			return nil, malformed("question %d runs past end", i)
		}
	}

	rs := make([]Record, 0, total)
	for i := 0; i < total; i++ {
		var name Name
		if name, off, err = ParseName(msg, off); err != nil {
			return nil, err
		}
		if off+rrFixedLen > len(msg) {
			return nil, malformed("record %d header runs past end", i)
		}
		r := Record{
			Name: name,
			Type: binary.BigEndian.Uint16(msg[off : off+2]),
			TTL:  binary.BigEndian.Uint32(msg[off+4 : off+8]),
		}
		rdLen := int(binary.BigEndian.Uint16(msg[off+8 : off+10]))
		off += rrFixedLen + rdLen
		if off > len(msg) {
			return nil, malformed("record %d rdata runs past end", i)
		}
		rs = append(rs, r)
	}
	return rs, nil
}

// MsgID returns the transaction id of msg. msg must be at least 2 bytes.
func MsgID(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[:2])
}

// SetMsgID overwrites the transaction id of msg.
func SetMsgID(msg []byte, id uint16) {
	binary.BigEndian.PutUint16(msg[:2], id)
}
