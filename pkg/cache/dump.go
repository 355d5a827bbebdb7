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
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/pmkol/mosdns-lite/pkg/dnsutils"
)

const (
	dumpVersion   = 1
	maxRecordSize = 1 << 20
)

var dumpMagic = []byte("MLDC")

var ErrBadSnapshot = errors.New("bad cache snapshot")

const (
	fieldLabel  protowire.Number = 1
	fieldType   protowire.Number = 2
	fieldPacket protowire.Number = 3
	fieldExpire protowire.Number = 4
)

// SaveSnapshot writes every entry of d to path. The file is written
// to a temp file first and renamed, so a failed save keeps the old one.
func SaveSnapshot(path string, d Dumper) (n int, err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file, %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	n, err = WriteSnapshot(f, d)
	if err != nil {
		f.Close()
		return 0, err
	}
	if err = f.Close(); err != nil {
		return 0, err
	}
	if err = os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("failed to replace snapshot, %w", err)
	}
	return n, nil
}

// LoadSnapshot restores entries from path into d, skipping entries that
// expired before now. A missing file is not an error.
func LoadSnapshot(path string, d Dumper, now time.Time) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	return ReadSnapshot(f, d, now)
}

// WriteSnapshot encodes all entries of d to w.
func WriteSnapshot(w io.Writer, d Dumper) (int, error) {
	sw := snappy.NewBufferedWriter(w)
	h := make([]byte, 0, len(dumpMagic)+1)
	h = append(h, dumpMagic...)
	if _, err := sw.Write(append(h, dumpVersion)); err != nil {
		return 0, err
	}

	// Collect first so that no lock held by d.Range is held during I/O.
	var entries []Entry
	d.Range(func(e Entry) bool {
		entries = append(entries, e)
		return true
	})

	var buf, rec []byte
	for i := range entries {
		rec = appendEntry(rec[:0], &entries[i])
		buf = protowire.AppendBytes(buf[:0], rec)
		if _, err := sw.Write(buf); err != nil {
			return 0, err
		}
	}
	if err := sw.Close(); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// ReadSnapshot decodes entries from r into d. Entries with
// ExpiresAt <= now are dropped.
func ReadSnapshot(r io.Reader, d Dumper, now time.Time) (int, error) {
	br := bufio.NewReader(snappy.NewReader(r))

	h := make([]byte, len(dumpMagic)+1)
	if _, err := io.ReadFull(br, h); err != nil {
		return 0, fmt.Errorf("%w: read header, %v", ErrBadSnapshot, err)
	}
	if !bytes.Equal(h[:len(dumpMagic)], dumpMagic) {
		return 0, fmt.Errorf("%w: invalid magic", ErrBadSnapshot)
	}
	if v := h[len(dumpMagic)]; v != dumpVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, v)
	}

	n := 0
	var rec []byte
	for {
		l, err := binary.ReadUvarint(br)
		if err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		if l > maxRecordSize {
			return n, fmt.Errorf("%w: record too large (%d)", ErrBadSnapshot, l)
		}
		if cap(rec) < int(l) {
			rec = make([]byte, l)
		}
		rec = rec[:l]
		if _, err := io.ReadFull(br, rec); err != nil {
			return n, fmt.Errorf("%w: truncated record, %v", ErrBadSnapshot, err)
		}
		e, err := consumeEntry(rec)
		if err != nil {
			return n, err
		}
		if !e.Valid(now) {
			continue
		}
		d.Restore(e)
		n++
	}
}

func appendEntry(b []byte, e *Entry) []byte {
	for _, l := range e.Key.Name {
		b = protowire.AppendTag(b, fieldLabel, protowire.BytesType)
		b = protowire.AppendString(b, l)
	}
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Key.Type))
	b = protowire.AppendTag(b, fieldPacket, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Packet)
	b = protowire.AppendTag(b, fieldExpire, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ExpiresAt.UnixNano()))
	return b
}

func consumeEntry(b []byte) (Entry, error) {
	var (
		e      Entry
		labels dnsutils.Name
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, fmt.Errorf("%w: %v", ErrBadSnapshot, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldLabel && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %v", ErrBadSnapshot, protowire.ParseError(n))
			}
			labels = append(labels, v)
			b = b[n:]
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %v", ErrBadSnapshot, protowire.ParseError(n))
			}
			e.Key.Type = uint16(v)
			b = b[n:]
		case num == fieldPacket && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %v", ErrBadSnapshot, protowire.ParseError(n))
			}
			e.Packet = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldExpire && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %v", ErrBadSnapshot, protowire.ParseError(n))
			}
			e.ExpiresAt = time.Unix(0, int64(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %v", ErrBadSnapshot, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	e.Key.Name = labels
	return e, nil
}
