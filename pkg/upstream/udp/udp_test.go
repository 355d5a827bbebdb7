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

package udp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/mosdns-lite/pkg/upstream"
	"github.com/pmkol/mosdns-lite/pkg/utils"
)

// startUpstream answers every query with an A record, or stays silent
// if silent is true.
func startUpstream(t *testing.T, silent bool) string {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	go func() {
		b := make([]byte, 512)
		for {
			n, from, err := c.ReadFrom(b)
			if err != nil {
				return
			}
			if silent {
				continue
			}
			q := new(dns.Msg)
			if err := q.Unpack(b[:n]); err != nil {
				continue
			}
			r := new(dns.Msg)
			r.SetReply(q)
			r.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(192, 0, 2, 1),
			}}
			out, _ := r.Pack()
			c.WriteTo(out, from)
		}
	}()
	return c.LocalAddr().String()
}

func TestUpstream_Forward(t *testing.T) {
	u := NewUDPUpstream(Opts{Addr: startUpstream(t, false), Timeout: time.Second})

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 0x4242
	b, err := q.Pack()
	require.NoError(t, err)

	raw, err := u.Forward(context.Background(), b)
	require.NoError(t, err)

	r := new(dns.Msg)
	require.NoError(t, r.Unpack(raw))
	assert.Equal(t, uint16(0x4242), r.Id)
	assert.Len(t, r.Answer, 1)
}

func TestUpstream_timeout(t *testing.T) {
	u := NewUDPUpstream(Opts{Addr: startUpstream(t, true), Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := u.Forward(context.Background(), []byte{0, 1, 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream.ErrUpstreamUnavailable))
	assert.True(t, utils.IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestUpstream_canceled(t *testing.T) {
	u := NewUDPUpstream(Opts{Addr: startUpstream(t, true), Timeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err := u.Forward(ctx, []byte{0, 1, 2})
	require.ErrorIs(t, err, upstream.ErrUpstreamUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestUpstream_dialErr(t *testing.T) {
	u := NewUDPUpstream(Opts{
		Addr: "192.0.2.1",
		DialFunc: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("no route")
		},
	})
	assert.Equal(t, "192.0.2.1:53", u.Address())
	_, err := u.Forward(context.Background(), []byte{0})
	require.ErrorIs(t, err, upstream.ErrUpstreamUnavailable)
}

func TestNewUDPUpstream_defaults(t *testing.T) {
	u := NewUDPUpstream(Opts{})
	assert.Equal(t, DefaultAddr, u.Address())
	assert.Equal(t, DefaultTimeout, u.timeout)
}
