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

package server

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/mosdns-lite/pkg/cache/mem_cache"
	"github.com/pmkol/mosdns-lite/pkg/pool"
	"github.com/pmkol/mosdns-lite/pkg/server/dns_handler"
	"github.com/pmkol/mosdns-lite/pkg/upstream/udp"
	"github.com/pmkol/mosdns-lite/pkg/utils"
)

type handlerFunc func(ctx context.Context, req []byte, from netip.Addr) ([]byte, error)

func (f handlerFunc) ServeDNS(ctx context.Context, req []byte, from netip.Addr) ([]byte, error) {
	return f(ctx, req, from)
}

func startServer(t *testing.T, opts ServerOpts) (*Server, string, <-chan error) {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	s := NewServer(opts)
	errC := make(chan error, 1)
	go func() { errC <- s.ServeUDP(c) }()
	t.Cleanup(s.Close)
	return s, c.LocalAddr().String(), errC
}

// startFakeUpstream replies with one A record and counts queries.
func startFakeUpstream(t *testing.T, n *int32) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	go func() {
		b := make([]byte, 4096)
		for {
			l, from, err := pc.ReadFrom(b)
			if err != nil {
				return
			}
			atomic.AddInt32(n, 1)
			q := new(dns.Msg)
			if q.Unpack(b[:l]) != nil {
				continue
			}
			r := new(dns.Msg)
			r.SetReply(q)
			a, _ := dns.NewRR(q.Question[0].Name + " 60 IN A 192.0.2.1")
			r.Answer = append(r.Answer, a)
			out, _ := r.Pack()
			pc.WriteTo(out, from)
		}
	}()
	return pc.LocalAddr().String()
}

func exchange(t *testing.T, addr string, name string, qtype uint16) (*dns.Msg, error) {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	c := &dns.Client{Net: "udp", Timeout: 500 * time.Millisecond}
	r, _, err := c.Exchange(q, addr)
	return r, err
}

func TestServer_UDP(t *testing.T) {
	var upstreamQueries int32
	mc := mem_cache.NewMemCache(mem_cache.Opts{CleanerInterval: -1})
	defer mc.Close()
	h, err := dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Cache:    mc,
		Upstream: udp.NewUDPUpstream(udp.Opts{Addr: startFakeUpstream(t, &upstreamQueries), Timeout: time.Second}),
	})
	require.NoError(t, err)
	_, addr, _ := startServer(t, ServerOpts{DNSHandler: h})

	for i := 0; i < 3; i++ {
		r, err := exchange(t, addr, "example.com.", dns.TypeA)
		require.NoError(t, err)
		require.Len(t, r.Answer, 1)
		assert.Equal(t, "192.0.2.1", r.Answer[0].(*dns.A).A.String())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&upstreamQueries))
}

func TestServer_dropsSilently(t *testing.T) {
	h := handlerFunc(func(context.Context, []byte, netip.Addr) ([]byte, error) {
		return nil, errors.New("drop")
	})
	_, addr, _ := startServer(t, ServerOpts{DNSHandler: h})

	c, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte{0x12, 0x34, 0x01})
	require.NoError(t, err)

	c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = c.Read(make([]byte, 512))
	require.Error(t, err)
	assert.True(t, utils.IsTimeout(err))
}

func TestServer_slowHandlerDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := handlerFunc(func(_ context.Context, req []byte, _ netip.Addr) ([]byte, error) {
		m := new(dns.Msg)
		if err := m.Unpack(req); err != nil {
			return nil, err
		}
		if m.Question[0].Name == "slow." {
			<-block
		}
		r := new(dns.Msg)
		r.SetReply(m)
		return r.Pack()
	})
	_, addr, _ := startServer(t, ServerOpts{DNSHandler: h})

	go func() {
		q := new(dns.Msg)
		q.SetQuestion("slow.", dns.TypeA)
		(&dns.Client{Timeout: 500 * time.Millisecond}).Exchange(q, addr)
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := exchange(t, addr, "fast.", dns.TypeA)
	require.NoError(t, err)
}

func TestServer_maxConcurrent(t *testing.T) {
	block := make(chan struct{})
	var calls int32
	h := handlerFunc(func(context.Context, []byte, netip.Addr) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-block
		return nil, errors.New("drop")
	})
	_, addr, _ := startServer(t, ServerOpts{DNSHandler: h, MaxConcurrent: 1})

	c, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer c.Close()
	for i := 0; i < 3; i++ {
		c.Write([]byte{0, byte(i)})
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	close(block)
}

func TestServer_Close(t *testing.T) {
	h := handlerFunc(func(context.Context, []byte, netip.Addr) ([]byte, error) { return nil, nil })
	s, addr, errC := startServer(t, ServerOpts{DNSHandler: h, PollInterval: 50 * time.Millisecond})

	start := time.Now()
	s.Close()
	assert.True(t, s.Closed())
	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("serve loop did not exit")
	}
	assert.Less(t, time.Since(start), time.Second)

	// The socket has been released.
	c, err := net.ListenPacket("udp", addr)
	require.NoError(t, err)
	c.Close()

	// A closed server refuses new sockets.
	c, err = net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.ServeUDP(c), ErrServerClosed)
}

func TestServer_missingHandler(t *testing.T) {
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, NewServer(ServerOpts{}).ServeUDP(c), errMissingDNSHandler)
	_, err = c.WriteTo([]byte{0}, c.LocalAddr())
	assert.ErrorIs(t, err, net.ErrClosed, "socket is released")

	c, err = net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(ServerOpts{DNSHandler: handlerFunc(nil)})
	s.Close()
	assert.ErrorIs(t, s.ServeUDP(c), ErrServerClosed)
	_, err = c.WriteTo([]byte{0}, c.LocalAddr())
	assert.ErrorIs(t, err, net.ErrClosed, "socket is released")
}

func TestServerOpts_readSize(t *testing.T) {
	assert.Equal(t, defaultReadSize, NewServer(ServerOpts{}).opts.ReadSize)
	assert.Equal(t, pool.MaxBufSize, NewServer(ServerOpts{ReadSize: 100000}).opts.ReadSize)
	assert.Equal(t, 4096, NewServer(ServerOpts{ReadSize: 4096}).opts.ReadSize)
}
