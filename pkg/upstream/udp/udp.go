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
	"fmt"
	"net"
	"time"

	"github.com/pmkol/mosdns-lite/pkg/pool"
	"github.com/pmkol/mosdns-lite/pkg/upstream"
)

const (
	DefaultAddr    = "8.8.8.8:53"
	DefaultTimeout = 3 * time.Second

	// Replies larger than 512 bytes are possible when the client sent
	// an EDNS0 OPT, which is forwarded untouched.
	readBufSize = 4096
)

type Opts struct {
	// Addr is "host:port". A missing port defaults to 53.
	Addr string

	// Timeout bounds one whole exchange. Default is DefaultTimeout.
	Timeout time.Duration

	// DialFunc is optional, for tests.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Upstream sends each query on a fresh UDP socket and waits for a single
// reply datagram. The socket is closed right after.
type Upstream struct {
	addr     string
	timeout  time.Duration
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ upstream.Upstream = (*Upstream)(nil)

func NewUDPUpstream(opts Opts) *Upstream {
	addr := opts.Addr
	if len(addr) == 0 {
		addr = DefaultAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialFunc := opts.DialFunc
	if dialFunc == nil {
		d := new(net.Dialer)
		dialFunc = d.DialContext
	}
	return &Upstream{addr: addr, timeout: timeout, dialFunc: dialFunc}
}

func (u *Upstream) Address() string {
	return u.addr
}

// Forward sends q verbatim and returns the first datagram received.
// All errors wrap upstream.ErrUpstreamUnavailable.
func (u *Upstream) Forward(ctx context.Context, q []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	c, err := u.dialFunc(ctx, "udp", u.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s, %w", upstream.ErrUpstreamUnavailable, u.addr, err)
	}
	defer c.Close()

	ddl, _ := ctx.Deadline()
	c.SetDeadline(ddl)

	// Unblock the read if ctx is canceled before the deadline.
	stop := context.AfterFunc(ctx, func() {
		c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := c.Write(q); err != nil {
		return nil, fmt.Errorf("%w: write, %w", upstream.ErrUpstreamUnavailable, err)
	}

	buf := pool.GetBuf(readBufSize)
	defer buf.Release()
	b := buf.Bytes()
	n, err := c.Read(b)
	if err != nil {
		return nil, fmt.Errorf("%w: read, %w", upstream.ErrUpstreamUnavailable, err)
	}
	return append([]byte(nil), b[:n]...), nil
}
