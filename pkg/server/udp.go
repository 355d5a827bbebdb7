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
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pmkol/mosdns-lite/pkg/pool"
	"github.com/pmkol/mosdns-lite/pkg/utils"
)

// ServeUDP reads queries from c and handles each one in its own
// goroutine until the server is closed. c is closed when ServeUDP
// returns.
func (s *Server) ServeUDP(c net.PacketConn) error {
	handler := s.opts.DNSHandler
	if handler == nil {
		c.Close()
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(c, true); !ok {
		c.Close()
		return ErrServerClosed
	}
	// Release the socket before Close() is allowed to return.
	defer func() {
		c.Close()
		s.trackCloser(c, false)
	}()

	var sem *semaphore.Weighted
	if n := s.opts.MaxConcurrent; n > 0 {
		sem = semaphore.NewWeighted(int64(n))
	}

	readSize := s.opts.ReadSize
	for {
		if s.Closed() {
			return ErrServerClosed
		}

		if err := c.SetReadDeadline(time.Now().Add(s.opts.PollInterval)); err != nil {
			return fmt.Errorf("failed to set read deadline, %w", err)
		}
		readBuf := pool.GetBuf(readSize)
		rb := readBuf.Bytes()[:readSize]
		n, remoteAddr, err := c.ReadFrom(rb)
		if err != nil {
			readBuf.Release()
			if utils.IsTimeout(err) {
				continue
			}
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected read err: %w", err)
		}

		if sem != nil && !sem.TryAcquire(1) {
			readBuf.Release()
			s.opts.Logger.Warn("too many in-flight queries, query dropped", zap.Stringer("from", remoteAddr))
			continue
		}

		clientAddr := utils.GetAddrFromAddr(remoteAddr)
		s.inflight.Inc()

		// handle query
		go func() {
			defer func() {
				readBuf.Release()
				s.inflight.Dec()
				if sem != nil {
					sem.Release(1)
				}
			}()

			r, err := handler.ServeDNS(context.Background(), rb[:n], clientAddr)
			if err != nil {
				s.opts.Logger.Warn("query dropped", zap.Stringer("from", remoteAddr), zap.Error(err))
				return
			}
			if len(r) == 0 {
				return
			}
			if _, err := c.WriteTo(r, remoteAddr); err != nil {
				s.opts.Logger.Warn("failed to write response", zap.Stringer("client", remoteAddr), zap.Error(err))
			}
		}()
	}
}
