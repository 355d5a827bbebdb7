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
	"errors"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/mosdns-lite/pkg/pool"
	D "github.com/pmkol/mosdns-lite/pkg/server/dns_handler"
)

var (
	ErrServerClosed      = errors.New("server closed")
	errMissingDNSHandler = errors.New("missing dns handler")
)

var nopLogger = zap.NewNop()

const (
	defaultPollInterval = time.Second
	defaultReadSize     = 512
)

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// DNSHandler is the dns handler required by UDP server.
	DNSHandler D.Handler

	// PollInterval bounds one socket read, so a closed server notices it
	// at the next poll boundary. Default is 1s.
	PollInterval time.Duration

	// ReadSize is the max size of an inbound query. Default is 512,
	// values above pool.MaxBufSize are clamped.
	ReadSize int

	// MaxConcurrent limits in-flight handlers. Zero means unlimited.
	MaxConcurrent int

	// MetricsReg is optional.
	MetricsReg prometheus.Registerer
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaultReadSize
	}
	if opts.ReadSize > pool.MaxBufSize {
		opts.ReadSize = pool.MaxBufSize
	}
}

type Server struct {
	opts ServerOpts

	inflight prometheus.Gauge

	m             sync.Mutex
	closed        bool
	closerTracker map[io.Closer]struct{}
	wg            sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	s := &Server{
		opts: opts,
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inflight_queries",
			Help: "The number of queries being handled",
		}),
	}
	if reg := opts.MetricsReg; reg != nil {
		if err := reg.Register(s.inflight); err != nil {
			opts.Logger.Warn("failed to register server metrics", zap.Error(err))
		}
	}
	return s
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackCloser adds or removes c to the Server and return true if Server is not closed.
func (s *Server) trackCloser(c io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}

	if add {
		if s.closed {
			return false
		}
		s.closerTracker[c] = struct{}{}
		s.wg.Add(1)
	} else {
		if _, ok := s.closerTracker[c]; ok {
			delete(s.closerTracker, c)
			s.wg.Done()
		}
	}
	return true
}

// Close marks the Server closed and waits until every serve loop has
// returned. Loops exit at their next poll boundary and release their
// sockets. Handlers already dispatched are not waited for.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true
	s.m.Unlock()

	s.wg.Wait()
}
