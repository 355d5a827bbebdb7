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

package dns_handler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/mosdns-lite/pkg/cache"
	"github.com/pmkol/mosdns-lite/pkg/dnsutils"
	"github.com/pmkol/mosdns-lite/pkg/upstream"
)

var nopLogger = zap.NewNop()

// Handler turns a raw query into a raw response. A nil response with a
// non-nil error means nothing should be sent back.
type Handler interface {
	ServeDNS(ctx context.Context, req []byte, from netip.Addr) ([]byte, error)
}

type EntryHandlerOpts struct {
	// Logger is optional.
	Logger *zap.Logger

	// Cache and Upstream cannot be nil.
	Cache    cache.Backend
	Upstream upstream.Upstream

	// MetricsReg is optional. Handler counters are registered to it.
	MetricsReg prometheus.Registerer
}

func (opts *EntryHandlerOpts) init() error {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	if opts.Upstream == nil {
		return errors.New("nil upstream")
	}
	return nil
}

// EntryHandler answers from the cache, or forwards the query upstream
// and caches the reply once per resource record it carries.
type EntryHandler struct {
	opts EntryHandlerOpts

	queryTotal       prometheus.Counter
	hitTotal         prometheus.Counter
	missTotal        prometheus.Counter
	upstreamErrTotal prometheus.Counter
	malformedTotal   prometheus.Counter
}

func NewEntryHandler(opts EntryHandlerOpts) (*EntryHandler, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	h := &EntryHandler{
		opts: opts,
		queryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "query_total",
			Help: "The total number of queries received",
		}),
		hitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hit_total",
			Help: "The total number of queries answered from the cache",
		}),
		missTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_miss_total",
			Help: "The total number of queries forwarded upstream",
		}),
		upstreamErrTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_err_total",
			Help: "The total number of failed upstream exchanges",
		}),
		malformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "malformed_total",
			Help: "The total number of dropped malformed messages",
		}),
	}
	if reg := opts.MetricsReg; reg != nil {
		for _, c := range []prometheus.Collector{h.queryTotal, h.hitTotal, h.missTotal, h.upstreamErrTotal, h.malformedTotal} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register metrics, %w", err)
			}
		}
	}
	return h, nil
}

func (h *EntryHandler) ServeDNS(ctx context.Context, req []byte, from netip.Addr) ([]byte, error) {
	h.queryTotal.Inc()

	name, qtype, err := dnsutils.ParseQuery(req)
	if err != nil {
		h.malformedTotal.Inc()
		return nil, fmt.Errorf("invalid query, %w", err)
	}
	key := cache.Key{Name: name, Type: qtype}

	if r, ok := h.opts.Cache.Lookup(key); ok && len(r) >= 2 {
		h.hitTotal.Inc()
		dnsutils.SetMsgID(r, dnsutils.MsgID(req))
		h.opts.Logger.Debug(
			"cache hit",
			zap.Stringer("name", name),
			zap.String("qtype", dnsutils.QtypeToString(qtype)),
			zap.Stringer("from", from),
		)
		return r, nil
	}

	h.missTotal.Inc()
	r, err := h.opts.Upstream.Forward(ctx, req)
	if err != nil {
		h.upstreamErrTotal.Inc()
		return nil, err
	}

	rrs, err := dnsutils.ExtractRecords(r)
	if err != nil {
		h.malformedTotal.Inc()
		return nil, fmt.Errorf("invalid upstream response from %s, %w", h.opts.Upstream.Address(), err)
	}
	for _, rr := range rrs {
		h.opts.Cache.Insert(cache.Key{Name: rr.Name, Type: rr.Type}, r, rr.TTL)
	}
	h.opts.Logger.Debug(
		"forwarded",
		zap.Stringer("name", name),
		zap.String("qtype", dnsutils.QtypeToString(qtype)),
		zap.Stringer("from", from),
		zap.Int("records", len(rrs)),
	)
	return r, nil
}
