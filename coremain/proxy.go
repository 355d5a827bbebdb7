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

package coremain

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/mosdns-lite/mlog"
	"github.com/pmkol/mosdns-lite/pkg/cache"
	"github.com/pmkol/mosdns-lite/pkg/cache/mem_cache"
	"github.com/pmkol/mosdns-lite/pkg/cache/redis_cache"
	"github.com/pmkol/mosdns-lite/pkg/pool"
	"github.com/pmkol/mosdns-lite/pkg/safe_close"
	"github.com/pmkol/mosdns-lite/pkg/server"
	"github.com/pmkol/mosdns-lite/pkg/server/dns_handler"
	"github.com/pmkol/mosdns-lite/pkg/upstream/udp"
	"github.com/pmkol/mosdns-lite/pkg/utils"
)

// Proxy owns everything one running instance needs: the cache, the
// listening socket and the lifecycle of its background goroutines.
type Proxy struct {
	logger *zap.Logger
	cfg    *Config

	cache    cache.Backend
	upstream *udp.Upstream
	handler  *dns_handler.EntryHandler
	server   *server.Server
	conn     net.PacketConn

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// NewProxy builds a Proxy in the Starting state: the cache is created
// and restored from its snapshot and the socket is bound.
func NewProxy(cfg *Config) (*Proxy, error) {
	cfg.init()
	if cfg.Server.ReadSize > pool.MaxBufSize {
		return nil, fmt.Errorf("server.read_size %d exceeds %d", cfg.Server.ReadSize, pool.MaxBufSize)
	}

	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	p := &Proxy{
		logger:     lg,
		cfg:        cfg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}

	p.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(p.metricsReg, promhttp.HandlerOpts{}))
	p.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	p.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	p.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	p.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	p.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := p.initCache(); err != nil {
		return nil, err
	}
	p.GetMetricsReg().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cache_size",
		Help: "The number of cached entries",
	}, func() float64 { return float64(p.cache.Len()) }))

	p.upstream = udp.NewUDPUpstream(udp.Opts{
		Addr:    cfg.Upstream.Addr,
		Timeout: utils.SecondsDuration(cfg.Upstream.Timeout),
	})
	p.handler, err = dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Logger:     lg,
		Cache:      p.cache,
		Upstream:   p.upstream,
		MetricsReg: p.GetMetricsReg(),
	})
	if err != nil {
		p.cache.Close()
		return nil, fmt.Errorf("failed to init handler, %w", err)
	}
	p.server = server.NewServer(server.ServerOpts{
		Logger:        lg,
		DNSHandler:    p.handler,
		PollInterval:  utils.MillisDuration(cfg.Server.PollInterval),
		ReadSize:      cfg.Server.ReadSize,
		MaxConcurrent: cfg.Server.MaxConcurrent,
		MetricsReg:    p.GetMetricsReg(),
	})

	p.conn, err = net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		p.cache.Close()
		return nil, fmt.Errorf("failed to listen on %s, %w", cfg.Listen, err)
	}
	return p, nil
}

func (p *Proxy) initCache() error {
	cc := p.cfg.Cache
	switch cc.Backend {
	case cacheBackendMemory:
		mc := mem_cache.NewMemCache(mem_cache.Opts{
			CleanerInterval: utils.SecondsDuration(cc.CleanerInterval),
			Logger:          p.logger,
		})
		p.cache = mc
		if len(cc.DumpFile) > 0 {
			n, err := cache.LoadSnapshot(cc.DumpFile, mc, time.Now())
			if err != nil {
				p.logger.Warn("failed to load cache snapshot, starting empty", zap.String("file", cc.DumpFile), zap.Error(err))
			} else {
				p.logger.Info("cache snapshot loaded", zap.String("file", cc.DumpFile), zap.Int("entries", n))
			}
		}
	case cacheBackendRedis:
		if len(cc.Redis) == 0 {
			return errors.New("redis backend requires cache.redis url")
		}
		rc, err := redis_cache.NewRedisCacheFromURL(cc.Redis, utils.MillisDuration(cc.RedisTimeout), p.logger)
		if err != nil {
			return fmt.Errorf("failed to init redis cache, %w", err)
		}
		p.cache = rc
	default:
		return fmt.Errorf("unknown cache backend %q", cc.Backend)
	}
	return nil
}

// Run serves until an exit command is read from console, a termination
// signal arrives or Close is called. console may be nil. The cache
// snapshot is saved before Run returns.
func (p *Proxy) Run(console io.Reader) error {
	p.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errC := make(chan error, 1)
		go func() {
			p.logger.Info("udp server started", zap.Stringer("addr", p.conn.LocalAddr()))
			errC <- p.server.ServeUDP(p.conn)
		}()
		select {
		case err := <-errC:
			p.sc.SendCloseSignal(fmt.Errorf("udp server exited, %w", err))
		case <-closeSignal:
			p.server.Close()
			<-errC
		}
	})

	p.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigC)
		select {
		case sig := <-sigC:
			p.logger.Info("signal received", zap.Stringer("signal", sig))
			p.sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	// Start http api server
	if httpAddr := p.cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: p.httpAPIMux,
		}
		p.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				p.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				p.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	// Blocks on console input only, so it is not attached.
	if console != nil {
		go p.listenConsole(console)
	}

	p.sc.MarkRunning()
	<-p.sc.ReceiveCloseSignal()
	p.logger.Info("shutting down")
	p.sc.Wait()

	p.saveSnapshot()
	if err := p.cache.Close(); err != nil {
		p.logger.Warn("failed to close cache", zap.Error(err))
	}
	p.sc.Done()
	p.logger.Info("stopped")
	_ = p.logger.Sync()
	return p.sc.Err()
}

func (p *Proxy) saveSnapshot() {
	f := p.cfg.Cache.DumpFile
	d, ok := p.cache.(cache.Dumper)
	if !ok || len(f) == 0 {
		return
	}
	n, err := cache.SaveSnapshot(f, d)
	if err != nil {
		p.logger.Error("failed to save cache snapshot", zap.String("file", f), zap.Error(err))
		return
	}
	p.logger.Info("cache snapshot saved", zap.String("file", f), zap.Int("entries", n))
}

// listenConsole reads commands line by line. "exit" stops the proxy.
func (p *Proxy) listenConsole(r io.Reader) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		cmd := strings.TrimSpace(s.Text())
		if strings.EqualFold(cmd, "exit") {
			p.logger.Info("exit command received")
			p.sc.SendCloseSignal(nil)
			return
		}
		if len(cmd) > 0 {
			p.logger.Warn("unknown command", zap.String("cmd", cmd))
		}
	}
}

// Close stops the proxy and waits until Run has saved the snapshot.
// It must not be called before Run.
func (p *Proxy) Close() {
	p.sc.CloseWait()
}

func (p *Proxy) State() safe_close.State {
	return p.sc.State()
}

// Addr returns the address the proxy is listening on.
func (p *Proxy) Addr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *Proxy) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("mosdns_", p.metricsReg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
