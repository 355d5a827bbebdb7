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
	"github.com/pmkol/mosdns-lite/mlog"
	"github.com/pmkol/mosdns-lite/pkg/utils"
)

const (
	cacheBackendMemory = "memory"
	cacheBackendRedis  = "redis"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Listen   string         `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
}

type UpstreamConfig struct {
	Addr    string `yaml:"addr"`
	Timeout int    `yaml:"timeout"` // (sec) one exchange, default 3.
}

type CacheConfig struct {
	// Backend can be "memory" (default) or "redis".
	Backend string `yaml:"backend"`

	// DumpFile is the snapshot path, used by memory backend only.
	// Empty string disables the snapshot.
	DumpFile string `yaml:"dump_file"`

	CleanerInterval int    `yaml:"cleaner_interval"` // (sec) default 60.
	Redis           string `yaml:"redis"`            // redis url, required by redis backend.
	RedisTimeout    int    `yaml:"redis_timeout"`    // (ms) default 1000.
}

type ServerConfig struct {
	PollInterval  int `yaml:"poll_interval"`  // (ms) accept loop poll boundary, default 1000.
	MaxConcurrent int `yaml:"max_concurrent"` // in-flight handler limit, 0 means unlimited.
	ReadSize      int `yaml:"read_size"`      // max inbound query size, default 512.
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// DefaultConfig returns the config used when no config file is found.
// A loaded file is decoded on top of it.
func DefaultConfig() *Config {
	return &Config{
		Log:      mlog.LogConfig{Level: "info"},
		Listen:   ":53",
		Upstream: UpstreamConfig{Addr: "8.8.8.8:53", Timeout: 3},
		Cache: CacheConfig{
			Backend:         cacheBackendMemory,
			DumpFile:        "dns_cache.dump",
			CleanerInterval: 60,
			RedisTimeout:    1000,
		},
		Server: ServerConfig{
			PollInterval: 1000,
			ReadSize:     512,
		},
	}
}

// init fills zero or negative values with defaults.
func (c *Config) init() {
	utils.SetDefaultString(&c.Listen, ":53")
	utils.SetDefaultString(&c.Upstream.Addr, "8.8.8.8:53")
	utils.SetDefaultNum(&c.Upstream.Timeout, 3)
	utils.SetDefaultString(&c.Cache.Backend, cacheBackendMemory)
	utils.SetDefaultNum(&c.Cache.CleanerInterval, 60)
	utils.SetDefaultNum(&c.Cache.RedisTimeout, 1000)
	utils.SetDefaultNum(&c.Server.PollInterval, 1000)
	utils.SetDefaultNum(&c.Server.ReadSize, 512)
}
