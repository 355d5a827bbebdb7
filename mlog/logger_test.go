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

package mlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "verbose"})
	require.Error(t, err)

	lg, err := NewLogger(&LogConfig{Level: "debug"})
	require.NoError(t, err)
	require.True(t, lg.Core().Enabled(-1))

	p := filepath.Join(t.TempDir(), "mosdns.log")
	lg, err = NewLogger(&LogConfig{Level: "info", File: p, Production: true})
	require.NoError(t, err)
	lg.Info("hello")
	_ = lg.Sync()

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"hello"`)
}
