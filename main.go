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

package main

import (
	"os"

	"github.com/pmkol/mosdns-lite/coremain"
	"github.com/pmkol/mosdns-lite/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.S().Error(err)
		os.Exit(1)
	}
}
