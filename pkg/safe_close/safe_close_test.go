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

package safe_close

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeClose(t *testing.T) {
	sc := NewSafeClose()
	assert.Equal(t, Starting, sc.State())
	sc.MarkRunning()
	assert.Equal(t, Running, sc.State())

	var exited int32
	for i := 0; i < 4; i++ {
		sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			<-closeSignal
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&exited, 1)
		})
	}

	go func() {
		<-sc.ReceiveCloseSignal()
		assert.Equal(t, Draining, sc.State())
		sc.Done()
	}()

	sc.SendCloseSignal(errors.New("fatal"))
	sc.SendCloseSignal(errors.New("second"))
	sc.CloseWait()

	assert.Equal(t, int32(4), atomic.LoadInt32(&exited))
	assert.Equal(t, Stopped, sc.State())
	require.EqualError(t, sc.Err(), "fatal")

	// Closed SafeClose does not run new goroutines.
	ran := false
	sc.Attach(func(done func(), _ <-chan struct{}) { ran = true; done() })
	assert.False(t, ran)

	// State never moves backwards.
	sc.MarkRunning()
	assert.Equal(t, Stopped, sc.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
