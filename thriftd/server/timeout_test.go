/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDeadlineSetter struct {
	mutex     sync.Mutex
	deadlines []time.Time
}

func (setter *testDeadlineSetter) SetDeadline(t time.Time) error {
	setter.mutex.Lock()
	defer setter.mutex.Unlock()
	setter.deadlines = append(setter.deadlines, t)
	return nil
}

func (setter *testDeadlineSetter) get() []time.Time {
	setter.mutex.Lock()
	defer setter.mutex.Unlock()
	return append([]time.Time(nil), setter.deadlines...)
}

func TestTimeoutGuardFires(t *testing.T) {

	conn := &testDeadlineSetter{}
	start := time.Now()

	guard := ArmTimeoutGuard(context.Background(), 20*time.Millisecond, conn)

	select {
	case <-guard.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("guard did not fire")
	}

	assert.ErrorIs(t, guard.Context().Err(), context.Canceled)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	deadlines := conn.get()
	require.Len(t, deadlines, 1)
	assert.False(t, deadlines[0].IsZero())

	require.True(t, guard.Disarm())

	deadlines = conn.get()
	require.Len(t, deadlines, 2)
	assert.True(t, deadlines[1].IsZero())

	// Idempotent
	require.True(t, guard.Disarm())
	assert.Len(t, conn.get(), 2)
}

func TestTimeoutGuardDisarmBeforeFire(t *testing.T) {

	conn := &testDeadlineSetter{}

	guard := ArmTimeoutGuard(context.Background(), 50*time.Millisecond, conn)

	require.False(t, guard.Disarm())

	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, conn.get())
	assert.Error(t, guard.Context().Err())
}

func TestTimeoutGuardDisabled(t *testing.T) {

	for _, timeout := range []time.Duration{0, -1 * time.Second} {

		conn := &testDeadlineSetter{}

		guard := ArmTimeoutGuard(context.Background(), timeout, conn)

		select {
		case <-guard.Context().Done():
			t.Fatalf("disabled guard fired")
		case <-time.After(50 * time.Millisecond):
		}

		require.False(t, guard.Disarm())
		assert.Empty(t, conn.get())
	}
}

func TestTimeoutGuardParentCancel(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())

	guard := ArmTimeoutGuard(ctx, time.Minute, nil)
	cancel()

	select {
	case <-guard.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("guard context not cancelled")
	}

	// Cancellation by the parent is not a timeout.
	require.False(t, guard.Disarm())
}

func TestTimeoutGuardNil(t *testing.T) {
	var guard *TimeoutGuard
	assert.False(t, guard.Disarm())
}
