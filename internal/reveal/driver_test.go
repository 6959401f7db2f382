// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reveal

import (
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"
)

func TestTeaDriver_RestartDropsStaleChain(t *testing.T) {
	sent := make(chan tea.Msg, 4)
	d := NewTeaDriver(time.Millisecond, func(msg tea.Msg) { sent <- msg })

	d.Start(nil)
	first := (<-sent).(TickMsg)
	require.True(t, d.Current(first))

	// Idle and restarted while the first chain's next tick is still queued.
	d.Stop()
	d.Start(nil)
	second := (<-sent).(TickMsg)
	require.NotEqual(t, first.Epoch, second.Epoch)

	require.False(t, d.Current(first))
	require.Nil(t, d.Next(first))

	require.True(t, d.Current(second))
	cmd := d.Next(second)
	require.NotNil(t, cmd)
	next, ok := cmd().(TickMsg)
	require.True(t, ok)
	require.Equal(t, second.Epoch, next.Epoch)

	d.Stop()
	require.False(t, d.Current(next))
	require.Nil(t, d.Next(next))
}

func TestTeaDriver_StartWhileRunningKeepsEpoch(t *testing.T) {
	sent := make(chan tea.Msg, 4)
	d := NewTeaDriver(time.Millisecond, func(msg tea.Msg) { sent <- msg })

	d.Start(nil)
	first := (<-sent).(TickMsg)
	d.Start(nil)
	require.True(t, d.Current(first))
	require.Empty(t, sent)
	d.Stop()
}

func TestTickerDriver_StopEndsGoroutine(t *testing.T) {
	var ticks atomic.Int32
	d := NewTickerDriver(time.Millisecond)
	d.Start(func() { ticks.Add(1) })
	require.Eventually(t, func() bool { return ticks.Load() > 0 }, time.Second, time.Millisecond)
	d.Stop()
	d.Wait()

	n := ticks.Load()
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, n, ticks.Load())
}
