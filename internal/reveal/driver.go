// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reveal

import (
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// DefaultTickInterval paces the loop at 30fps.
const DefaultTickInterval = 33 * time.Millisecond

// Driver invokes the scheduler's tick at a bounded cadence.
//
// Start and Stop are called by the Scheduler. Stop may be called from inside
// tick and must not block on it.
type Driver interface {
	Start(tick func())
	Stop()
}

// =============================================================================
// TICKER DRIVER
// =============================================================================

// TickerDriver calls tick from its own goroutine on a fixed interval. Used by
// headless and line-mode clients.
type TickerDriver struct {
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTickerDriver creates a driver ticking every interval.
func NewTickerDriver(interval time.Duration) *TickerDriver {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &TickerDriver{interval: interval}
}

// Start begins ticking. A running driver is left as is.
func (d *TickerDriver) Start(tick func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return
	}
	stop := make(chan struct{})
	d.stop = stop

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		t := time.NewTicker(d.interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				tick()
			}
		}
	}()
}

// Stop signals the ticking goroutine to exit after its current tick.
func (d *TickerDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
}

// Wait blocks until every goroutine started by the driver has exited.
func (d *TickerDriver) Wait() {
	d.wg.Wait()
}

// =============================================================================
// BUBBLE TEA DRIVER
// =============================================================================

// TickMsg is delivered to the Bubble Tea program on every reveal tick.
// Epoch identifies the chain that produced it.
type TickMsg struct {
	Time  time.Time
	Epoch uint64
}

// TeaDriver drives the scheduler from a Bubble Tea update loop.
//
// Bubble Tea has no way to cancel a tea.Tick that is already scheduled, so
// Stop cannot take back the chain's next TickMsg. If the loop goes idle and a
// new registration restarts it before that message arrives, the old chain
// and the new one would both keep rescheduling and the reveal would run at a
// multiple of the configured cadence. Each Start therefore opens a new epoch;
// the model drops ticks whose epoch is not current and reschedules only
// through Next, which carries the epoch forward.
type TeaDriver struct {
	interval time.Duration
	send     func(tea.Msg)

	mu      sync.Mutex
	running bool
	epoch   uint64
}

// NewTeaDriver creates a driver that kicks the tick chain with send, usually
// (*tea.Program).Send.
func NewTeaDriver(interval time.Duration, send func(tea.Msg)) *TeaDriver {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &TeaDriver{interval: interval, send: send}
}

// SetSend sets the function used to deliver the first TickMsg. The program
// usually does not exist yet when the driver is constructed.
func (d *TeaDriver) SetSend(send func(tea.Msg)) {
	d.mu.Lock()
	d.send = send
	d.mu.Unlock()
}

// Start opens a new epoch and delivers its first tick.
func (d *TeaDriver) Start(func()) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.epoch++
	msg := TickMsg{Time: time.Now(), Epoch: d.epoch}
	send := d.send
	d.mu.Unlock()

	if send != nil {
		// Program.Send blocks until the event loop reads it; never call it
		// from inside Update.
		go send(msg)
	}
}

// Stop ends the chain after the current tick.
func (d *TeaDriver) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Running reports whether a chain is active.
func (d *TeaDriver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Current reports whether msg belongs to the running chain.
func (d *TeaDriver) Current(msg TickMsg) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && msg.Epoch == d.epoch
}

// Next schedules the tick after msg, or returns nil when msg's chain has
// ended.
func (d *TeaDriver) Next(msg TickMsg) tea.Cmd {
	if !d.Current(msg) {
		return nil
	}
	epoch := msg.Epoch
	return tea.Tick(d.interval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t, Epoch: epoch}
	})
}

// ManualDriver records Start/Stop calls and never ticks on its own. Tests
// and callers that own their loop call Scheduler.Tick directly.
type ManualDriver struct {
	mu      sync.Mutex
	running bool
	starts  int
}

// Start marks the driver running.
func (d *ManualDriver) Start(func()) {
	d.mu.Lock()
	d.running = true
	d.starts++
	d.mu.Unlock()
}

// Stop marks the driver stopped.
func (d *ManualDriver) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Running reports whether the scheduler wants ticks.
func (d *ManualDriver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Starts returns how many times the loop was started.
func (d *ManualDriver) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}
