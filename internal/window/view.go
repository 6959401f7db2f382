// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package window

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jeranaias/rigrun-live/internal/model"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Fetcher pages entries out of the backend log. Fetch returns up to limit
// entries starting at backend index offset, plus the backend total. A limit
// of zero only reports the total.
type Fetcher interface {
	Fetch(ctx context.Context, offset, limit int) ([]model.Entry, int, error)
}

// Unregisterer drops per-id render state when an entry leaves the window.
type Unregisterer interface {
	Unregister(id string)
}

// =============================================================================
// OPTIONS
// =============================================================================

const (
	// DefaultPageSize is the number of entries fetched by Load.
	DefaultPageSize = 50
	// DefaultTailEpsilon is the slack, in lines, for the pinned-to-tail check.
	DefaultTailEpsilon = 2
	// maxLoadAttempts bounds optimistic refetches while mutations race a fetch.
	maxLoadAttempts = 3
)

// Options configures a View.
type Options struct {
	// PageSize is the window size used by Load and Refill.
	PageSize int
	// MaxItems caps the materialized window while paging. Defaults to
	// 4 * PageSize.
	MaxItems int
	// LoadLimit caps how many of the newest entries are reachable. Zero means
	// unlimited.
	LoadLimit int
	// TailEpsilon is the pinned-to-tail tolerance in lines.
	TailEpsilon int
}

func (o *Options) fillDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxItems < o.PageSize {
		o.MaxItems = 4 * o.PageSize
	}
	if o.LoadLimit < 0 {
		o.LoadLimit = 0
	}
	if o.TailEpsilon <= 0 {
		o.TailEpsilon = DefaultTailEpsilon
	}
}

// ErrStale is returned when the backend kept changing during a load.
var ErrStale = errors.New("window changed during load")

// =============================================================================
// VIEW
// =============================================================================

// View is the materialized window over the log.
//
// The log can grow without bound, but a terminal only ever shows a screenful
// of it, so the View keeps a contiguous run of entries in memory and pages
// the rest in on demand. Events arrive for entries on both sides of the run;
// the View applies the ones that touch it and only adjusts its offset and
// total for the rest, so the run never needs a refetch to stay aligned.
//
// Entries leaving the run (paged out, deleted, cut off by a smaller total)
// are handed to the Unregisterer, which drops whatever per-id state the
// reveal loop and the renderer built up for them. Without that hook a long
// session would keep state for every entry it ever showed.
//
// Thread-safe. Collaborator callbacks run without the lock held, so they may
// call back into the View.
type View struct {
	mu      sync.Mutex
	fetcher Fetcher
	unreg   Unregisterer
	opts    Options

	offset int           // backend index of items[0]
	total  int           // backend total
	items  []model.Entry // contiguous from offset
	slots  map[string]int

	pinned bool
	loaded bool
	gen    uint64 // bumped by every mutation

	onChange func()
}

// New creates an empty view. Call Load to materialize it.
func New(f Fetcher, opts Options) *View {
	opts.fillDefaults()
	return &View{
		fetcher: f,
		opts:    opts,
		slots:   make(map[string]int),
		pinned:  true,
	}
}

// SetUnregisterer sets the collaborator notified when entries leave the
// window.
func (v *View) SetUnregisterer(u Unregisterer) {
	v.mu.Lock()
	v.unreg = u
	v.mu.Unlock()
}

// OnChange registers fn to be called after every change to the window.
func (v *View) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// SetLoadLimit changes the reachable tail size. Takes effect on the next
// fetch.
func (v *View) SetLoadLimit(n int) {
	if n < 0 {
		n = 0
	}
	v.mu.Lock()
	v.opts.LoadLimit = n
	v.mu.Unlock()
}

// =============================================================================
// FETCHING
// =============================================================================

// shiftFor returns how many of the oldest entries are unreachable.
func (v *View) shiftFor(total int) int {
	if v.opts.LoadLimit > 0 && total > v.opts.LoadLimit {
		return total - v.opts.LoadLimit
	}
	return 0
}

// Fetch returns up to limit entries starting at visible offset, plus the
// visible total. The view itself is not modified.
func (v *View) Fetch(ctx context.Context, offset, limit int) ([]model.Entry, int, error) {
	v.mu.Lock()
	shift := v.shiftFor(v.total)
	v.mu.Unlock()

	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		items, total, err := v.fetcher.Fetch(ctx, offset+shift, limit)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch [%d,+%d): %w", offset+shift, limit, err)
		}
		v.mu.Lock()
		actual := v.shiftFor(total)
		v.mu.Unlock()
		if actual == shift {
			return items, total - shift, nil
		}
		shift = actual
	}
	return nil, 0, ErrStale
}

// Load materializes a page. A negative anchor loads the tail; otherwise the
// page is centred on the backend index anchor.
func (v *View) Load(ctx context.Context, anchor int) error {
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		v.mu.Lock()
		gen := v.gen
		v.mu.Unlock()

		_, total, err := v.fetcher.Fetch(ctx, 0, 0)
		if err != nil {
			return fmt.Errorf("load total: %w", err)
		}

		v.mu.Lock()
		shift := v.shiftFor(total)
		page := v.opts.PageSize
		v.mu.Unlock()

		start := total - page
		if anchor >= 0 {
			start = anchor - page/2
			if start+page > total {
				start = total - page
			}
		}
		if start < shift {
			start = shift
		}

		items, total2, err := v.fetcher.Fetch(ctx, start, page)
		if err != nil {
			return fmt.Errorf("load page: %w", err)
		}
		if total2 != total {
			continue
		}

		var evicted []string
		v.mu.Lock()
		if v.gen != gen {
			v.mu.Unlock()
			continue
		}
		evicted = v.replaceAllLocked(start, total, items)
		v.loaded = true
		v.gen++
		v.mu.Unlock()

		v.afterChange(evicted)
		return nil
	}
	return ErrStale
}

// replaceAllLocked installs a new window and returns the ids that left it.
func (v *View) replaceAllLocked(offset, total int, items []model.Entry) []string {
	keep := make(map[string]struct{}, len(items))
	for _, e := range items {
		keep[e.ID] = struct{}{}
	}
	var evicted []string
	for _, e := range v.items {
		if _, ok := keep[e.ID]; !ok {
			evicted = append(evicted, e.ID)
		}
	}
	v.offset = offset
	v.total = total
	v.items = append([]model.Entry(nil), items...)
	v.renumberLocked()
	return evicted
}

// LoadOlder prepends up to n entries before the window and returns how many
// were added. The far end is trimmed to MaxItems.
func (v *View) LoadOlder(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		v.mu.Lock()
		gen := v.gen
		shift := v.shiftFor(v.total)
		end := v.offset
		start := end - n
		if start < shift {
			start = shift
		}
		v.mu.Unlock()

		if start >= end {
			return 0, nil
		}

		items, total, err := v.fetcher.Fetch(ctx, start, end-start)
		if err != nil {
			return 0, fmt.Errorf("load older: %w", err)
		}

		if len(items) != end-start {
			// The backend shrank under the request; the page would leave a gap.
			continue
		}

		v.mu.Lock()
		if v.gen != gen {
			v.mu.Unlock()
			continue
		}
		v.total = total
		v.items = append(append([]model.Entry(nil), items...), v.items...)
		v.offset = start
		var evicted []string
		if over := len(v.items) - v.opts.MaxItems; over > 0 {
			for _, e := range v.items[len(v.items)-over:] {
				evicted = append(evicted, e.ID)
			}
			v.items = v.items[:len(v.items)-over]
		}
		v.renumberLocked()
		v.gen++
		v.mu.Unlock()

		v.afterChange(evicted)
		return len(items), nil
	}
	return 0, ErrStale
}

// LoadNewer appends up to n entries after the window and returns how many
// were added. The near end is trimmed to MaxItems.
func (v *View) LoadNewer(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		v.mu.Lock()
		gen := v.gen
		start := v.offset + len(v.items)
		v.mu.Unlock()

		items, total, err := v.fetcher.Fetch(ctx, start, n)
		if err != nil {
			return 0, fmt.Errorf("load newer: %w", err)
		}

		v.mu.Lock()
		if v.gen != gen {
			v.mu.Unlock()
			continue
		}
		v.total = total
		v.items = append(v.items, items...)
		var evicted []string
		if over := len(v.items) - v.opts.MaxItems; over > 0 {
			for _, e := range v.items[:over] {
				evicted = append(evicted, e.ID)
			}
			v.items = append([]model.Entry(nil), v.items[over:]...)
			v.offset += over
		}
		v.renumberLocked()
		v.gen++
		v.mu.Unlock()

		v.afterChange(evicted)
		return len(items), nil
	}
	return 0, ErrStale
}

// Refill tops the window back up to PageSize after deletions, extending
// toward the tail first and then toward the head.
func (v *View) Refill(ctx context.Context) error {
	v.mu.Lock()
	missing := v.opts.PageSize - len(v.items)
	after := v.total - (v.offset + len(v.items))
	before := v.offset - v.shiftFor(v.total)
	v.mu.Unlock()

	if missing <= 0 {
		return nil
	}
	if after > 0 {
		n, err := v.LoadNewer(ctx, min(missing, after))
		if err != nil {
			return err
		}
		missing -= n
	}
	if missing > 0 && before > 0 {
		if _, err := v.LoadOlder(ctx, min(missing, before)); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// MUTATORS
// =============================================================================

// Append records an entry added at the backend tail. The entry is
// materialized when the window already reaches the tail and either the view
// is pinned or the window has room. The result reports whether the UI should
// follow it, which is only when the view was pinned.
func (v *View) Append(e model.Entry) (follow bool) {
	v.mu.Lock()

	if slot, ok := v.slots[e.ID]; ok {
		// Duplicate delivery of an entry already shown.
		e.Index = v.items[slot].Index
		v.items[slot] = e
		v.gen++
		follow = v.pinned && slot == len(v.items)-1
		v.mu.Unlock()
		v.afterChange(nil)
		return follow
	}

	atTail := v.offset+len(v.items) == v.total
	materialize := atTail && (v.pinned || len(v.items) < v.opts.MaxItems)
	e.Index = v.total
	v.total++

	var evicted []string
	if materialize {
		if len(v.items) == 0 {
			v.offset = e.Index
		}
		v.items = append(v.items, e)
		if v.pinned {
			if over := len(v.items) - v.opts.MaxItems; over > 0 {
				for _, old := range v.items[:over] {
					evicted = append(evicted, old.ID)
				}
				v.items = append([]model.Entry(nil), v.items[over:]...)
				v.offset += over
			}
		}
	}
	if shift := v.shiftFor(v.total); v.offset < shift {
		drop := min(shift-v.offset, len(v.items))
		for _, old := range v.items[:drop] {
			evicted = append(evicted, old.ID)
		}
		v.items = append([]model.Entry(nil), v.items[drop:]...)
		v.offset = shift
	}
	v.renumberLocked()
	v.gen++
	follow = materialize && v.pinned
	v.mu.Unlock()

	v.afterChange(evicted)
	return follow
}

// ReplaceAt supersedes an entry. The position is resolved by e.ID when that
// entry is materialized, otherwise by index. The result reports whether the
// replaced entry is materialized.
func (v *View) ReplaceAt(index int, e model.Entry) bool {
	v.mu.Lock()

	slot, ok := v.slots[e.ID]
	if !ok {
		slot = index - v.offset
		if slot < 0 || slot >= len(v.items) {
			v.mu.Unlock()
			return false
		}
		if e.ID != "" && v.items[slot].ID != e.ID {
			// The index was computed against a different layout; the entry it
			// named is not here.
			v.mu.Unlock()
			return false
		}
	}
	prev := v.items[slot]
	e = prev.Supersede(e)
	v.items[slot] = e
	v.gen++
	v.mu.Unlock()

	v.afterChange(nil)
	return true
}

// Update applies fn to a materialized entry in place. Identity fields are
// restored after fn returns. The result reports whether the entry was found.
func (v *View) Update(id string, fn func(*model.Entry)) bool {
	v.mu.Lock()
	slot, ok := v.slots[id]
	if !ok {
		v.mu.Unlock()
		return false
	}
	e := v.items[slot]
	fn(&e)
	e.ID = id
	e.Index = v.items[slot].Index
	v.items[slot] = e
	v.gen++
	v.mu.Unlock()

	v.afterChange(nil)
	return true
}

// DeleteAt records the removal of one backend entry. id, when materialized,
// takes precedence over index. The removed id (if it was materialized) is
// unregistered.
func (v *View) DeleteAt(index int, id string) {
	v.mu.Lock()

	if slot, ok := v.slots[id]; ok {
		index = v.offset + slot
	}
	if index < 0 || index >= v.total {
		v.mu.Unlock()
		return
	}

	var evicted []string
	v.total--
	switch {
	case index < v.offset:
		v.offset--
	case index < v.offset+len(v.items):
		slot := index - v.offset
		evicted = append(evicted, v.items[slot].ID)
		v.items = append(v.items[:slot], v.items[slot+1:]...)
	}
	v.clampOffsetLocked()
	v.renumberLocked()
	v.gen++
	v.mu.Unlock()

	v.afterChange(evicted)
}

// DeleteRange records the removal of count backend entries starting at
// start. Materialized entries in the range are unregistered.
func (v *View) DeleteRange(start, count int) {
	v.mu.Lock()

	if start < 0 {
		count += start
		start = 0
	}
	end := min(start+count, v.total)
	if start >= end {
		v.mu.Unlock()
		return
	}
	removed := end - start

	winStart := v.offset
	winEnd := v.offset + len(v.items)

	// Overlap of [start, end) with the window.
	lo := max(start, winStart)
	hi := min(end, winEnd)

	var evicted []string
	if lo < hi {
		for _, e := range v.items[lo-winStart : hi-winStart] {
			evicted = append(evicted, e.ID)
		}
		v.items = append(v.items[:lo-winStart], v.items[hi-winStart:]...)
	}
	switch {
	case end <= winStart:
		v.offset -= removed
	case start < winStart:
		v.offset = start
	}
	v.total -= removed
	v.clampOffsetLocked()
	v.renumberLocked()
	v.gen++
	v.mu.Unlock()

	v.afterChange(evicted)
}

// SetTotal reconciles the backend total reported by the channel. Entries
// beyond the new total are dropped from the window.
func (v *View) SetTotal(total int) {
	if total < 0 {
		total = 0
	}
	v.mu.Lock()
	if total == v.total {
		v.mu.Unlock()
		return
	}
	var evicted []string
	v.total = total
	if over := v.offset + len(v.items) - total; over > 0 {
		keep := max(len(v.items)-over, 0)
		for _, e := range v.items[keep:] {
			evicted = append(evicted, e.ID)
		}
		v.items = v.items[:keep]
	}
	v.clampOffsetLocked()
	v.renumberLocked()
	v.gen++
	v.mu.Unlock()

	v.afterChange(evicted)
}

// clampOffsetLocked keeps offset inside [0, total-len(items)].
func (v *View) clampOffsetLocked() {
	if v.offset+len(v.items) > v.total {
		v.offset = v.total - len(v.items)
	}
	if v.offset < 0 {
		v.offset = 0
	}
}

// renumberLocked realigns item indices with the offset and rebuilds the
// id → slot map.
func (v *View) renumberLocked() {
	clear(v.slots)
	for i := range v.items {
		v.items[i].Index = v.offset + i
		v.slots[v.items[i].ID] = i
	}
}

// afterChange runs collaborator callbacks outside the lock.
func (v *View) afterChange(evicted []string) {
	v.mu.Lock()
	unreg := v.unreg
	onChange := v.onChange
	v.mu.Unlock()

	if unreg != nil {
		for _, id := range evicted {
			unreg.Unregister(id)
		}
	}
	if onChange != nil {
		onChange()
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// IndexOf returns the backend absolute index of a materialized entry.
func (v *View) IndexOf(id string) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	slot, ok := v.slots[id]
	if !ok {
		return 0, false
	}
	return v.offset + slot, true
}

// Get returns a materialized entry by id.
func (v *View) Get(id string) (model.Entry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	slot, ok := v.slots[id]
	if !ok {
		return model.Entry{}, false
	}
	return v.items[slot].Clone(), true
}

// Contains reports whether id is materialized.
func (v *View) Contains(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.slots[id]
	return ok
}

// Items returns a copy of the materialized entries.
func (v *View) Items() []model.Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]model.Entry, len(v.items))
	for i, e := range v.items {
		out[i] = e.Clone()
	}
	return out
}

// Len returns the number of materialized entries.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}

// Offset returns the window start in visible coordinates.
func (v *View) Offset() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.offset - v.shiftFor(v.total)
}

// Total returns the number of reachable entries.
func (v *View) Total() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total - v.shiftFor(v.total)
}

// BackendTotal returns the total number of entries in the backend log.
func (v *View) BackendTotal() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total
}

// Shift returns the number of unreachable oldest entries.
func (v *View) Shift() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shiftFor(v.total)
}

// HasOlder reports whether reachable entries exist before the window.
func (v *View) HasOlder() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.offset > v.shiftFor(v.total)
}

// HasNewer reports whether entries exist after the window.
func (v *View) HasNewer() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.offset+len(v.items) < v.total
}

// Loaded reports whether Load has completed at least once.
func (v *View) Loaded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loaded
}

// =============================================================================
// SCROLL TRACKING
// =============================================================================

// UpdateScroll records the viewport position: top is the first visible line,
// viewport the visible height and content the total content height.
func (v *View) UpdateScroll(top, viewport, content int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pinned = top+viewport >= content-v.opts.TailEpsilon
}

// Pinned reports whether the view is pinned near the tail.
func (v *View) Pinned() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pinned
}
