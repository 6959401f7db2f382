// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport carries log events over websocket connections.
//
// Every frame is one JSON Event. The server-side Hub stamps each event with
// a sequence number and fans it out to all connections, so within one
// connection events arrive in send order with strictly increasing Seq. A new
// connection first receives a timeline_info snapshot. Nothing is ordered
// across reconnects: after a reconnect the client resyncs from the snapshot.
package transport

import (
	"fmt"

	"github.com/jeranaias/rigrun-live/internal/diff"
	"github.com/jeranaias/rigrun-live/internal/model"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Type names an event.
type Type string

const (
	TypeEntryAdded          Type = "entry_added"
	TypeEntryReplaced       Type = "entry_replaced"
	TypeEntryDeleted        Type = "entry_deleted"
	TypeEntriesRangeDeleted Type = "entries_range_deleted"
	TypeStreamUpdate        Type = "stream_update"
	TypeTimelineInfo        Type = "timeline_info"
)

// Event is one frame on the channel. Which fields are set depends on Type:
//
//	entry_added            Entry, Total
//	entry_replaced         Index, Entry
//	entry_deleted          Index, ID, Total
//	entries_range_deleted  Index (start), Count, IDs, Total
//	stream_update          ID, Slices, Attachments
//	timeline_info          Index (first reachable), Count (length)
type Event struct {
	Seq  uint64 `json:"seq"`
	Type Type   `json:"type"`

	ID    string       `json:"id,omitempty"`
	Index int          `json:"index"`
	Count int          `json:"count,omitempty"`
	Total int          `json:"total,omitempty"`
	Entry *model.Entry `json:"entry,omitempty"`
	IDs   []string     `json:"ids,omitempty"`

	Slices      []diff.Slice       `json:"slices,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

// Key returns the entity the event applies to. Range deletes and timeline
// info touch the whole log and share one key.
func (e Event) Key() string {
	switch e.Type {
	case TypeEntriesRangeDeleted, TypeTimelineInfo:
		return TimelineKey
	case TypeEntryAdded, TypeEntryReplaced:
		if e.Entry != nil {
			return e.Entry.ID
		}
	}
	return e.ID
}

// TimelineKey is the sequencing key for events that touch the whole log.
const TimelineKey = "$timeline"

// Validate checks that the fields required by Type are present.
func (e Event) Validate() error {
	switch e.Type {
	case TypeEntryAdded, TypeEntryReplaced:
		if e.Entry == nil || e.Entry.ID == "" {
			return fmt.Errorf("%s: missing entry", e.Type)
		}
	case TypeEntryDeleted:
		if e.Index < 0 {
			return fmt.Errorf("%s: negative index %d", e.Type, e.Index)
		}
	case TypeEntriesRangeDeleted:
		if e.Index < 0 || e.Count < 0 {
			return fmt.Errorf("%s: bad range start=%d count=%d", e.Type, e.Index, e.Count)
		}
	case TypeStreamUpdate:
		if e.ID == "" {
			return fmt.Errorf("%s: missing id", e.Type)
		}
	case TypeTimelineInfo:
		if e.Count < 0 {
			return fmt.Errorf("%s: negative count %d", e.Type, e.Count)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// EntryAdded announces an entry appended at the tail.
func EntryAdded(e model.Entry, total int) Event {
	return Event{Type: TypeEntryAdded, ID: e.ID, Index: e.Index, Entry: &e, Total: total}
}

// EntryReplaced announces an entry superseded in place.
func EntryReplaced(index int, e model.Entry) Event {
	return Event{Type: TypeEntryReplaced, ID: e.ID, Index: index, Entry: &e}
}

// EntryDeleted announces the removal of one entry.
func EntryDeleted(index int, id string, total int) Event {
	return Event{Type: TypeEntryDeleted, ID: id, Index: index, Total: total}
}

// EntriesRangeDeleted announces the removal of count entries from start.
func EntriesRangeDeleted(start, count int, ids []string, total int) Event {
	return Event{Type: TypeEntriesRangeDeleted, Index: start, Count: count, IDs: ids, Total: total}
}

// StreamUpdate carries slices for an entry under generation.
func StreamUpdate(id string, slices []diff.Slice, attachments []model.Attachment) Event {
	return Event{Type: TypeStreamUpdate, ID: id, Slices: slices, Attachments: attachments}
}

// TimelineInfo describes the log extent.
func TimelineInfo(index, count int) Event {
	return Event{Type: TypeTimelineInfo, Index: index, Count: count}
}
