// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for the conversation log.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/rigrun-live/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the author of a log entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	case RoleTool:
		return "Tool"
	default:
		return string(r)
	}
}

// ParseRole converts a wire string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q: must be one of user, assistant, system, tool", s)
	}
	return r, nil
}

// =============================================================================
// ATTACHMENT TYPE
// =============================================================================

// Attachment is a media reference attached to an entry. Attachments arrive on
// a side channel independent of text slices.
type Attachment struct {
	Kind     string `json:"kind"` // "image", "audio", "file"
	URL      string `json:"url"`
	MIMEType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// MergeAttachments appends the attachments from add that are not already
// present in base (matched by URL). Order of first arrival is preserved.
func MergeAttachments(base, add []Attachment) []Attachment {
	if len(add) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]Attachment, 0, len(base)+len(add))
	for _, a := range base {
		seen[a.URL] = struct{}{}
		out = append(out, a)
	}
	for _, a := range add {
		if _, ok := seen[a.URL]; ok {
			continue
		}
		seen[a.URL] = struct{}{}
		out = append(out, a)
	}
	return out
}

// =============================================================================
// ENTRY TYPE
// =============================================================================

// Entry is a single position in the conversation log.
type Entry struct {
	// Identity
	ID        string    `json:"id"`
	Index     int       `json:"index"` // Absolute position, filled in on read
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Generation state
	InProgress bool   `json:"in_progress,omitempty"`
	Stopped    bool   `json:"stopped,omitempty"` // Cancelled by the user, partial content kept
	Error      string `json:"error,omitempty"`   // Last generation failure, partial content kept

	// Statistics (assistant entries)
	Stats *Statistics `json:"stats,omitempty"`
}

// NewEntry creates a new entry without an ID. The log store assigns one.
func NewEntry(role Role, content string) Entry {
	return Entry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserEntry creates a new user entry.
func NewUserEntry(content string) Entry {
	return NewEntry(RoleUser, content)
}

// NewSystemEntry creates a new system entry.
func NewSystemEntry(content string) Entry {
	return NewEntry(RoleSystem, content)
}

// NewPendingAssistantEntry creates an empty assistant entry that is about to
// receive a generation stream.
func NewPendingAssistantEntry() Entry {
	e := NewEntry(RoleAssistant, "")
	e.InProgress = true
	return e
}

// NewID returns a fresh stable entry identifier.
func NewID() string {
	return uuid.NewString()
}

// Clone returns a copy of e that shares no slices with it.
func (e Entry) Clone() Entry {
	c := e
	if e.Attachments != nil {
		c.Attachments = append([]Attachment(nil), e.Attachments...)
	}
	if e.Stats != nil {
		s := *e.Stats
		c.Stats = &s
	}
	return c
}

// Supersede returns next carrying e's identity. Edits and regenerations use
// this so the replacement keeps the same ID and creation timestamp.
func (e Entry) Supersede(next Entry) Entry {
	next.ID = e.ID
	next.Index = e.Index
	if next.Timestamp.IsZero() {
		next.Timestamp = e.Timestamp
	}
	if next.Role == "" {
		next.Role = e.Role
	}
	return next
}

// Failed reports whether the last generation for this entry failed.
func (e Entry) Failed() bool {
	return e.Error != ""
}

// Preview returns a truncated preview of the entry content.
func (e Entry) Preview(maxLen int) string {
	return util.TruncateRunes(e.Content, maxLen)
}

// IsEmpty returns true if the entry has no content and no attachments.
func (e Entry) IsEmpty() bool {
	return len(e.Content) == 0 && len(e.Attachments) == 0
}

// EstimateTokens gives a rough estimate of token count.
// Uses the approximation of ~4 characters per token.
func (e Entry) EstimateTokens() int {
	return (len(e.Content) + 3) / 4
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing and token count information for a generation.
type Statistics struct {
	// Timestamps
	StartTime      time.Time `json:"start_time"`
	FirstTokenTime time.Time `json:"first_token_time,omitempty"`
	EndTime        time.Time `json:"end_time,omitempty"`

	// Token counts
	CompletionTokens int `json:"completion_tokens"`

	// Derived metrics (computed on Finalize)
	TTFT            time.Duration `json:"ttft_ns"`
	TotalDuration   time.Duration `json:"total_duration_ns"`
	TokensPerSecond float64       `json:"tokens_per_sec"`
}

// NewStatistics creates a new Statistics with the start time set.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime: time.Now(),
	}
}

// RecordFirstToken records when the first token was received.
func (s *Statistics) RecordFirstToken() {
	if s.FirstTokenTime.IsZero() {
		s.FirstTokenTime = time.Now()
		s.TTFT = s.FirstTokenTime.Sub(s.StartTime)
	}
}

// Finalize computes the final statistics.
func (s *Statistics) Finalize(tokenCount int) {
	s.EndTime = time.Now()
	s.CompletionTokens = tokenCount
	s.TotalDuration = s.EndTime.Sub(s.StartTime)

	if s.TotalDuration > 0 {
		s.TokensPerSecond = float64(tokenCount) / s.TotalDuration.Seconds()
	}
}

// Format returns a formatted string of the statistics.
// Format: "2.5s | 128 tokens | 51.2 tok/s | TTFT 234ms"
func (s *Statistics) Format() string {
	if s == nil || s.TotalDuration == 0 {
		return ""
	}
	return fmt.Sprintf("%.1fs | %d tokens | %.1f tok/s | TTFT %dms",
		s.TotalDuration.Seconds(),
		s.CompletionTokens,
		s.TokensPerSecond,
		s.TTFT.Milliseconds(),
	)
}
