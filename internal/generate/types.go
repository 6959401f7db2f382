// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generate

import (
	"context"
	"strings"

	"github.com/jeranaias/rigrun-live/internal/model"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message is one turn of conversation context sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one generation.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
}

// Prompt flattens the messages for completion-style endpoints.
func (r Request) Prompt() string {
	var b strings.Builder
	for i, m := range r.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if m.Role != "" && m.Role != string(model.RoleUser) {
			b.WriteString(m.Role)
			b.WriteString(": ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// MessagesFromEntries converts log entries into request context, skipping
// empty and failed entries.
func MessagesFromEntries(entries []model.Entry) []Message {
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		if e.IsEmpty() || e.Error != "" {
			continue
		}
		msgs = append(msgs, Message{Role: string(e.Role), Content: e.Content})
	}
	return msgs
}

// =============================================================================
// STREAM TYPES
// =============================================================================

// Chunk is one increment of a generation.
type Chunk struct {
	// Delta is appended text. May be empty for side-channel-only chunks.
	Delta string
	// Media carries side-channel references produced alongside the text.
	Media []model.Attachment

	Done       bool
	DoneReason string
	Model      string

	// Set on the final chunk when the server reports them.
	PromptTokens     int
	CompletionTokens int
}

// Callback receives chunks in arrival order.
type Callback func(Chunk)

// Source provides a cancellable chunked read of generated text.
type Source interface {
	// Stream blocks until the generation ends. A cancelled ctx yields an
	// error matching ErrCancelled.
	Stream(ctx context.Context, req Request, fn Callback) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request, fn Callback) error

// Stream calls f.
func (f SourceFunc) Stream(ctx context.Context, req Request, fn Callback) error {
	return f(ctx, req, fn)
}

// =============================================================================
// WIRE FORMATS
// =============================================================================

// mediaRef is the side-channel media shape accepted in both framings.
type mediaRef struct {
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	MIMEType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

func toAttachments(refs []mediaRef) []model.Attachment {
	if len(refs) == 0 {
		return nil
	}
	out := make([]model.Attachment, 0, len(refs))
	for _, r := range refs {
		if r.URL == "" {
			continue
		}
		out = append(out, model.Attachment{Kind: r.Kind, URL: r.URL, MIMEType: r.MIMEType, Name: r.Name})
	}
	return out
}

// ndjsonLine covers both /api/chat (message.content) and /api/generate
// (response) lines.
type ndjsonLine struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Response        string     `json:"response"`
	Media           []mediaRef `json:"media,omitempty"`
	Done            bool       `json:"done"`
	DoneReason      string     `json:"done_reason,omitempty"`
	PromptEvalCount int        `json:"prompt_eval_count,omitempty"`
	EvalCount       int        `json:"eval_count,omitempty"`
	Error           string     `json:"error,omitempty"`
}

func (l *ndjsonLine) chunk() Chunk {
	delta := l.Message.Content
	if delta == "" {
		delta = l.Response
	}
	return Chunk{
		Delta:            delta,
		Media:            toAttachments(l.Media),
		Done:             l.Done,
		DoneReason:       l.DoneReason,
		Model:            l.Model,
		PromptTokens:     l.PromptEvalCount,
		CompletionTokens: l.EvalCount,
	}
}

// sseEvent is one OpenAI chat.completion.chunk.
type sseEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Media []mediaRef `json:"media,omitempty"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

func (e *sseEvent) chunk() Chunk {
	c := Chunk{Model: e.Model, Media: toAttachments(e.Media)}
	if len(e.Choices) > 0 {
		ch := e.Choices[0]
		c.Delta = ch.Delta.Content
		if c.Delta == "" {
			c.Delta = ch.Message.Content
		}
		c.DoneReason = ch.FinishReason
		c.Done = ch.FinishReason != ""
	}
	if e.Usage != nil {
		c.PromptTokens = e.Usage.PromptTokens
		c.CompletionTokens = e.Usage.CompletionTokens
	}
	return c
}
