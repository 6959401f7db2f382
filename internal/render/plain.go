// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"io"
	"strings"
	"sync"

	"github.com/jeranaias/rigrun-live/internal/classify"
	"github.com/jeranaias/rigrun-live/internal/reveal"
)

// Plain writes revealed text to a line-oriented writer. Each frame writes
// only what was not written before; a display that no longer extends the
// written text starts over on a new line. Documents are written once, as a
// preview, on their final frame.
// Thread-safe.
type Plain struct {
	mu      sync.Mutex
	w       io.Writer
	width   int
	written map[string]string
}

// NewPlain creates a line renderer writing to w.
func NewPlain(w io.Writer, width int) *Plain {
	if width <= 0 {
		width = defaultWidth
	}
	return &Plain{w: w, width: width, written: make(map[string]string)}
}

// Render implements reveal.Renderer.
func (p *Plain) Render(f reveal.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f.Shape == classify.Document {
		if !f.Final {
			return nil
		}
		delete(p.written, f.ID)
		_, err := io.WriteString(p.w, "\n"+Document(f.Text, p.width, true)+"\n")
		return err
	}

	prev := p.written[f.ID]
	var out string
	if strings.HasPrefix(f.Text, prev) {
		out = f.Text[len(prev):]
	} else {
		out = "\n" + f.Text
	}
	if f.Final {
		out += "\n"
		delete(p.written, f.ID)
	} else {
		p.written[f.ID] = f.Text
	}
	if out == "" {
		return nil
	}
	_, err := io.WriteString(p.w, out)
	return err
}

// Forget drops the partial line tracked for id.
func (p *Plain) Forget(id string) {
	p.mu.Lock()
	delete(p.written, id)
	p.mu.Unlock()
}
