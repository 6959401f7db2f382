// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-live/internal/classify"
	"github.com/jeranaias/rigrun-live/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports logs to Markdown.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a log to Markdown.
func (e *MarkdownExporter) Export(log *Log) ([]byte, error) {
	if log == nil {
		return nil, errors.New("log is nil")
	}
	if len(log.Entries) == 0 {
		return nil, errors.New("log has no entries")
	}

	var sb strings.Builder

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(log.Title))
		if log.Source != "" {
			fmt.Fprintf(&sb, "source: %s\n", log.Source)
		}
		fmt.Fprintf(&sb, "entries: %d\n", len(log.Entries))
		fmt.Fprintf(&sb, "exported: %s\n", log.ExportedAt.Format(time.RFC3339))
		sb.WriteString("generator: rigrun-live\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(log.Title))

	for i, entry := range log.Entries {
		label := entry.Role.DisplayName()
		if e.options.IncludeTimestamps && !entry.Timestamp.IsZero() {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", label, formatTimestamp(entry.Timestamp))
		} else {
			fmt.Fprintf(&sb, "### %s\n\n", label)
		}

		if content := formatContent(entry.Content); content != "" {
			sb.WriteString(content)
			sb.WriteString("\n\n")
		}

		for _, a := range entry.Attachments {
			name := a.Name
			if name == "" {
				name = a.URL
			}
			fmt.Fprintf(&sb, "- %s: [%s](%s)\n", a.Kind, escapeMarkdown(name), a.URL)
		}
		if len(entry.Attachments) > 0 {
			sb.WriteString("\n")
		}

		if status := entryStatus(entry); status != "" {
			fmt.Fprintf(&sb, "> *%s*\n\n", status)
		}

		if e.options.IncludeMetadata && entry.Stats != nil {
			if stats := formatStats(entry.Stats); stats != "" {
				sb.WriteString(stats)
				sb.WriteString("\n\n")
			}
		}

		if i < len(log.Entries)-1 {
			sb.WriteString("---\n\n")
		}
	}

	fmt.Fprintf(&sb, "\n---\n\n*Exported from rigrun-live on %s*\n",
		log.ExportedAt.Format("January 2, 2006 at 3:04 PM"))

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

// formatContent fences a bare markup document so viewers show its source.
func formatContent(content string) string {
	trimmed := strings.TrimSpace(content)
	if classify.Classify(trimmed) == classify.Document && classify.DocumentSource(trimmed) == trimmed {
		return "```html\n" + trimmed + "\n```"
	}
	return trimmed
}

func entryStatus(e model.Entry) string {
	switch {
	case e.Error != "":
		return "Generation failed: " + e.Error
	case e.Stopped:
		return "Stopped"
	case e.InProgress:
		return "Still generating"
	default:
		return ""
	}
}

func formatStats(s *model.Statistics) string {
	var parts []string
	if s.TTFT > 0 {
		parts = append(parts, "TTFT "+formatDuration(s.TTFT))
	}
	if s.TotalDuration > 0 {
		parts = append(parts, "total "+formatDuration(s.TotalDuration))
	}
	if s.CompletionTokens > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", s.CompletionTokens))
	}
	if s.TokensPerSecond > 0 {
		parts = append(parts, fmt.Sprintf("%.1f tok/s", s.TokensPerSecond))
	}
	if len(parts) == 0 {
		return ""
	}
	return "<sub>" + strings.Join(parts, " · ") + "</sub>"
}

var markdownEscaper = strings.NewReplacer(
	"\\", "\\\\", "*", "\\*", "_", "\\_", "`", "\\`",
	"[", "\\[", "]", "\\]", "#", "\\#",
)

// escapeMarkdown escapes characters with inline meaning in headings and
// link text.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// escapeYAML quotes s when it would not survive as a plain scalar.
func escapeYAML(s string) string {
	if s == "" || strings.ContainsAny(s, ":#'\"\n{}[],&*!|>%@`") {
		return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s) + `"`
	}
	return s
}
