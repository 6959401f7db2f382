// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package producer

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/diff"
	"github.com/jeranaias/rigrun-live/internal/generate"
	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/store"
	"github.com/jeranaias/rigrun-live/internal/transport"
)

// stream is the per-generation accumulator.
type stream struct {
	id      string
	buf     *Buffer
	enc     *diff.Encoder
	content strings.Builder
	media   []model.Attachment
	fresh   []model.Attachment // media not yet published
	stats   *model.Statistics
	tokens  int
	counted int // completion tokens reported by the server
	gone    bool
}

// run streams one generation into entry id until the source finishes, the
// generation is cancelled, or the entry disappears.
func (s *Service) run(ctx context.Context, id string, req generate.Request) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &stream{
		id:    id,
		buf:   NewBuffer(s.flushRate()),
		enc:   diff.NewEncoder(),
		stats: model.NewStatistics(),
	}

	chunks := make(chan generate.Chunk, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- s.src.Stream(ctx, req, func(c generate.Chunk) {
			select {
			case chunks <- c:
			case <-ctx.Done():
			}
		})
		close(chunks)
	}()

	ticker := time.NewTicker(st.buf.Interval())
	defer ticker.Stop()

	for open := true; open; {
		select {
		case c, ok := <-chunks:
			if !ok {
				open = false
				break
			}
			st.accept(c)
			if st.buf.Due() || len(st.fresh) > 0 {
				s.flush(ctx, st, false)
			}
		case <-ticker.C:
			s.flush(ctx, st, false)
		}
		if st.gone {
			cancel()
		}
	}

	err := <-errc
	s.flush(ctx, st, true)
	if st.gone {
		s.logger.Debug("entry removed during generation", zap.String("id", id))
		return
	}
	s.finish(st, err)
}

// accept folds one chunk into the stream state.
func (st *stream) accept(c generate.Chunk) {
	if c.Delta != "" {
		st.stats.RecordFirstToken()
		st.tokens++
		st.buf.Write(c.Delta)
	}
	if len(c.Media) > 0 {
		st.media = model.MergeAttachments(st.media, c.Media)
		st.fresh = append(st.fresh, c.Media...)
	}
	if c.CompletionTokens > 0 {
		st.counted = c.CompletionTokens
	}
}

// flush persists the accumulated content and publishes the slice that
// brings consumers up to date.
func (s *Service) flush(ctx context.Context, st *stream, force bool) {
	if st.gone {
		return
	}
	var text string
	var ok bool
	if force {
		text, ok = st.buf.ForceFlush()
	} else {
		text, ok = st.buf.Flush()
	}
	if !ok && len(st.fresh) == 0 {
		return
	}
	st.content.WriteString(text)
	full := st.content.String()

	// Persisting must survive cancellation so stopped entries keep their text.
	sctx := context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.store.Get(sctx, st.id)
	if err != nil {
		if store.IsNotFound(err) {
			st.gone = true
			return
		}
		s.logger.Warn("load entry failed", zap.String("id", st.id), zap.Error(err))
		return
	}
	cur.Content = full
	cur.Attachments = model.MergeAttachments(cur.Attachments, st.media)
	cur.InProgress = true
	if _, err := s.store.ReplaceID(sctx, st.id, cur); err != nil {
		s.logger.Warn("persist partial content failed", zap.String("id", st.id), zap.Error(err))
	}

	var slices []diff.Slice
	if slice, changed := st.enc.Next(full); changed {
		slices = append(slices, slice)
	}
	if len(slices) == 0 && len(st.fresh) == 0 {
		return
	}
	s.pub.Publish(transport.StreamUpdate(st.id, slices, st.fresh))
	st.fresh = nil
}

// finish records the outcome and publishes the final entry.
func (s *Service) finish(st *stream, err error) {
	tokens := st.tokens
	if st.counted > 0 {
		tokens = st.counted
	}
	st.stats.Finalize(tokens)

	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, gerr := s.store.Get(ctx, st.id)
	if gerr != nil {
		if !store.IsNotFound(gerr) {
			s.logger.Warn("load entry failed", zap.String("id", st.id), zap.Error(gerr))
		}
		return
	}
	cur.Content = st.content.String()
	cur.Attachments = model.MergeAttachments(cur.Attachments, st.media)
	cur.InProgress = false
	cur.Stats = st.stats

	switch {
	case err == nil:
		s.logger.Info("generation complete",
			zap.String("id", st.id),
			zap.Int("tokens", tokens),
			zap.Duration("ttft", st.stats.TTFT),
			zap.Float64("tokens_per_sec", st.stats.TokensPerSecond))
	case generate.IsCancelled(err):
		cur.Stopped = true
		s.logger.Info("generation stopped", zap.String("id", st.id), zap.Int("tokens", tokens))
	default:
		cur.Error = err.Error()
		s.logger.Warn("generation failed", zap.String("id", st.id), zap.Error(err))
	}

	updated, rerr := s.store.ReplaceID(ctx, st.id, cur)
	if rerr != nil {
		s.logger.Warn("persist final entry failed", zap.String("id", st.id), zap.Error(rerr))
		return
	}
	s.pub.Publish(transport.EntryReplaced(updated.Index, updated))
}
