// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-live/internal/model"
	"github.com/jeranaias/rigrun-live/internal/producer"
	"github.com/jeranaias/rigrun-live/internal/store"
	"github.com/jeranaias/rigrun-live/internal/util"
)

// ============================================================================
// API TYPES
// ============================================================================

// ListResponse is the body of GET /v1/entries.
type ListResponse struct {
	Items []model.Entry `json:"items"`
	Total int           `json:"total"`
}

// AppendRequest is the body of POST /v1/entries.
type AppendRequest struct {
	Role        string             `json:"role"`
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	// Generate starts an assistant reply after the appended entry.
	Generate bool `json:"generate"`
}

// AppendResponse is the body returned by POST /v1/entries.
type AppendResponse struct {
	Entry model.Entry  `json:"entry"`
	Reply *model.Entry `json:"reply,omitempty"`
}

// ReplaceRequest is the body of PUT /v1/entries/{index}.
type ReplaceRequest struct {
	Content string `json:"content"`
}

// RangeDeleteResponse is the body returned by DELETE /v1/entries.
type RangeDeleteResponse struct {
	Deleted int      `json:"deleted"`
	IDs     []string `json:"ids"`
}

// Error types reported in ErrorBody.Type.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeNotFound       = "not_found_error"
	ErrTypeConflict       = "conflict_error"
	ErrTypeUnavailable    = "unavailable_error"
	ErrTypeInternal       = "internal_error"
	ErrTypeRateLimit      = "rate_limit_error"
)

// ============================================================================
// QUERIES
// ============================================================================

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "offset must be a non-negative integer")
		return
	}
	limit, err := intParam(q.Get("limit"), DefaultPageSize)
	if err != nil || limit < 0 {
		s.writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "limit must be a non-negative integer")
		return
	}
	limit = min(limit, MaxPageSize)

	items, total, err := s.svc.List(r.Context(), offset, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []model.Entry{}
	}
	s.writeJSON(w, http.StatusOK, ListResponse{Items: items, Total: total})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

// ============================================================================
// MUTATIONS
// ============================================================================

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if !s.decode(w, r, &req) {
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, err.Error())
		return
	}
	if util.RuneLen(req.Content) > MaxContentLength {
		s.writeError(w, http.StatusRequestEntityTooLarge, ErrTypeInvalidRequest,
			fmt.Sprintf("content exceeds %d characters", MaxContentLength))
		return
	}

	added, reply, err := s.svc.Append(r.Context(), role, req.Content, req.Attachments, req.Generate)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.stats.Appends.Add(1)
	s.writeJSON(w, http.StatusCreated, AppendResponse{Entry: added, Reply: reply})
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	index, ok := s.indexParam(w, r)
	if !ok {
		return
	}
	var req ReplaceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if util.RuneLen(req.Content) > MaxContentLength {
		s.writeError(w, http.StatusRequestEntityTooLarge, ErrTypeInvalidRequest,
			fmt.Sprintf("content exceeds %d characters", MaxContentLength))
		return
	}

	updated, err := s.svc.Replace(r.Context(), index, req.Content)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.stats.Edits.Add(1)
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	index, ok := s.indexParam(w, r)
	if !ok {
		return
	}
	removed, err := s.svc.Delete(r.Context(), index)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.stats.Deletes.Add(1)
	s.writeJSON(w, http.StatusOK, removed)
}

func (s *Server) handleDeleteRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := strconv.Atoi(q.Get("start"))
	if err != nil || start < 0 {
		s.writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "start must be a non-negative integer")
		return
	}
	count, err := strconv.Atoi(q.Get("count"))
	if err != nil || count < 0 {
		s.writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "count must be a non-negative integer")
		return
	}

	removed, err := s.svc.DeleteRange(r.Context(), start, count)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	ids := make([]string, len(removed))
	for i, e := range removed {
		ids[i] = e.ID
	}
	s.stats.Deletes.Add(int64(len(removed)))
	s.writeJSON(w, http.StatusOK, RangeDeleteResponse{Deleted: len(removed), IDs: ids})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	index, ok := s.indexParam(w, r)
	if !ok {
		return
	}
	updated, err := s.svc.Regenerate(r.Context(), index)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.stats.Regenerations.Add(1)
	s.writeJSON(w, http.StatusAccepted, updated)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Stop(r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.stats.Stops.Add(1)
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// REQUEST HELPERS
// ============================================================================

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, ErrTypeInvalidRequest, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		s.writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "index must be a non-negative integer")
		return 0, false
	}
	return index, true
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// writeServiceError maps a service error onto a status code.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case store.IsNotFound(err), store.IsOutOfRange(err):
		s.writeError(w, http.StatusNotFound, ErrTypeNotFound, err.Error())
	case errors.Is(err, producer.ErrNotAssistant), errors.Is(err, producer.ErrNotGenerating):
		s.writeError(w, http.StatusConflict, ErrTypeConflict, err.Error())
	case errors.Is(err, producer.ErrServiceClosed):
		s.writeError(w, http.StatusServiceUnavailable, ErrTypeUnavailable, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, ErrTypeInternal, "internal error")
	}
}
