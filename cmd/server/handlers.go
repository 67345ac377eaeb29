package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
)

// handleInsert handles POST /api/v1/cards
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var card cardbase.Card
	if err := readJSONBody(r, &card); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	stored, err := s.backend.InsertElement(r.Context(), &card)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, stored)
}

// handleUpsert handles PUT /api/v1/cards
func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var card cardbase.Card
	if err := readJSONBody(r, &card); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	stored, err := s.backend.UpsertElement(r.Context(), &card)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, stored)
}

// handleGetByID handles GET /api/v1/cards/{id}?type=...
func (s *Server) handleGetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid id: %v", err))
		return
	}
	card, err := s.backend.GetElementByID(r.Context(), id, cardbase.GetOptions{Type: r.URL.Query().Get("type")})
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeCard(w, card)
}

// handleGetBySlug handles GET /api/v1/slugs/{slug@version}?type=...
func (s *Server) handleGetBySlug(w http.ResponseWriter, r *http.Request) {
	card, err := s.backend.GetElementBySlug(r.Context(), r.PathValue("slug"), cardbase.GetOptions{Type: r.URL.Query().Get("type")})
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeCard(w, card)
}

type batchRequest struct {
	IDs  []uuid.UUID `json:"ids"`
	Type string      `json:"type"`
}

// handleGetByIDs handles POST /api/v1/cards/batch
func (s *Server) handleGetByIDs(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	cards, err := s.backend.GetElementsByID(r.Context(), req.IDs, cardbase.GetOptions{Type: req.Type})
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, cards)
}

type queryRequest struct {
	Schema  map[string]any `json:"schema"`
	Options map[string]any `json:"options"`
}

// handleQuery handles POST /api/v1/query
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	opts, err := cardbase.ParseQueryOptions(req.Options, s.maxLimit)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	cards, err := s.backend.Query(r.Context(), req.Schema, opts)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, cards)
}

// handleStream handles POST /api/v1/stream as server-sent events. The
// stream closes when the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	stream, err := s.backend.Stream(r.Context(), req.Schema)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range stream.Events() {
		var payload any
		switch ev.Type {
		case cardbase.StreamEventData:
			payload = ev.Change
		case cardbase.StreamEventError:
			payload = APIResponse{Success: false, Error: ev.Err.Error()}
		case cardbase.StreamEventClosed:
			payload = map[string]any{}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			zap.S().Warnw("encode stream event failed", "stream", stream.ID(), "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, encoded); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, s.backend.GetStatus())
}
