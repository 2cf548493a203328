package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sanonone/kektorvec/pkg/core/types"
	"github.com/sanonone/kektorvec/pkg/engine"
	"github.com/sanonone/kektorvec/pkg/query"
)

// maxBodyBytes bounds request bodies; a 1536-dim vector in JSON is ~30KB.
const maxBodyBytes = 8 << 20

// registerHTTPHandlers sets up the REST routes.
func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /vectors", s.handleVectorAdd)
	mux.HandleFunc("GET /vectors/{id}", s.handleVectorGet)
	mux.HandleFunc("DELETE /vectors/{id}", s.handleVectorDelete)
	mux.HandleFunc("POST /search", s.handleSearch)

	mux.HandleFunc("POST /system/compact", s.handleCompact)
	mux.HandleFunc("POST /system/save", s.handleSave)
	mux.HandleFunc("GET /system/stats", s.handleStats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Vectors ---

func (s *Server) handleVectorAdd(w http.ResponseWriter, r *http.Request) {
	var req VectorAddRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	var (
		id  uint64
		err error
	)
	switch {
	case req.Vector != nil && req.Text != "":
		s.writeHTTPError(w, http.StatusBadRequest, "set either vector or text, not both")
		return
	case req.Vector != nil:
		id, err = s.Engine.Insert(req.Vector, req.Metadata)
	case req.Text != "":
		id, err = s.Engine.InsertText(r.Context(), s.embedder, req.Text, req.Metadata)
	default:
		s.writeHTTPError(w, http.StatusBadRequest, "vector or text is required")
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusCreated, VectorAddResponse{ID: id})
}

func (s *Server) handleVectorGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.Engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, VectorResponse{
		ID:       rec.ID,
		Vector:   rec.Vector,
		Metadata: rec.Metadata,
	})
}

func (s *Server) handleVectorDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	deleted, err := s.Engine.Delete(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !deleted {
		s.writeHTTPError(w, http.StatusNotFound, "vector not found")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// --- Search ---

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	filter, err := query.ParseFilter(req.Filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	vec := req.Vector
	switch {
	case vec != nil && req.Text != "":
		s.writeHTTPError(w, http.StatusBadRequest, "set either vector or text, not both")
		return
	case vec == nil && req.Text == "":
		s.writeHTTPError(w, http.StatusBadRequest, "vector or text is required")
		return
	case vec == nil:
		if vec, err = engine.Embed(r.Context(), s.embedder, req.Text); err != nil {
			s.writeEngineError(w, err)
			return
		}
	}

	results, err := s.Engine.Search(r.Context(), query.Request{
		Vector:   vec,
		K:        req.K,
		EfSearch: req.EfSearch,
		Filter:   filter,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if results == nil {
		results = []types.Result{}
	}
	s.writeHTTPResponse(w, http.StatusOK, SearchResponse{Results: results})
}

// --- System ---

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	removed, err := s.Engine.Compact()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Save(); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, s.Engine.Stats())
}

// --- Helpers for HTTP responses ---

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		s.writeHTTPError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	s.writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}

// writeEngineError maps the engine error taxonomy to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	s.writeHTTPError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrDimensionMismatch), errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrEmptyIndex):
		return http.StatusConflict
	case errors.Is(err, types.ErrEmbeddingUnavailable), errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
