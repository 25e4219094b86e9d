package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/jkaflik/hass-sampler/internal/entry"
	"github.com/jkaflik/hass-sampler/internal/sampler"
)

// EntryResponse is an entry with the current state of its sensor, if running.
type EntryResponse struct {
	entry.Entry
	State *sampler.State `json:"state,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: s.version})
}

func (s *Server) handleConfigSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, entry.ConfigSchema())
}

func (s *Server) handleOptionsSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, entry.OptionsSchema())
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.entries.List(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}

	resp := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, s.entryResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var in entry.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	e, err := s.entries.Create(r.Context(), in)
	if err != nil {
		s.writeEntryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.entryResponse(*e))
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.entries.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEntryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.entryResponse(*e))
}

func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	var in entry.OptionsInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	e, err := s.entries.UpdateOptions(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeEntryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.entryResponse(*e))
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.entries.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEntryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) entryResponse(e entry.Entry) EntryResponse {
	resp := EntryResponse{Entry: e}
	if s.states != nil {
		if st, ok := s.states.Snapshot(e.ID); ok {
			resp.State = &st
		}
	}
	return resp
}

func (s *Server) writeEntryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, entry.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "entry not found")
	case errors.Is(err, entry.ErrEntityNotFound), errors.Is(err, entry.ErrNotSensor):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidEntity, err.Error())
	case errors.Is(err, entry.ErrInvalidName),
		errors.Is(err, entry.ErrInvalidEntity),
		errors.Is(err, entry.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		writeInternalError(w, r, err)
	}
}
