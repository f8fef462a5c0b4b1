package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ucmmonitor/ucmmonitor/internal/correlator"
	"github.com/ucmmonitor/ucmmonitor/internal/database"
	"github.com/ucmmonitor/ucmmonitor/internal/database/models"
)

type dialRequest struct {
	Extension string `json:"extension"`
	Number    string `json:"number"`
}

type dialResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// handleDial originates an outbound call from extension to number via the
// click-to-dial client. Its response is a bare {ok, message} object, not
// wrapped in the data envelope the other routes use.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	respond := func(status int, resp dialResponse) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to encode dial response", "error", err)
		}
	}

	var req dialRequest
	if msg := readJSON(r, &req); msg != "" {
		respond(http.StatusBadRequest, dialResponse{OK: false, Message: msg})
		return
	}
	if req.Extension == "" || req.Number == "" {
		respond(http.StatusBadRequest, dialResponse{OK: false, Message: "extension and number are required"})
		return
	}

	if err := s.dialer.Dial(r.Context(), req.Extension, req.Number); err != nil {
		slog.Error("click-to-dial failed", "extension", req.Extension, "error", err)
		respond(http.StatusBadGateway, dialResponse{OK: false, Message: err.Error()})
		return
	}

	respond(http.StatusOK, dialResponse{OK: true, Message: "dialing"})
}

// handleActiveCalls returns a snapshot of the Active-State Store: the calls
// currently ringing or connected.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	snapshot := s.active.Snapshot()
	if snapshot == nil {
		snapshot = []correlator.CallSnapshot{}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleCallLog returns the durable call-history log, optionally filtered
// by direction and paginated.
func (s *Server) handleCallLog(w http.ResponseWriter, r *http.Request) {
	page, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	filter := database.CallLogFilter{
		Direction: r.URL.Query().Get("direction"),
		Limit:     page.Limit,
		Offset:    page.Offset,
	}

	entries, total, err := s.callLogs.List(r.Context(), filter)
	if err != nil {
		slog.Error("listing call log", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []models.CallLogEntry{}
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  entries,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// handleLookup resolves a caller-id number to a display name via the
// directory collaborator.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}

	name, ok, err := s.directory.Lookup(r.Context(), number)
	if err != nil {
		slog.Error("directory lookup failed", "number", number, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"number": number,
		"name":   name,
		"found":  ok,
	})
}
