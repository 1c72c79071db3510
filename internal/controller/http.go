package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"grimm.is/fleetwall/internal/firewall"
	"grimm.is/fleetwall/internal/host"
	"grimm.is/fleetwall/internal/tracing"
)

// TraceReader exposes captured trace entries. *tracing.Controller
// implements it.
type TraceReader interface {
	Entries(hostID string) []tracing.Entry
	Clear(hostID string)
	Session(hostID string) (tracing.SessionInfo, bool)
	Settings(hostID string) *firewall.TraceSettings
}

// TraceRequest is the body of an enable request.
type TraceRequest struct {
	Hooks       []string `json:"hooks"`
	Protocol    string   `json:"protocol,omitempty"`
	Ports       string   `json:"ports,omitempty"`
	Source      string   `json:"source,omitempty"`
	Destination string   `json:"destination,omitempty"`
}

// Settings parses the request.
func (r TraceRequest) Settings() (firewall.TraceSettings, error) {
	var s firewall.TraceSettings
	for _, name := range r.Hooks {
		h, err := firewall.ParseHook(name)
		if err != nil {
			return s, err
		}
		s.Hooks = append(s.Hooks, h)
	}
	proto, ok := firewall.ParseProtocol(r.Protocol)
	if !ok {
		return s, errors.New("unknown protocol " + r.Protocol)
	}
	s.Protocol = proto
	s.Ports = r.Ports
	s.Source = r.Source
	s.Destination = r.Destination
	return s, nil
}

// TraceStatus is a host's tracing state.
type TraceStatus struct {
	Session  *tracing.SessionInfo    `json:"session,omitempty"`
	Settings *firewall.TraceSettings `json:"settings,omitempty"`
	Entries  []tracing.Entry         `json:"entries"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, firewall.ErrInvalidRule):
		code = http.StatusBadRequest
	case errors.Is(err, tracing.ErrNotEnabled), errors.Is(err, host.ErrUnknownHost):
		code = http.StatusNotFound
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

// NewTraceHandler serves the tracing debug endpoints under /debug/trace/.
func NewTraceHandler(svc *Service, reader TraceReader) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /debug/trace/{host}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("host")
		st := TraceStatus{Settings: reader.Settings(id), Entries: reader.Entries(id)}
		if info, ok := reader.Session(id); ok {
			st.Session = &info
		}
		if st.Entries == nil {
			st.Entries = []tracing.Entry{}
		}
		writeJSON(w, http.StatusOK, st)
	})

	mux.HandleFunc("PUT /debug/trace/{host}", func(w http.ResponseWriter, r *http.Request) {
		var req TraceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		settings, err := req.Settings()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		info, err := svc.EnableTracing(r.Context(), r.PathValue("host"), settings)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	})

	mux.HandleFunc("DELETE /debug/trace/{host}", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DisableTracing(r.PathValue("host")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /debug/trace/{host}/entries", func(w http.ResponseWriter, r *http.Request) {
		reader.Clear(r.PathValue("host"))
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}
