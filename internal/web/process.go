package web

import (
	"net/http"
	"strconv"

	"github.com/robertosilvah/rdtmgr/internal/process"
	"github.com/robertosilvah/rdtmgr/internal/shift"
	"github.com/robertosilvah/rdtmgr/internal/view"
)

func (s *Server) routeProcess(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/process", s.handleProcesses)
	mux.HandleFunc("POST /api/process/{id}", s.handleQuery)
	mux.HandleFunc("POST /api/process/{id}/product/{productId}", s.handleStandard)
	mux.HandleFunc("POST /api/process/{id}/scrap/{amount}", s.handleScrap)
	mux.HandleFunc("POST /api/process/{id}/refresh", s.handleRefresh)
}

// handleProcesses returns the live state of every line that has one.
func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	lines, err := s.lines.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]view.StateView, 0, len(lines))
	for _, l := range lines {
		if l.HasState {
			out = append(out, view.State(l.Snapshot, l.Shifts))
		}
	}
	if len(out) == 0 {
		writeJSON(w, http.StatusNotFound, view.Error{Error: "couldn't find any process"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// queryBody selects a window. Start and end win over date; shift picks a
// rotation position on date.
type queryBody struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Date     string `json:"date"`
	Shift    *int   `json:"shift"`
	ClientID string `json:"clientId"`
}

func (b queryBody) request() (process.QueryRequest, error) {
	var req process.QueryRequest
	if b.Start != "" && b.End != "" {
		start, err := parseTime("start", b.Start)
		if err != nil {
			return req, err
		}
		end, err := parseTime("end", b.End)
		if err != nil {
			return req, err
		}
		if !end.After(start) {
			return req, badRequest("end must be after start")
		}
		iv := shift.Range(start, end)
		req.Range = &iv
	}
	if b.Date != "" {
		day, err := parseTime("date", b.Date)
		if err != nil {
			return req, err
		}
		req.Date = day
	}
	if b.Shift != nil {
		if *b.Shift < 0 {
			return req, badRequest("shift must not be negative")
		}
		pos := *b.Shift
		req.Shift = &pos
	}
	return req, nil
}

// handleQuery returns the state of a line for a window and tells the hub
// whether the calling client should keep receiving live pushes for it.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body queryBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.request()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.lines.Query(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.ClientID != "" && s.realtime != nil {
		if !s.realtime.SetRealtime(body.ClientID, id, res.Realtime) {
			s.log.Debug("unknown websocket client", "client", body.ClientID)
		}
	}
	writeJSON(w, http.StatusOK, view.State(res.Snapshot, res.Shifts))
}

func (s *Server) handleStandard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	productID, err := pathID(r, "productId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	std, err := s.lines.SetStandard(r.Context(), id, productID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("standard assigned", "location", id, "product", productID, "standard", std.ID)
	writeJSON(w, http.StatusOK, std)
}

func (s *Server) handleScrap(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := strconv.Atoi(r.PathValue("amount"))
	if err != nil || amount < 0 {
		s.writeError(w, r, badRequest("amount %q is not valid", r.PathValue("amount")))
		return
	}
	if err := s.lines.SetScrap(r.Context(), id, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleRefresh pushes the full state of a line to websocket clients.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.lines.Refresh(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
