package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/diarist/internal/engine"
)

// maxBodyBytes bounds request bodies. Entries are capped well below this.
const maxBodyBytes = 1 << 20

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text   string `json:"text"`
		Source string `json:"source"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := s.engine.EnqueueEntry(r.Context(), req.Text, req.Source)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	st, err := s.engine.EntryStatus(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunJobs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit          int    `json:"limit"`
		Backend        string `json:"backend"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := s.engine.RunJobs(r.Context(), engine.RunOptions{
		Limit:   req.Limit,
		Backend: req.Backend,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.PipelineStats(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.engine.Backfill(r.Context(), req.Limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.engine.Cards(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(cards),
		"cards": cards,
	})
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.engine.Card(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if card == nil {
		writeError(w, http.StatusNotFound, "card not found")
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleCardHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.CardHistory(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if h.Card == nil && len(h.Ops) == 0 {
		writeError(w, http.StatusNotFound, "card not found")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleCardReplay(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.ReplayCard(chi.URLParam(r, "key"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.engine.Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "cloud sync not configured")
		return
	}
	var req struct {
		SourceID string `json:"source_id"`
		Limit    int    `json:"limit"`
		Order    string `json:"order"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SourceID != "" && s.engine.Syncer.Dir() == "" {
		writeError(w, http.StatusBadRequest, "sync.dir must be set to sync a named source over http")
		return
	}
	report, err := s.engine.SyncSource(r.Context(), req.SourceID, req.Limit, req.Order)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.SyncState(r.Context(), r.URL.Query().Get("source_id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSyncReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string `json:"source_id"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.engine.ResetSync(r.Context(), req.SourceID, req.Reason); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
