package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/xtxerr/sensorcache/internal/errors"
	"github.com/xtxerr/sensorcache/internal/metrics"
	"github.com/xtxerr/sensorcache/internal/query"
	"github.com/xtxerr/sensorcache/internal/validation"
)

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+s.cfg.WSPath, s.handleWebsocket)
	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.HandleFunc("GET /query", s.handleQuery)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /latest", s.handleLatest)
	mux.HandleFunc("GET /fields", s.handleFields)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.cfg.Registry != nil && s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, metrics.Handler(s.cfg.Registry))
	}
	return mux
}

// =============================================================================
// Websocket
// =============================================================================

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	t := newWSTransport(conn, s.cfg.MaxMessageSize, s.cfg.WriteTimeout)
	log.Debug("websocket connected", "remote", t.RemoteAddr())

	err = s.handler.Serve(r.Context(), t)
	log.Debug("websocket disconnected", "remote", t.RemoteAddr(), "reason", err)
}

// =============================================================================
// One-shot Endpoints
// =============================================================================

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageSize))
	if err != nil {
		writeError(w, errors.NewMalformed(errors.ErrMalformedBatch, "read body: %v", err))
		return
	}

	res, err := s.ingest.IngestJSON(r.Context(), metrics.TransportHTTP, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleQuery answers a range query. GET takes fields (comma separated),
// start and end parameters; POST takes a JSON body.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req query.RangeRequest

	if r.Method == http.MethodPost {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageSize))
		if err := dec.Decode(&req); err != nil {
			writeError(w, errors.NewMalformed(errors.ErrInvalidRequest, "decode query: %v", err))
			return
		}
	} else {
		q := r.URL.Query()
		req.Fields = splitFields(q.Get("fields"))
		var err error
		if req.Start, err = parseFloatParam(q.Get("start")); err != nil {
			writeError(w, err)
			return
		}
		if req.End, err = parseFloatParam(q.Get("end")); err != nil {
			writeError(w, err)
			return
		}
	}

	rows, err := s.engine.Range(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	fields := splitFields(r.URL.Query().Get("fields"))
	for _, f := range fields {
		if err := validation.ValidateFieldName(f); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.engine.Latest(fields))
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"fields": s.engine.Fields()})
}

// handleStats returns server statistics, or the summary of one field when a
// field parameter is given (window: seconds parameter, default all samples).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if field := q.Get("field"); field != "" {
		seconds, err := parseFloatParam(q.Get("seconds"))
		if err != nil {
			writeError(w, err)
			return
		}
		summary, err := s.engine.Stats(field, seconds)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	stats := map[string]any{
		"store":     s.engine.Store().Stats(),
		"ingestion": s.ingest.Stats(),
		"query":     s.engine.Statistics(),
	}
	if hub := s.handler.Hub(); hub != nil {
		stats["sessions"] = map[string]int{
			"total":          hub.Count(),
			"active":         hub.CountActive(),
			"indexed_fields": hub.IndexedFields(),
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok\n")
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return validation.NormalizeFieldList(strings.Split(s, ","))
}

func parseFloatParam(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.NewMalformed(errors.ErrInvalidRequest, "parse %q: %v", s, err)
	}
	return v, nil
}
