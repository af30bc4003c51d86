package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/alerts"
	"github.com/opnmodem/hilinkd/pkg/config"
	"github.com/opnmodem/hilinkd/pkg/logx"
	"github.com/opnmodem/hilinkd/pkg/supervisor"
	"github.com/opnmodem/hilinkd/pkg/tstore"
)

// Server exposes the local management API: modem status and history,
// control commands, alert listing and acknowledgement, and configuration
// reload. It is a thin facade; all behavior lives in the supervisor, the
// store, and the alert engine.
type Server struct {
	cfg        config.APIConfig
	sup        *supervisor.Supervisor
	store      *tstore.Store
	engine     *alerts.Engine
	loadConfig func() (*config.Config, error)
	logger     *logx.Logger
	server     *http.Server
}

// NewServer builds the API server. loadConfig re-reads the configuration
// file for the reload endpoint.
func NewServer(cfg config.APIConfig, sup *supervisor.Supervisor, store *tstore.Store,
	engine *alerts.Engine, loadConfig func() (*config.Config, error), logger *logx.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		sup:        sup,
		store:      store,
		engine:     engine,
		loadConfig: loadConfig,
		logger:     logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/modems", s.handleListModems).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/modems/{uuid}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/modems/{uuid}/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/modems/{uuid}/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/modems/{uuid}/connect", s.handleCommand("connect")).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/modems/{uuid}/disconnect", s.handleCommand("disconnect")).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/modems/{uuid}/reboot", s.handleCommand("reboot")).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/alerts", s.handleListAlerts).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/alerts/{id}/ack", s.handleAcknowledge).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/reload", s.handleReload).Methods(http.MethodPost)

	s.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves the API in the background
func (s *Server) Start() {
	if !s.cfg.Enabled {
		return
	}
	go func() {
		s.logger.Info("API listening", "addr", s.cfg.Listen)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", "error", err)
		}
	}()
}

// Stop shuts the API down gracefully
func (s *Server) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown failed", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleListModems(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sup.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sup.Status(mux.Vars(r)["uuid"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	start, end, resolution, err := historyParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	samples, err := s.store.Query(mux.Vars(r)["uuid"], start, end, resolution)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"start":   start,
		"end":     end,
		"count":   len(samples),
		"samples": samples,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	start, end, resolution, err := historyParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	uuid := mux.Vars(r)["uuid"]
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s-%s.csv"`, uuid, start.UTC().Format("20060102")))
	if err := s.store.Export(w, uuid, start, end, resolution); err != nil {
		// Headers are out; the truncated body is all we can signal with
		s.logger.Error("CSV export failed", "modem", uuid, "error", err)
	}
}

func (s *Server) handleCommand(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid := mux.Vars(r)["uuid"]
		var result pkg.CommandResult
		switch name {
		case "connect":
			result = s.sup.Connect(r.Context(), uuid)
		case "disconnect":
			result = s.sup.Disconnect(r.Context(), uuid)
		case "reboot":
			result = s.sup.Reboot(r.Context(), uuid)
		}

		code := http.StatusOK
		switch {
		case result.Status == "pending":
			code = http.StatusAccepted
		case result.ErrorKind == pkg.KindBusy:
			code = http.StatusConflict
		case result.ErrorKind == pkg.KindConfig:
			code = http.StatusBadRequest
		case result.Status == "error":
			code = http.StatusBadGateway
		}
		s.writeJSON(w, code, result)
	}
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.engine.List(r.URL.Query().Get("modem"), activeOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(list),
		"alerts": list,
	})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.Acknowledge(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	next, err := s.loadConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sup.Reload(next); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pkg.OK())
}

// historyParams parses start/end/resolution query parameters with a
// default window of the last 24 hours
func historyParams(r *http.Request) (start, end time.Time, resolution time.Duration, err error) {
	q := r.URL.Query()
	end = time.Now()
	start = end.Add(-24 * time.Hour)

	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			return start, end, 0, pkg.ConfigError("history", fmt.Errorf("invalid start: %w", err))
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			return start, end, 0, pkg.ConfigError("history", fmt.Errorf("invalid end: %w", err))
		}
	}
	if v := q.Get("resolution_s"); v != "" {
		secs, perr := strconv.Atoi(v)
		if perr != nil || secs < 0 {
			return start, end, 0, pkg.ConfigError("history", fmt.Errorf("invalid resolution_s %q", v))
		}
		resolution = time.Duration(secs) * time.Second
	}
	if !end.After(start) {
		return start, end, 0, pkg.ConfigError("history", fmt.Errorf("end must be after start"))
	}
	return start, end, resolution, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to encode API response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch pkg.KindOf(err) {
	case pkg.KindConfig:
		code = http.StatusBadRequest
	case pkg.KindBusy:
		code = http.StatusConflict
	case pkg.KindNetwork:
		code = http.StatusBadGateway
	case pkg.KindAuth:
		code = http.StatusBadGateway
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
