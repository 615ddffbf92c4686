package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"netwatch/internal/engine"
	"netwatch/internal/store"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 1000
	maxReportBody   = 4 << 20
	probeTimeout    = 2 * time.Minute
)

func deviceID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// queryLimit reads ?limit=N, falling back to def and capping at maxLogLimit.
func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxLogLimit)
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.core.Devices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	dev, err := s.core.Device(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.logger.Error("get device", "err", err, "device_id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPICreateDevice(w http.ResponseWriter, r *http.Request) {
	var spec engine.DeviceSpec
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dev, err := s.registry.AddDevice(spec)
	if errors.Is(err, engine.ErrInvalidDevice) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("create device", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	err := s.registry.RemoveDevice(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.logger.Error("delete device", "err", err, "device_id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIDeviceLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	entries, err := s.core.Audit().Recent(id, queryLimit(r, defaultLogLimit))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.logger.Error("device logs", "err", err, "device_id", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []*store.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAPIDowntime(w http.ResponseWriter, r *http.Request) {
	entries, err := s.core.Audit().RecentGlobal(queryLimit(r, defaultLogLimit))
	if err != nil {
		s.logger.Error("downtime log", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []engine.DowntimeEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type simulationBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleAPIGetSimulation(w http.ResponseWriter, r *http.Request) {
	on, err := s.core.Store().Simulation()
	if err != nil {
		s.logger.Error("read simulation flag", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": on})
}

func (s *Server) handleAPISetSimulation(w http.ResponseWriter, r *http.Request) {
	var req simulationBody
	r.Body = http.MaxBytesReader(w, r.Body, 1<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	if err := s.registry.SetSimulation(*req.Enabled); err != nil {
		s.logger.Error("set simulation flag", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.logger.Info("simulation mode changed", "enabled", *req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

type reportResponse struct {
	Status string `json:"status"`
	engine.IngestResult
}

// handleAPIReport accepts an agent batch. Malformed elements are skipped
// silently; only a non-list body or an internal failure changes the status.
func (s *Server) handleAPIReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBody))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "report body too large")
		return
	}

	res, err := s.reconciler.IngestJSON(body)
	switch {
	case errors.Is(err, engine.ErrInvalidBatch):
		s.writeError(w, http.StatusBadRequest, "report must be a JSON list")
	case err != nil:
		s.logger.Error("ingest report", "err", err, "received", res.Received)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  "internal error",
			"detail": err.Error(),
		})
	default:
		s.writeJSON(w, http.StatusOK, reportResponse{Status: "ok", IngestResult: res})
	}
}

// handleAPIProbe runs one probe cycle now. A cycle already in flight is not
// duplicated; the response then has overlapped=true.
func (s *Server) handleAPIProbe(w http.ResponseWriter, r *http.Request) {
	if s.prober == nil {
		s.writeError(w, http.StatusServiceUnavailable, "prober not running")
		return
	}
	sim, err := s.core.Store().Simulation()
	if err != nil {
		s.logger.Warn("read simulation flag", "err", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	stats := s.prober.RunCycle(ctx, sim)
	status := http.StatusOK
	if stats.Overlapped {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, stats)
}
