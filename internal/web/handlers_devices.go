package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"lockhub/internal/fleet"
)

func (s *Server) handleScanState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"scanning": s.orch.Scanning()})
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StartScan(r.Context()); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"scanning": true})
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StopScan(r.Context()); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"scanning": false})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Devices())
}

func (s *Server) handleListUnpaired(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.UnpairedDevices())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	info, err := s.orch.Device(addr)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePairDevice(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if err := s.orch.Pair(r.Context(), addr); err != nil {
		s.writeOpError(w, err)
		return
	}
	info, err := s.orch.Device(addr)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name must not be empty"})
		return
	}
	if len(req.Name) > 64 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name limited to 64 characters"})
		return
	}

	if err := s.orch.Rename(addr, req.Name); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": req.Name})
}

func (s *Server) handleResetDevice(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if err := s.orch.Reset(r.Context(), addr); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLockDevice(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if err := s.orch.Lock(r.Context(), addr); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUnlockDevice(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if err := s.orch.Unlock(r.Context(), addr); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type autoLockRequest struct {
	Seconds int `json:"seconds"`
}

func (s *Server) handleSetAutoLock(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")

	var req autoLockRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Seconds < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "seconds must not be negative"})
		return
	}

	if err := s.orch.SetAutoLock(r.Context(), addr, time.Duration(req.Seconds)*time.Second); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"seconds": req.Seconds})
}

type audioRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetAudio(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")

	var req audioRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.orch.SetAudio(r.Context(), addr, req.Enabled); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleOperationLog(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	fresh := r.URL.Query().Get("fresh") == "1"

	entries, err := s.orch.OperationLog(r.Context(), addr, fresh)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if entries == nil {
		entries = []fleet.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}
