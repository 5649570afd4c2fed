package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"provisiond/internal/orchestrator"
	"provisiond/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.GetState())
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Attempts())
}

type setupWifiRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) handleSetupWifi(w http.ResponseWriter, r *http.Request) {
	var req setupWifiRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err := s.orch.SubmitCredentials(req.SSID, req.Password)
	switch {
	case err == nil:
		s.logger.Info("wifi setup accepted", "ssid", req.SSID)
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, store.ErrInvalidCredentials):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "reason": "validation"})
	case errors.Is(err, orchestrator.ErrBusy):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "reason": "busy"})
	case errors.Is(err, orchestrator.ErrWrongState):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "reason": "wrong_state"})
	default:
		s.logger.Error("submit credentials", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.RequestManualReset(); err != nil {
		s.logger.Error("manual reset", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMiningReady(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.NotifyMiningReady(); err != nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHotspotInfo(w http.ResponseWriter, r *http.Request) {
	if s.hotspot == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "hotspot info not available"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clients, err := s.hotspot.ConnectedClients()
	if err != nil {
		s.logger.Warn("count hotspot clients", "err", err)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ssid":    s.hotspot.SSID(),
		"active":  s.hotspot.IsActive(ctx),
		"clients": clients,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
