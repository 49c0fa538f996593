package server

import (
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/controlplane/auth"
)

// configRequest is the user-writable part of an alert config.
type configRequest struct {
	Name             string               `json:"name"`
	TriggerSource    alerts.TriggerSource `json:"trigger_source"`
	Condition        alerts.Condition     `json:"condition"`
	Threshold        float64              `json:"threshold"`
	DeliveryChannels []alerts.Channel     `json:"delivery_channels"`
	WebhookURL       string               `json:"webhook_url,omitempty"`
	EmailAddress     string               `json:"email_address,omitempty"`
	// IsActive defaults to true on create and is unchanged on update when
	// omitted.
	IsActive *bool `json:"is_active,omitempty"`
}

func (req configRequest) apply(cfg alerts.AlertConfig) alerts.AlertConfig {
	cfg.Name = req.Name
	cfg.TriggerSource = req.TriggerSource
	cfg.Condition = req.Condition
	cfg.Threshold = req.Threshold
	cfg.DeliveryChannels = req.DeliveryChannels
	cfg.WebhookURL = req.WebhookURL
	cfg.EmailAddress = req.EmailAddress
	if req.IsActive != nil {
		cfg.IsActive = *req.IsActive
	}
	return cfg
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.configStore.ListByOwner(r.Context(), auth.SubjectFromContext(r.Context()))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if configs == nil {
		configs = []alerts.AlertConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg := req.apply(alerts.AlertConfig{
		OwnerID:  auth.SubjectFromContext(r.Context()),
		IsActive: true,
	})
	created, err := s.configStore.Create(r.Context(), cfg)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("alert config created",
		zap.String("config_id", created.ID),
		zap.String("owner_id", created.OwnerID))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.ownedConfig(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.ownedConfig(w, r)
	if !ok {
		return
	}
	var req configRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.configStore.Update(r.Context(), req.apply(existing))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.configStore.Delete(r.Context(), auth.SubjectFromContext(r.Context()), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("alert config deleted", zap.String("config_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleConfigSecret reveals the webhook signing secret of a config.
func (s *Server) handleConfigSecret(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.ownedConfig(w, r)
	if !ok {
		return
	}
	secret, err := s.secrets(cfg)
	if err != nil {
		s.logger.Error("derive webhook secret", zap.String("config_id", cfg.ID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "could not derive secret")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"config_id": cfg.ID,
		"secret":    hex.EncodeToString(secret),
	})
}

// ownedConfig loads the {id} config. Configs of other owners read as
// missing.
func (s *Server) ownedConfig(w http.ResponseWriter, r *http.Request) (alerts.AlertConfig, bool) {
	cfg, err := s.configStore.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && cfg.OwnerID != auth.SubjectFromContext(r.Context()) {
		err = alerts.ErrNotFound
	}
	if err != nil {
		s.writeStoreError(w, err)
		return alerts.AlertConfig{}, false
	}
	return cfg, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerts.ErrInvalidConfig):
		writeJSONError(w, http.StatusBadRequest, "invalid_config", err.Error())
	case errors.Is(err, alerts.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "alert config not found")
	default:
		s.logger.Error("config store error", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
