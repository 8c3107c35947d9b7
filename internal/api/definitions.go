/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/hestia/internal/auth"
	"github.com/friendsincode/hestia/internal/models"
	"github.com/friendsincode/hestia/internal/store"
)

type definitionRequest struct {
	GuildID         string         `json:"guild_id"`
	ChannelID       string         `json:"channel_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Location        string         `json:"location"`
	DurationMinutes int            `json:"duration_minutes"`
	Metadata        map[string]any `json:"metadata"`

	RuleType string     `json:"rule_type"` // "one_shot" or "recurring"
	At       *time.Time `json:"at,omitempty"`
	RRule    string     `json:"rrule,omitempty"`
	DTStart  *time.Time `json:"dtstart,omitempty"`
	DTEnd    *time.Time `json:"dtend,omitempty"`
	Timezone string     `json:"timezone"`

	LeadTimeMinutes int `json:"lead_time_minutes"`
}

func (req *definitionRequest) apply(def *models.EventDefinition) {
	def.GuildID = req.GuildID
	def.ChannelID = req.ChannelID
	def.Title = req.Title
	def.Description = req.Description
	def.Location = req.Location
	def.DurationMinutes = req.DurationMinutes
	def.Metadata = req.Metadata
	def.RuleType = models.RuleType(req.RuleType)
	def.At = req.At
	def.RRule = req.RRule
	if req.DTStart != nil {
		def.DTStart = *req.DTStart
	}
	def.DTEnd = req.DTEnd
	def.Timezone = req.Timezone
	def.LeadTime = time.Duration(req.LeadTimeMinutes) * time.Minute
}

func (a *API) handleDefinitionsList(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	defs, err := a.scheduler.ListDefinitions(r.Context(), activeOnly)
	if err != nil {
		a.logger.Error().Err(err).Msg("list definitions failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (a *API) handleDefinitionsCreate(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.GuildID == "" {
		writeError(w, http.StatusBadRequest, "guild_id_required")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title_required")
		return
	}

	def := &models.EventDefinition{}
	req.apply(def)
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		def.CreatedBy = claims.Subject
	}

	created, err := a.scheduler.DefineEvent(r.Context(), def)
	if err != nil {
		a.logger.Warn().Err(err).Str("title", req.Title).Msg("create definition rejected")
		writeError(w, http.StatusBadRequest, "invalid_definition")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleDefinitionsGet(w http.ResponseWriter, r *http.Request) {
	definitionID := chi.URLParam(r, "definitionID")
	def, err := a.scheduler.GetDefinition(r.Context(), definitionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("get definition failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *API) handleDefinitionsUpdate(w http.ResponseWriter, r *http.Request) {
	definitionID := chi.URLParam(r, "definitionID")
	def, err := a.scheduler.GetDefinition(r.Context(), definitionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	var req definitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	req.apply(def)

	if err := a.scheduler.UpdateDefinition(r.Context(), def); err != nil {
		a.logger.Warn().Err(err).Str("definition_id", definitionID).Msg("update definition rejected")
		writeError(w, http.StatusBadRequest, "invalid_definition")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *API) handleDefinitionsDisable(w http.ResponseWriter, r *http.Request) {
	a.setDefinitionActive(w, r, false)
}

func (a *API) handleDefinitionsEnable(w http.ResponseWriter, r *http.Request) {
	a.setDefinitionActive(w, r, true)
}

func (a *API) setDefinitionActive(w http.ResponseWriter, r *http.Request, active bool) {
	definitionID := chi.URLParam(r, "definitionID")
	err := a.scheduler.SetActive(r.Context(), definitionID, active)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("set definition active failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": definitionID, "active": active})
}

func (a *API) handleOccurrencesList(w http.ResponseWriter, r *http.Request) {
	definitionID := chi.URLParam(r, "definitionID")
	occs, err := a.scheduler.OccurrenceHistory(r.Context(), definitionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("list occurrences failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, occs)
}

func (a *API) handleOccurrenceRetrigger(w http.ResponseWriter, r *http.Request) {
	definitionID := chi.URLParam(r, "definitionID")

	var req struct {
		ScheduledFor time.Time `json:"scheduled_for"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduledFor.IsZero() {
		writeError(w, http.StatusBadRequest, "scheduled_for_required")
		return
	}

	occ, err := a.scheduler.RetriggerOccurrence(r.Context(), definitionID, req.ScheduledFor)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if errors.Is(err, store.ErrStateConflict) {
		writeError(w, http.StatusConflict, "not_failed")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("retrigger occurrence failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusAccepted, occ)
}
