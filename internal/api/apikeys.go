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
	"github.com/friendsincode/hestia/internal/events"
)

type apiKeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Roles      string     `json:"roles"`
	CreatedBy  string     `json:"created_by"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (a *API) handleAPIKeysList(w http.ResponseWriter, r *http.Request) {
	keys, err := auth.ListAPIKeys(a.db.WithContext(r.Context()))
	if err != nil {
		a.logger.Error().Err(err).Msg("list api keys failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	out := make([]apiKeyResponse, len(keys))
	for i, k := range keys {
		out[i] = apiKeyResponse{
			ID:         k.ID,
			Name:       k.Name,
			KeyPrefix:  k.KeyPrefix,
			Roles:      k.Roles,
			CreatedBy:  k.CreatedBy,
			LastUsedAt: k.LastUsedAt,
			ExpiresAt:  k.ExpiresAt,
			RevokedAt:  k.RevokedAt,
			CreatedAt:  k.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleAPIKeysCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string   `json:"name"`
		Roles         []string `json:"roles"`
		ExpiresInDays int      `json:"expires_in_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}
	if len(req.Roles) == 0 {
		req.Roles = []string{RoleViewer}
	}

	createdBy := ""
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		createdBy = claims.Subject
	}

	var expiresIn time.Duration
	if req.ExpiresInDays > 0 {
		expiresIn = time.Duration(req.ExpiresInDays) * 24 * time.Hour
	}

	plaintext, key, err := auth.GenerateAPIKey(req.Name, createdBy, req.Roles, expiresIn)
	if err != nil {
		a.logger.Error().Err(err).Msg("generate api key failed")
		writeError(w, http.StatusInternalServerError, "keygen_error")
		return
	}
	if err := a.db.WithContext(r.Context()).Create(key).Error; err != nil {
		a.logger.Error().Err(err).Msg("store api key failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.bus.Publish(events.EventAuditAPIKeyCreate, events.Payload{
		"key_id":     key.ID,
		"name":       key.Name,
		"created_by": createdBy,
	})

	// The plaintext key is returned exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         key.ID,
		"key":        plaintext,
		"key_prefix": key.KeyPrefix,
		"roles":      key.Roles,
		"expires_at": key.ExpiresAt,
	})
}

func (a *API) handleAPIKeysRevoke(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	err := auth.RevokeAPIKey(a.db.WithContext(r.Context()), keyID)
	if errors.Is(err, auth.ErrAPIKeyNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("revoke api key failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.bus.Publish(events.EventAuditAPIKeyRevoke, events.Payload{"key_id": keyID})

	writeJSON(w, http.StatusOK, map[string]string{"id": keyID, "status": "revoked"})
}
