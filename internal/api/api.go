/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the HTTP command surface.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hestia/internal/auth"
	"github.com/friendsincode/hestia/internal/events"
	"github.com/friendsincode/hestia/internal/scheduler"
	"github.com/friendsincode/hestia/internal/version"
)

// Role names accepted on API credentials.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// API exposes HTTP handlers.
type API struct {
	db        *gorm.DB
	jwtSecret []byte
	scheduler *scheduler.Service
	bus       *events.Bus
	logger    zerolog.Logger

	updateChecker *version.Checker
}

// SetUpdateChecker attaches the background update checker so /status can
// report whether a newer release is available.
func (a *API) SetUpdateChecker(c *version.Checker) {
	a.updateChecker = c
}

// New creates the API router wrapper.
func New(db *gorm.DB, jwtSecret []byte, schedulerSvc *scheduler.Service, bus *events.Bus, logger zerolog.Logger) *API {
	return &API{
		db:        db,
		jwtSecret: jwtSecret,
		scheduler: schedulerSvc,
		bus:       bus,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts all API routes on the router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(pr chi.Router) {
			pr.Use(a.authMiddleware())

			pr.Route("/definitions", func(r chi.Router) {
				r.Get("/", a.handleDefinitionsList)
				r.With(a.requireRoles(RoleAdmin, RoleOperator)).Post("/", a.handleDefinitionsCreate)
				r.Route("/{definitionID}", func(r chi.Router) {
					r.Get("/", a.handleDefinitionsGet)
					r.With(a.requireRoles(RoleAdmin, RoleOperator)).Patch("/", a.handleDefinitionsUpdate)
					r.With(a.requireRoles(RoleAdmin, RoleOperator)).Delete("/", a.handleDefinitionsDisable)
					r.With(a.requireRoles(RoleAdmin, RoleOperator)).Post("/enable", a.handleDefinitionsEnable)
					r.Get("/occurrences", a.handleOccurrencesList)
					r.With(a.requireRoles(RoleAdmin, RoleOperator)).Post("/occurrences/retrigger", a.handleOccurrenceRetrigger)
				})
			})

			pr.Route("/apikeys", func(r chi.Router) {
				r.Use(a.requireRoles(RoleAdmin))
				r.Get("/", a.handleAPIKeysList)
				r.Post("/", a.handleAPIKeysCreate)
				r.Delete("/{keyID}", a.handleAPIKeysRevoke)
			})

			pr.Get("/status", a.handleSystemStatus)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ComponentStatus represents the status of a single system component.
type ComponentStatus struct {
	Status  string `json:"status"` // "ok", "error"
	Message string `json:"message,omitempty"`
}

// SystemStatus represents the overall system health status.
type SystemStatus struct {
	Database        ComponentStatus `json:"database"`
	Version         string          `json:"version"`
	LatestVersion   string          `json:"latest_version,omitempty"`
	UpdateAvailable bool            `json:"update_available,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

func (a *API) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := SystemStatus{
		Version:   version.Version,
		Timestamp: time.Now().UTC(),
	}

	if a.updateChecker != nil {
		info := a.updateChecker.Info()
		status.LatestVersion = info.LatestVersion
		status.UpdateAvailable = info.UpdateAvailable
	}

	sqlDB, err := a.db.DB()
	if err != nil {
		status.Database = ComponentStatus{Status: "error", Message: err.Error()}
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		status.Database = ComponentStatus{Status: "error", Message: err.Error()}
	} else {
		status.Database = ComponentStatus{Status: "ok"}
	}

	writeJSON(w, http.StatusOK, status)
}

func (a *API) authMiddleware() func(http.Handler) http.Handler {
	return auth.MiddlewareWithJWT(a.db, a.jwtSecret)
}

func (a *API) requireRoles(allowed ...string) func(http.Handler) http.Handler {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, role := range claims.Roles {
				if _, exists := allowedSet[role]; exists {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient_role")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
