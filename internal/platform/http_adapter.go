/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPAdapter bridges create-event calls to a platform gateway over HTTP.
// The gateway owns platform credentials and payload shaping; this adapter
// only translates the request and classifies the response.
//
// Response contract: 200/201 return {"event_id": "..."}; 409 returns the
// same body for an idempotency-key replay; 429 and 5xx are transient;
// any other 4xx is permanent.
type HTTPAdapter struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPAdapter creates an adapter posting to baseURL/events.
func NewHTTPAdapter(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAdapter{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "platform_adapter").Logger(),
	}
}

type createEventPayload struct {
	GuildID     string         `json:"guild_id"`
	ChannelID   string         `json:"channel_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Location    string         `json:"location,omitempty"`
	StartsAt    time.Time      `json:"starts_at"`
	EndsAt      time.Time      `json:"ends_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type createEventResponse struct {
	EventID string `json:"event_id"`
	Error   string `json:"error"`
}

// CreateEvent posts the event to the gateway and classifies the outcome.
func (a *HTTPAdapter) CreateEvent(ctx context.Context, req CreateEventRequest) (CreateEventResult, error) {
	body, err := json.Marshal(createEventPayload{
		GuildID:     req.GuildID,
		ChannelID:   req.ChannelID,
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return CreateEventResult{}, Permanent(fmt.Errorf("encode payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return CreateEventResult{}, Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return CreateEventResult{}, Transient(err)
	}
	defer resp.Body.Close()

	var decoded createEventResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(raw, &decoded)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if decoded.EventID == "" {
			return CreateEventResult{}, Permanent(fmt.Errorf("gateway returned no event_id"))
		}
		return CreateEventResult{ExternalID: decoded.EventID}, nil

	case resp.StatusCode == http.StatusConflict:
		if decoded.EventID == "" {
			return CreateEventResult{}, Permanent(fmt.Errorf("conflict without existing event_id"))
		}
		return CreateEventResult{}, AlreadyExists(decoded.EventID)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return CreateEventResult{}, Transient(fmt.Errorf("gateway status %d: %s", resp.StatusCode, decoded.Error))

	default:
		return CreateEventResult{}, Permanent(fmt.Errorf("gateway status %d: %s", resp.StatusCode, decoded.Error))
	}
}
