package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testRequest() CreateEventRequest {
	start := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	return CreateEventRequest{
		GuildID:        "guild-1",
		ChannelID:      "chan-1",
		Title:          "movie night",
		StartsAt:       start,
		EndsAt:         start.Add(2 * time.Hour),
		IdempotencyKey: "def-1:2026-05-01T18:00:00Z",
	}
}

func newGateway(t *testing.T, handler http.HandlerFunc) *HTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPAdapter(srv.URL, "gw-token", 5*time.Second, zerolog.Nop())
}

func TestCreateEventSuccess(t *testing.T) {
	adapter := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "def-1:2026-05-01T18:00:00Z" {
			t.Errorf("idempotency key %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gw-token" {
			t.Errorf("authorization %q", got)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["guild_id"] != "guild-1" || payload["title"] != "movie night" {
			t.Errorf("bad payload: %v", payload)
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "evt-1"})
	})

	result, err := adapter.CreateEvent(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.ExternalID != "evt-1" {
		t.Fatalf("external ID %q, want evt-1", result.ExternalID)
	}
}

func TestCreateEventConflictIsAlreadyExists(t *testing.T) {
	adapter := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "evt-old"})
	})

	_, err := adapter.CreateEvent(context.Background(), testRequest())
	if Classify(err) != ClassAlreadyExists {
		t.Fatalf("got %v classified %s, want already_exists", err, Classify(err))
	}
	if ExistingID(err) != "evt-old" {
		t.Fatalf("existing ID %q, want evt-old", ExistingID(err))
	}
}

func TestCreateEventClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Classification
	}{
		{"rate limited", http.StatusTooManyRequests, ClassTransient},
		{"server error", http.StatusInternalServerError, ClassTransient},
		{"bad gateway", http.StatusBadGateway, ClassTransient},
		{"validation rejected", http.StatusUnprocessableEntity, ClassPermanent},
		{"unauthorized", http.StatusUnauthorized, ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": tt.name})
			})

			_, err := adapter.CreateEvent(context.Background(), testRequest())
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := Classify(err); got != tt.want {
				t.Fatalf("status %d classified %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestCreateEventMissingEventID(t *testing.T) {
	adapter := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := adapter.CreateEvent(context.Background(), testRequest())
	if Classify(err) != ClassPermanent {
		t.Fatalf("got %v, want a permanent failure", err)
	}
}

func TestCreateEventConnectionRefusedIsTransient(t *testing.T) {
	adapter := NewHTTPAdapter("http://127.0.0.1:1", "", time.Second, zerolog.Nop())
	_, err := adapter.CreateEvent(context.Background(), testRequest())
	if Classify(err) != ClassTransient {
		t.Fatalf("got %v, want transient", err)
	}
}
