/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors in-process events onto NATS so external
// consumers (bots, audit pipelines) can observe occurrence outcomes
// without polling the API.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/hestia/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Mirror forwards selected bus events to NATS subjects of the form
// "hestia.events.<event_type>". Mirroring is best-effort: a NATS outage
// never blocks the dispatch path.
type Mirror struct {
	conn   *nats.Conn
	bus    *events.Bus
	logger zerolog.Logger
	nodeID string

	mu   sync.Mutex
	subs map[events.EventType]events.Subscriber
	wg   sync.WaitGroup
}

// natsMessage is the wire envelope for mirrored events.
type natsMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// NewMirror connects to NATS and prepares an event mirror.
func NewMirror(cfg NATSConfig, bus *events.Bus, logger zerolog.Logger) (*Mirror, error) {
	opts := []nats.Option{
		nats.Name("hestia"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	logger.Info().Str("nats_url", cfg.URL).Msg("connected to NATS for event mirroring")

	return &Mirror{
		conn:   conn,
		bus:    bus,
		logger: logger.With().Str("component", "eventbus").Logger(),
		nodeID: generateNodeID(),
		subs:   make(map[events.EventType]events.Subscriber),
	}, nil
}

// Start begins mirroring the given event types until ctx is canceled.
func (m *Mirror) Start(ctx context.Context, eventTypes ...events.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, et := range eventTypes {
		if _, ok := m.subs[et]; ok {
			continue
		}
		sub := m.bus.Subscribe(et)
		m.subs[et] = sub

		m.wg.Add(1)
		go m.forward(ctx, et, sub)
	}
}

func (m *Mirror) forward(ctx context.Context, eventType events.EventType, sub events.Subscriber) {
	defer m.wg.Done()

	subject := fmt.Sprintf("hestia.events.%s", eventType)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(natsMessage{
				EventType: eventType,
				Payload:   payload,
				Timestamp: time.Now().UTC(),
				NodeID:    m.nodeID,
				MessageID: uuid.NewString(),
			})
			if err != nil {
				m.logger.Error().Err(err).Str("subject", subject).Msg("marshal mirrored event")
				continue
			}
			if err := m.conn.Publish(subject, data); err != nil {
				m.logger.Warn().Err(err).Str("subject", subject).Msg("publish mirrored event")
			}
		}
	}
}

// Close detaches from the bus and drains the NATS connection.
func (m *Mirror) Close() error {
	m.mu.Lock()
	for et, sub := range m.subs {
		m.bus.Unsubscribe(et, sub)
		delete(m.subs, et)
	}
	m.mu.Unlock()

	m.wg.Wait()

	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
		return err
	}
	return nil
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
