// Copyright 2024-2026 Aiku AI

package roost

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventHandler receives events surfaced by a Socket. UpsertMessage events are
// only delivered after the Ready handshake has completed.
type EventHandler interface {
	HandleReady(user User)
	HandleUpsertMessage(msg Message)
}

// reconnectDelay is the fixed wait between connection attempts. Reconnecting
// is unconditional: there is no retry cap and no backoff growth.
const reconnectDelay = time.Second

// Socket maintains the persistent Roost gateway connection. It authenticates
// with a Hello frame on connect, answers Ping with Pong, and reconnects
// forever on any close.
type Socket struct {
	url     string
	token   string
	handler EventHandler
	log     zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	ready   bool

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewSocket creates a Roost gateway socket. baseURL is the Roost HTTP base
// URL; the gateway endpoint is derived from it.
func NewSocket(baseURL, token string, handler EventHandler, log zerolog.Logger) *Socket {
	return &Socket{
		url:      httpToWS(baseURL) + "/gateway",
		token:    token,
		handler:  handler,
		log:      log.With().Str("component", "roost_gateway").Logger(),
		stopChan: make(chan struct{}),
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// Start opens the connection. It is idempotent: calling it while the socket
// is already connecting or connected has no effect.
func (s *Socket) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.run()
}

// Stop closes the connection and stops reconnecting.
func (s *Socket) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Socket) run() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connectOnce(); err != nil {
			s.log.Warn().Err(err).Msg("Gateway connection lost, reconnecting")
		}

		select {
		case <-s.stopChan:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// connectOnce dials the gateway, performs the Hello handshake and reads
// events until the connection fails.
func (s *Socket) connectOnce() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.ready = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.ready = false
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if err := s.send(Event{Type: EventHello, Token: s.token}); err != nil {
		return err
	}
	s.log.Info().Str("url", s.url).Msg("Connected to Roost gateway")

	for {
		var evt Event
		if err := conn.ReadJSON(&evt); err != nil {
			return err
		}
		s.handleEvent(evt)
	}
}

func (s *Socket) handleEvent(evt Event) {
	switch evt.Type {
	case EventPing:
		if err := s.send(Event{Type: EventPong}); err != nil {
			s.log.Warn().Err(err).Msg("Failed to send Pong")
		}
	case EventReady:
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		if evt.User != nil {
			s.log.Info().Str("user_id", evt.User.ID).Msg("Roost gateway ready")
			s.handler.HandleReady(*evt.User)
		}
	case EventUpsertMessage:
		if !s.isReady() {
			s.log.Warn().Msg("Dropping UpsertMessage received before Ready")
			return
		}
		if evt.Message != nil {
			s.handler.HandleUpsertMessage(*evt.Message)
		}
	default:
		s.log.Trace().Str("event_type", evt.Type).Msg("Unhandled gateway event")
	}
}

func (s *Socket) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Socket) send(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
