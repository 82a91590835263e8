// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Discord gateway opcodes, as consumed by the bridge.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Config keys for persisted resume state. Persisting these in the store lets
// a freshly started process resume the previous session instead of running a
// full re-identify.
const (
	confKeyDiscordSessionID = "discord_session_id"
	confKeyDiscordSeq       = "discord_seq"
	confKeyDiscordResumeURL = "discord_resume_url"
)

// GatewayState is the connection state of the Discord gateway manager.
type GatewayState int

const (
	StateDisconnected GatewayState = iota
	StateConnecting
	StateIdentifying
	StateResuming
	StateAuthenticated
)

func (s GatewayState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// SessionStore persists gateway resume state across reconnects and process
// restarts. *Store satisfies it; tests inject an in-memory fake.
type SessionStore interface {
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error
}

// DispatchHandler receives gateway dispatch events. Events are only delivered
// while the gateway is authenticated, and the event's sequence number has
// already been persisted when the handler runs.
type DispatchHandler interface {
	HandleDispatch(eventType string, data json.RawMessage)
}

// gatewayPayload is the envelope of every gateway frame.
type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    discordgo.Intent   `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// DiscordGateway owns the persistent Discord gateway connection: handshake,
// heartbeat, sequence tracking, resume and unconditional reconnection.
type DiscordGateway struct {
	token      string
	intents    discordgo.Intent
	gatewayURL string
	store      SessionStore
	handler    DispatchHandler
	log        zerolog.Logger

	mu        sync.Mutex
	started   bool
	state     GatewayState
	conn      *websocket.Conn
	sessionID string
	resumeURL string

	seq atomic.Int64

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewDiscordGateway creates a gateway manager. gatewayURL is the endpoint for
// fresh identify connections; resumed connections prefer the resume endpoint
// the remote announced in READY.
func NewDiscordGateway(token, gatewayURL string, store SessionStore, handler DispatchHandler, log zerolog.Logger) *DiscordGateway {
	return &DiscordGateway{
		token:      token,
		intents:    discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent,
		gatewayURL: gatewayURL,
		store:      store,
		handler:    handler,
		log:        log.With().Str("component", "discord_gateway").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start opens the connection, restoring any persisted resume state first.
// It is idempotent while the gateway is connecting or connected. Connection
// failures are never fatal: the manager retries forever with a fixed delay.
func (g *DiscordGateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.mu.Unlock()

	if err := g.restoreSession(ctx); err != nil {
		return err
	}
	go g.run()
	return nil
}

// Stop closes the connection and stops reconnecting.
func (g *DiscordGateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
	g.mu.Lock()
	if g.conn != nil {
		_ = g.conn.Close()
	}
	g.mu.Unlock()
}

// State returns the current connection state.
func (g *DiscordGateway) State() GatewayState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *DiscordGateway) restoreSession(ctx context.Context) error {
	sessionID, err := g.store.GetConfigValue(ctx, confKeyDiscordSessionID)
	if err != nil {
		return fmt.Errorf("failed to restore session id: %w", err)
	}
	seqStr, err := g.store.GetConfigValue(ctx, confKeyDiscordSeq)
	if err != nil {
		return fmt.Errorf("failed to restore sequence: %w", err)
	}
	resumeURL, err := g.store.GetConfigValue(ctx, confKeyDiscordResumeURL)
	if err != nil {
		return fmt.Errorf("failed to restore resume endpoint: %w", err)
	}

	g.mu.Lock()
	g.sessionID = sessionID
	g.resumeURL = resumeURL
	g.mu.Unlock()
	g.seq.Store(parseSnowflakeSeq(seqStr))

	if sessionID != "" {
		g.log.Info().Str("session_id", sessionID).Int64("seq", g.seq.Load()).
			Msg("Restored persisted gateway session, will attempt resume")
	}
	return nil
}

func parseSnowflakeSeq(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (g *DiscordGateway) run() {
	for {
		select {
		case <-g.stopChan:
			g.setState(StateDisconnected)
			return
		default:
		}

		if err := g.connectOnce(); err != nil {
			g.log.Warn().Err(err).Msg("Gateway connection lost, reconnecting")
		}
		g.setState(StateDisconnected)

		select {
		case <-g.stopChan:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// reconnectDelay is the fixed wait between connection attempts. There is no
// retry cap and no backoff growth.
const reconnectDelay = time.Second

func (g *DiscordGateway) setState(state GatewayState) {
	g.mu.Lock()
	g.state = state
	g.mu.Unlock()
}

// dialTarget picks the endpoint and handshake mode for the next attempt:
// resume against the announced resume endpoint when a session survives,
// otherwise a fresh identify against the main gateway URL.
func (g *DiscordGateway) dialTarget() (url string, resume bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionID != "" {
		url = g.resumeURL
		if url == "" {
			url = g.gatewayURL
		}
		return url, true
	}
	return g.gatewayURL, false
}

func (g *DiscordGateway) connectOnce() error {
	g.setState(StateConnecting)
	url, resume := g.dialTarget()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
		_ = conn.Close()
	}()

	// The first frame must be Hello.
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello opcode %d, got %d", opHello, hello.Op)
	}
	var helloPayload helloData
	if err := json.Unmarshal(hello.D, &helloPayload); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}

	var writeMu sync.Mutex
	send := func(p gatewayPayload) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(p)
	}

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go g.heartbeatLoop(conn, send, time.Duration(helloPayload.HeartbeatInterval)*time.Millisecond, heartbeatDone)

	if resume {
		g.setState(StateResuming)
		g.mu.Lock()
		sessionID := g.sessionID
		g.mu.Unlock()
		g.log.Info().Str("session_id", sessionID).Int64("seq", g.seq.Load()).Msg("Resuming gateway session")
		if err := g.sendResume(send, sessionID); err != nil {
			return fmt.Errorf("send resume: %w", err)
		}
	} else {
		g.setState(StateIdentifying)
		g.log.Info().Msg("Identifying to gateway")
		if err := g.sendIdentify(send); err != nil {
			return fmt.Errorf("send identify: %w", err)
		}
	}

	return g.readLoop(conn, send)
}

func (g *DiscordGateway) sendIdentify(send func(gatewayPayload) error) error {
	data, err := json.Marshal(identifyData{
		Token:   g.token,
		Intents: g.intents,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "roost-discord-bridge",
			Device:  "roost-discord-bridge",
		},
	})
	if err != nil {
		return err
	}
	return send(gatewayPayload{Op: opIdentify, D: data})
}

func (g *DiscordGateway) sendResume(send func(gatewayPayload) error, sessionID string) error {
	data, err := json.Marshal(resumeData{
		Token:     g.token,
		SessionID: sessionID,
		Seq:       g.seq.Load(),
	})
	if err != nil {
		return err
	}
	return send(gatewayPayload{Op: opResume, D: data})
}

func (g *DiscordGateway) heartbeatLoop(conn *websocket.Conn, send func(gatewayPayload) error, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := g.sendHeartbeat(send); err != nil {
				g.log.Warn().Err(err).Msg("Heartbeat write failed")
				// Kill the connection so the read loop notices and the
				// manager reconnects.
				_ = conn.Close()
				return
			}
		}
	}
}

func (g *DiscordGateway) sendHeartbeat(send func(gatewayPayload) error) error {
	seq := g.seq.Load()
	data, err := json.Marshal(seq)
	if err != nil {
		return err
	}
	return send(gatewayPayload{Op: opHeartbeat, D: data})
}

func (g *DiscordGateway) readLoop(conn *websocket.Conn, send func(gatewayPayload) error) error {
	for {
		var p gatewayPayload
		if err := conn.ReadJSON(&p); err != nil {
			return err
		}

		switch p.Op {
		case opDispatch:
			g.handleDispatchFrame(p)
		case opHeartbeat:
			if err := g.sendHeartbeat(send); err != nil {
				return fmt.Errorf("requested heartbeat: %w", err)
			}
		case opReconnect:
			// Close and reconnect, keeping session id and sequence so the
			// next attempt resumes.
			g.log.Info().Msg("Gateway requested reconnect")
			return fmt.Errorf("reconnect requested by gateway")
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			if !resumable {
				g.log.Warn().Msg("Session invalidated and not resumable, clearing persisted session")
				g.clearSession()
			} else {
				g.log.Info().Msg("Session invalidated but resumable")
			}
			return fmt.Errorf("session invalidated (resumable=%t)", resumable)
		case opHeartbeatACK:
			// Nothing to do.
		default:
			g.log.Trace().Int("op", p.Op).Msg("Unhandled gateway opcode")
		}
	}
}

// handleDispatchFrame persists the sequence number, updates session state on
// READY/RESUMED and hands the event to the dispatcher. The sequence is
// persisted before dispatch so a crash in between causes at most
// re-delivery, never silent loss of position.
func (g *DiscordGateway) handleDispatchFrame(p gatewayPayload) {
	if p.S != 0 {
		g.seq.Store(p.S)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := g.store.SetConfigValue(ctx, confKeyDiscordSeq, strconv.FormatInt(p.S, 10)); err != nil {
			g.log.Error().Err(err).Int64("seq", p.S).Msg("Failed to persist sequence")
		}
		cancel()
	}

	switch p.T {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(p.D, &ready); err != nil {
			g.log.Error().Err(err).Msg("Failed to decode READY")
			return
		}
		g.mu.Lock()
		g.sessionID = ready.SessionID
		g.resumeURL = ready.ResumeGatewayURL
		g.state = StateAuthenticated
		g.mu.Unlock()
		g.persistSession(ready.SessionID, ready.ResumeGatewayURL)
		g.log.Info().Str("session_id", ready.SessionID).Msg("Gateway authenticated")
	case "RESUMED":
		g.setState(StateAuthenticated)
		g.log.Info().Msg("Gateway session resumed")
	}

	g.mu.Lock()
	authenticated := g.state == StateAuthenticated
	g.mu.Unlock()
	if !authenticated {
		g.log.Warn().Str("event_type", p.T).Msg("Dropping dispatch received before authentication")
		return
	}
	g.handler.HandleDispatch(p.T, p.D)
}

func (g *DiscordGateway) persistSession(sessionID, resumeURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.store.SetConfigValue(ctx, confKeyDiscordSessionID, sessionID); err != nil {
		g.log.Error().Err(err).Msg("Failed to persist session id")
	}
	if err := g.store.SetConfigValue(ctx, confKeyDiscordResumeURL, resumeURL); err != nil {
		g.log.Error().Err(err).Msg("Failed to persist resume endpoint")
	}
}

// clearSession drops both the in-memory and the persisted session state so
// the next connection performs a full identify.
func (g *DiscordGateway) clearSession() {
	g.mu.Lock()
	g.sessionID = ""
	g.resumeURL = ""
	g.mu.Unlock()
	g.seq.Store(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, key := range []string{confKeyDiscordSessionID, confKeyDiscordSeq, confKeyDiscordResumeURL} {
		if err := g.store.SetConfigValue(ctx, key, ""); err != nil {
			g.log.Error().Err(err).Str("key", key).Msg("Failed to clear persisted session state")
		}
	}
}
