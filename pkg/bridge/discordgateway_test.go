// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeSessionStore is an in-memory SessionStore.
type fakeSessionStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{values: make(map[string]string)}
}

func (f *fakeSessionStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key], nil
}

func (f *fakeSessionStore) SetConfigValue(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeSessionStore) get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

// dispatchedEvent is one event received by the recording dispatcher.
type dispatchedEvent struct {
	Type string
	Data json.RawMessage
}

// recordingDispatcher forwards dispatched events to a channel.
type recordingDispatcher struct {
	events chan dispatchedEvent
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{events: make(chan dispatchedEvent, 16)}
}

func (r *recordingDispatcher) HandleDispatch(eventType string, data json.RawMessage) {
	r.events <- dispatchedEvent{Type: eventType, Data: data}
}

func (r *recordingDispatcher) next(t *testing.T) dispatchedEvent {
	t.Helper()
	select {
	case evt := <-r.events:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch event")
		return dispatchedEvent{}
	}
}

// newGatewayServer starts a websocket server that invokes script once per
// connection and returns its ws:// URL.
func newGatewayServer(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendGatewayFrame(t *testing.T, conn *websocket.Conn, p gatewayPayload) {
	t.Helper()
	if err := conn.WriteJSON(p); err != nil {
		t.Errorf("server write failed: %v", err)
	}
}

func sendHello(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	// Heartbeat interval far beyond the test duration.
	sendGatewayFrame(t, conn, gatewayPayload{Op: opHello, D: json.RawMessage(`{"heartbeat_interval":60000}`)})
}

func sendDispatch(t *testing.T, conn *websocket.Conn, seq int64, eventType, data string) {
	t.Helper()
	sendGatewayFrame(t, conn, gatewayPayload{Op: opDispatch, S: seq, T: eventType, D: json.RawMessage(data)})
}

func readClientFrame(t *testing.T, conn *websocket.Conn) (gatewayPayload, bool) {
	t.Helper()
	var p gatewayPayload
	if err := conn.ReadJSON(&p); err != nil {
		return gatewayPayload{}, false
	}
	return p, true
}

// TestDiscordGateway_IdentifyAndDispatch verifies the fresh-session flow:
// Hello, identify, READY, then dispatch delivery with the sequence number
// persisted before the handler runs. A dispatch arriving before READY must be
// dropped.
func TestDiscordGateway_IdentifyAndDispatch(t *testing.T) {
	t.Parallel()
	store := newFakeSessionStore()
	dispatcher := newRecordingDispatcher()

	wsURL := newGatewayServer(t, func(conn *websocket.Conn) {
		sendHello(t, conn)

		frame, ok := readClientFrame(t, conn)
		if !ok {
			return
		}
		if frame.Op != opIdentify {
			t.Errorf("expected identify opcode %d, got %d", opIdentify, frame.Op)
			return
		}
		var identify identifyData
		if err := json.Unmarshal(frame.D, &identify); err != nil || identify.Token != "bot-token" {
			t.Errorf("unexpected identify payload: %s (err %v)", frame.D, err)
		}

		// Sent before READY: must be dropped by the client.
		sendDispatch(t, conn, 1, "MESSAGE_CREATE", `{"id":"too-early"}`)
		sendDispatch(t, conn, 2, "READY", `{"session_id":"sess1","resume_gateway_url":"ws://resume.example"}`)
		sendDispatch(t, conn, 3, "MESSAGE_CREATE", `{"id":"m1"}`)

		// Hold the connection open until the client shuts down.
		_, _ = readClientFrame(t, conn)
	})

	g := NewDiscordGateway("bot-token", wsURL, store, dispatcher, zerolog.Nop())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(g.Stop)

	first := dispatcher.next(t)
	if first.Type != "READY" {
		t.Fatalf("expected READY as first delivered event, got %s", first.Type)
	}
	second := dispatcher.next(t)
	if second.Type != "MESSAGE_CREATE" || !strings.Contains(string(second.Data), "m1") {
		t.Fatalf("unexpected second event: %s %s", second.Type, second.Data)
	}

	if got := store.get(confKeyDiscordSeq); got != "3" {
		t.Errorf("expected persisted seq 3, got %q", got)
	}
	if got := store.get(confKeyDiscordSessionID); got != "sess1" {
		t.Errorf("expected persisted session id, got %q", got)
	}
	if got := store.get(confKeyDiscordResumeURL); got != "ws://resume.example" {
		t.Errorf("expected persisted resume url, got %q", got)
	}
	if state := g.State(); state != StateAuthenticated {
		t.Errorf("expected authenticated state, got %s", state)
	}
}

// TestDiscordGateway_ResumeAfterRestart verifies that a gateway started with
// persisted session state sends resume with the stored session id and
// sequence instead of a fresh identify.
func TestDiscordGateway_ResumeAfterRestart(t *testing.T) {
	t.Parallel()
	store := newFakeSessionStore()
	dispatcher := newRecordingDispatcher()

	wsURL := newGatewayServer(t, func(conn *websocket.Conn) {
		sendHello(t, conn)

		frame, ok := readClientFrame(t, conn)
		if !ok {
			return
		}
		if frame.Op != opResume {
			t.Errorf("expected resume opcode %d, got %d", opResume, frame.Op)
			return
		}
		var resume resumeData
		if err := json.Unmarshal(frame.D, &resume); err != nil {
			t.Errorf("decode resume: %v", err)
			return
		}
		if resume.SessionID != "sess1" || resume.Seq != 42 {
			t.Errorf("unexpected resume payload: %+v", resume)
		}

		sendDispatch(t, conn, 0, "RESUMED", `{}`)
		sendDispatch(t, conn, 43, "MESSAGE_CREATE", `{"id":"replayed"}`)
		_, _ = readClientFrame(t, conn)
	})

	seed := map[string]string{
		confKeyDiscordSessionID: "sess1",
		confKeyDiscordSeq:       "42",
		confKeyDiscordResumeURL: wsURL,
	}
	for key, value := range seed {
		if err := store.SetConfigValue(context.Background(), key, value); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	// The main gateway URL is unreachable on purpose: a resume must dial the
	// stored resume endpoint instead.
	g := NewDiscordGateway("bot-token", "ws://127.0.0.1:1", store, dispatcher, zerolog.Nop())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(g.Stop)

	first := dispatcher.next(t)
	if first.Type != "RESUMED" {
		t.Fatalf("expected RESUMED as first delivered event, got %s", first.Type)
	}
	second := dispatcher.next(t)
	if second.Type != "MESSAGE_CREATE" || !strings.Contains(string(second.Data), "replayed") {
		t.Fatalf("unexpected second event: %s %s", second.Type, second.Data)
	}
	if got := store.get(confKeyDiscordSeq); got != "43" {
		t.Errorf("expected persisted seq 43, got %q", got)
	}
}

// TestDiscordGateway_InvalidSessionReidentifies verifies that a non-resumable
// invalid session clears the persisted state and the next connection performs
// a fresh identify.
func TestDiscordGateway_InvalidSessionReidentifies(t *testing.T) {
	t.Parallel()
	store := newFakeSessionStore()
	dispatcher := newRecordingDispatcher()

	identified := make(chan struct{}, 1)
	var connCount int
	var connMu sync.Mutex

	wsURL := newGatewayServer(t, func(conn *websocket.Conn) {
		connMu.Lock()
		connCount++
		attempt := connCount
		connMu.Unlock()

		sendHello(t, conn)
		frame, ok := readClientFrame(t, conn)
		if !ok {
			return
		}

		if attempt == 1 {
			if frame.Op != opResume {
				t.Errorf("first attempt: expected resume, got opcode %d", frame.Op)
			}
			sendGatewayFrame(t, conn, gatewayPayload{Op: opInvalidSession, D: json.RawMessage(`false`)})
			return
		}
		if frame.Op == opIdentify {
			select {
			case identified <- struct{}{}:
			default:
			}
		} else {
			t.Errorf("attempt %d: expected identify, got opcode %d", attempt, frame.Op)
		}
		_, _ = readClientFrame(t, conn)
	})

	seed := map[string]string{
		confKeyDiscordSessionID: "sess1",
		confKeyDiscordSeq:       "42",
		confKeyDiscordResumeURL: wsURL,
	}
	for key, value := range seed {
		if err := store.SetConfigValue(context.Background(), key, value); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	g := NewDiscordGateway("bot-token", wsURL, store, dispatcher, zerolog.Nop())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(g.Stop)

	select {
	case <-identified:
	case <-time.After(10 * time.Second):
		t.Fatal("gateway never re-identified after invalid session")
	}

	if got := store.get(confKeyDiscordSessionID); got != "" {
		t.Errorf("expected cleared session id, got %q", got)
	}
	if got := store.get(confKeyDiscordSeq); got != "" {
		t.Errorf("expected cleared seq, got %q", got)
	}
}

// TestDiscordGateway_AnswersHeartbeatRequest verifies that an op 1 frame from
// the gateway is answered with an immediate heartbeat carrying the current
// sequence number.
func TestDiscordGateway_AnswersHeartbeatRequest(t *testing.T) {
	t.Parallel()
	store := newFakeSessionStore()
	dispatcher := newRecordingDispatcher()

	heartbeat := make(chan gatewayPayload, 1)
	wsURL := newGatewayServer(t, func(conn *websocket.Conn) {
		sendHello(t, conn)
		if _, ok := readClientFrame(t, conn); !ok {
			return
		}
		sendDispatch(t, conn, 7, "READY", `{"session_id":"sess1","resume_gateway_url":""}`)
		sendGatewayFrame(t, conn, gatewayPayload{Op: opHeartbeat})

		frame, ok := readClientFrame(t, conn)
		if ok {
			heartbeat <- frame
		}
		_, _ = readClientFrame(t, conn)
	})

	g := NewDiscordGateway("bot-token", wsURL, store, dispatcher, zerolog.Nop())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(g.Stop)

	select {
	case frame := <-heartbeat:
		if frame.Op != opHeartbeat {
			t.Fatalf("expected heartbeat opcode %d, got %d", opHeartbeat, frame.Op)
		}
		if string(frame.D) != "7" {
			t.Fatalf("expected heartbeat to carry seq 7, got %s", frame.D)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never answered the heartbeat request")
	}
}
