// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/roost-discord-bridge/pkg/roost"
)

// newTestStore opens a Store backed by a fresh temp-dir sqlite file.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "bridge.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testConfig builds a config with a single portal pairing chan1 <-> thread1.
func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Roost: RoostConfig{
			BaseURL: "https://roost.local",
			Token:   "roost-token",
		},
		Discord: DiscordConfig{
			Token: "discord-token",
		},
		Portals: []PortalMapping{{
			DiscordChannelID: "chan1",
			DiscordGuildID:   "guild1",
			WebhookID:        "wh1",
			WebhookToken:     "wh1-token",
			RoostThreadID:    "thread1",
		}},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// webhookCall records one webhook create or edit issued during a test.
type webhookCall struct {
	WebhookID string
	MessageID string
	Params    *discordgo.WebhookParams
	Edit      *discordgo.WebhookEdit
}

// fakeDiscordAPI is an in-memory discordAPI. History pages are keyed by the
// `after` cursor; webhook calls are recorded for assertions.
type fakeDiscordAPI struct {
	mu sync.Mutex

	Executes []webhookCall
	Edits    []webhookCall
	Deletes  []string

	// ExecuteResponse overrides the message returned by WebhookExecute.
	ExecuteResponse *discordgo.Message
	// ExecuteErr fails WebhookExecute when set.
	ExecuteErr error

	// Pages maps an after-cursor to the page the history endpoint returns.
	Pages map[string][]*discordgo.Message
	// HistoryCalls counts ChannelMessages invocations.
	HistoryCalls int
	// HistoryErr fails ChannelMessages when set.
	HistoryErr error

	// Messages serves ChannelMessage lookups by message id.
	Messages map[string]*discordgo.Message

	executeSeq int
}

func newFakeDiscordAPI() *fakeDiscordAPI {
	return &fakeDiscordAPI{
		Pages:    make(map[string][]*discordgo.Message),
		Messages: make(map[string]*discordgo.Message),
	}
}

func (f *fakeDiscordAPI) WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExecuteErr != nil {
		return nil, f.ExecuteErr
	}
	f.Executes = append(f.Executes, webhookCall{WebhookID: webhookID, Params: data})
	if f.ExecuteResponse != nil {
		return f.ExecuteResponse, nil
	}
	f.executeSeq++
	msg := &discordgo.Message{ID: fmt.Sprintf("dc-created-%d", f.executeSeq)}
	for i, file := range data.Files {
		msg.Attachments = append(msg.Attachments, &discordgo.MessageAttachment{
			ID:       fmt.Sprintf("dc-att-%d-%d", f.executeSeq, i),
			Filename: file.Name,
		})
	}
	return msg, nil
}

func (f *fakeDiscordAPI) WebhookMessageEdit(webhookID, token, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Edits = append(f.Edits, webhookCall{WebhookID: webhookID, MessageID: messageID, Edit: data})
	return &discordgo.Message{ID: messageID}, nil
}

func (f *fakeDiscordAPI) WebhookMessageDelete(webhookID, token, messageID string, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes = append(f.Deletes, messageID)
	return nil
}

func (f *fakeDiscordAPI) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HistoryCalls++
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	return f.Pages[afterID], nil
}

func (f *fakeDiscordAPI) ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.Messages[messageID]; ok {
		return msg, nil
	}
	return nil, fmt.Errorf("message %s not found", messageID)
}

// fakeRoostAPI is an in-memory roostAPI recording all writes.
type fakeRoostAPI struct {
	mu sync.Mutex

	Creates []*roost.MessageRequest
	Updates []*roost.MessageRequest
	Deleted []string

	// CreateErr fails CreateMessage when set.
	CreateErr error
	// DownloadErr fails DownloadAttachment when set.
	DownloadErr error

	// Stored serves GetMessage lookups by message id.
	Stored map[string]*roost.Message

	// Uploads maps upload URL to uploaded content.
	Uploads map[string][]byte

	createSeq int
	mediaSeq  int
}

func newFakeRoostAPI() *fakeRoostAPI {
	return &fakeRoostAPI{
		Stored:  make(map[string]*roost.Message),
		Uploads: make(map[string][]byte),
	}
}

func (f *fakeRoostAPI) CreateMessage(ctx context.Context, threadID string, req *roost.MessageRequest) (*roost.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.Creates = append(f.Creates, req)
	f.createSeq++
	return &roost.Message{
		ID:       fmt.Sprintf("roost-created-%d", f.createSeq),
		ThreadID: threadID,
		Content:  req.Content,
	}, nil
}

func (f *fakeRoostAPI) UpdateMessage(ctx context.Context, threadID, messageID string, req *roost.MessageRequest) (*roost.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updates = append(f.Updates, req)
	return &roost.Message{ID: messageID, ThreadID: threadID, Content: req.Content}, nil
}

func (f *fakeRoostAPI) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, messageID)
	return nil
}

func (f *fakeRoostAPI) GetMessage(ctx context.Context, threadID, messageID string) (*roost.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.Stored[messageID]; ok {
		return msg, nil
	}
	return nil, fmt.Errorf("message %s not found", messageID)
}

func (f *fakeRoostAPI) CreateMedia(ctx context.Context, filename string, size int64) (*roost.MediaHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaSeq++
	return &roost.MediaHandle{
		MediaID:   fmt.Sprintf("media-%d", f.mediaSeq),
		UploadURL: fmt.Sprintf("https://roost.local/upload/%d", f.mediaSeq),
	}, nil
}

func (f *fakeRoostAPI) UploadMedia(ctx context.Context, uploadURL string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploads[uploadURL] = data
	return nil
}

func (f *fakeRoostAPI) DownloadAttachment(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DownloadErr != nil {
		return nil, f.DownloadErr
	}
	return []byte("roost-media-bytes"), nil
}

// newTestBridge builds a Bridge wired to fakes and a real temp-file store.
func newTestBridge(t *testing.T) (*Bridge, *fakeDiscordAPI, *fakeRoostAPI) {
	t.Helper()
	fd := newFakeDiscordAPI()
	fr := newFakeRoostAPI()
	br := &Bridge{
		config:     testConfig(t),
		log:        zerolog.Nop(),
		store:      newTestStore(t),
		locker:     NewChannelLocker(),
		discord:    fd,
		roost:      fr,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	return br, fd, fr
}

// testPortal returns the single portal from testConfig.
func testPortal(t *testing.T, br *Bridge) *PortalMapping {
	t.Helper()
	portal := br.config.PortalByDiscordChannel("chan1")
	if portal == nil {
		t.Fatal("test portal missing")
	}
	return portal
}
