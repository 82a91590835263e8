// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/roost-discord-bridge/pkg/roost"
)

// discordAPI is the slice of the Discord REST surface the relay consumes.
// *discordgo.Session satisfies it; tests inject a fake.
type discordAPI interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookMessageEdit(webhookID, token, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookMessageDelete(webhookID, token, messageID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// roostAPI is the slice of the Roost REST surface the relay consumes.
// *roost.Client satisfies it; tests inject a fake.
type roostAPI interface {
	CreateMessage(ctx context.Context, threadID string, req *roost.MessageRequest) (*roost.Message, error)
	UpdateMessage(ctx context.Context, threadID, messageID string, req *roost.MessageRequest) (*roost.Message, error)
	DeleteMessage(ctx context.Context, threadID, messageID string) error
	GetMessage(ctx context.Context, threadID, messageID string) (*roost.Message, error)
	CreateMedia(ctx context.Context, filename string, size int64) (*roost.MediaHandle, error)
	UploadMedia(ctx context.Context, uploadURL string, data []byte) error
	DownloadAttachment(ctx context.Context, url string) ([]byte, error)
}

// relayTimeout bounds a single relay operation end to end, covering every
// remote call it makes. A relay that exceeds it is aborted and logged; there
// is no retry.
const relayTimeout = 60 * time.Second

// Bridge is the process supervisor for the relay core. It owns the two
// gateway connection managers, the cross-reference store, the channel
// serializer and the REST clients, and implements the event dispatchers for
// both directions.
type Bridge struct {
	config *Config
	log    zerolog.Logger

	store  *Store
	locker *ChannelLocker

	roost       roostAPI
	roostSocket *roost.Socket
	discord     discordAPI
	gateway     *DiscordGateway

	// httpClient fetches raw Discord attachment content (CDN URLs).
	httpClient *http.Client

	selfMu     sync.RWMutex
	selfUserID string

	// watermark is the global backfill high-water mark, read once at start.
	watermark string
}

// New constructs the bridge and both gateway managers from configuration.
// Nothing connects until Start.
func New(cfg *Config, store *Store, log zerolog.Logger) (*Bridge, error) {
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}
	session.Client.Timeout = 30 * time.Second

	br := &Bridge{
		config:     cfg,
		log:        log.With().Str("component", "bridge").Logger(),
		store:      store,
		locker:     NewChannelLocker(),
		discord:    session,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	br.roost = roost.NewClient(cfg.Roost.BaseURL, cfg.Roost.Token, log)
	br.roostSocket = roost.NewSocket(cfg.Roost.BaseURL, cfg.Roost.Token, br, log)
	br.gateway = NewDiscordGateway(cfg.Discord.Token, cfg.Discord.GatewayURL, store, br, log)
	return br, nil
}

// Start reads the backfill watermark and opens both gateway connections.
func (br *Bridge) Start(ctx context.Context) error {
	watermark, err := br.store.MaxDiscordMessageID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read backfill watermark: %w", err)
	}
	br.watermark = watermark
	if watermark != "" {
		br.log.Info().Str("watermark", watermark).Msg("Backfill watermark loaded")
	}

	if err := br.gateway.Start(ctx); err != nil {
		return err
	}
	br.roostSocket.Start()
	return nil
}

// Stop closes both gateway connections.
func (br *Bridge) Stop() {
	br.gateway.Stop()
	br.roostSocket.Stop()
}

// HandleReady records the bridge's own Roost user, which the outbound
// dispatcher uses as its self-echo guard.
func (br *Bridge) HandleReady(user roost.User) {
	br.selfMu.Lock()
	br.selfUserID = user.ID
	br.selfMu.Unlock()
	br.log.Info().Str("user_id", user.ID).Str("name", user.Name).Msg("Roost identity established")
}

func (br *Bridge) roostSelfID() string {
	br.selfMu.RLock()
	defer br.selfMu.RUnlock()
	return br.selfUserID
}
