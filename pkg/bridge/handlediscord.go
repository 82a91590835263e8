// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/discordgo"
)

// HandleDispatch is the inbound dispatcher entry point, invoked by the
// gateway manager for every authenticated dispatch event. It runs on the
// gateway read loop, so it only parses and queues; the relay work itself
// happens behind the channel serializer.
func (br *Bridge) HandleDispatch(eventType string, data json.RawMessage) {
	switch eventType {
	case "MESSAGE_CREATE":
		br.handleMessageEvent(data, br.relayDiscordCreate)
	case "MESSAGE_UPDATE":
		br.handleMessageEvent(data, br.relayDiscordUpdate)
	case "MESSAGE_DELETE":
		br.handleMessageEvent(data, br.relayDiscordDelete)
	case "GUILD_CREATE":
		br.handleGuildCreate(data)
	case "READY", "RESUMED":
		// Session bookkeeping is handled by the gateway manager.
	default:
		br.log.Trace().Str("event_type", eventType).Msg("Unhandled dispatch event")
	}
}

// handleMessageEvent decodes a message-shaped dispatch payload, resolves its
// portal and queues the given relay behind the channel serializer.
func (br *Bridge) handleMessageEvent(data json.RawMessage, relay func(context.Context, *discordgo.Message, *PortalMapping) error) {
	var msg discordgo.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		br.log.Warn().Err(err).Msg("Failed to decode message event")
		return
	}

	portal := br.config.PortalByDiscordChannel(msg.ChannelID)
	if portal == nil {
		return
	}

	br.locker.Queue(portal.DiscordChannelID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		defer cancel()
		if err := relay(ctx, &msg, portal); err != nil {
			br.log.Error().Err(err).
				Str("message_id", msg.ID).
				Str("channel_id", msg.ChannelID).
				Msg("Failed to relay Discord event")
		}
	})
}

// relayDiscordCreate translates and creates one Discord message on Roost.
// It is shared by live MESSAGE_CREATE handling and backfill, and is
// idempotent: an already-linked message is a no-op.
func (br *Bridge) relayDiscordCreate(ctx context.Context, msg *discordgo.Message, portal *PortalMapping) error {
	// Echo guard: webhook posts in a mapped channel are the bridge's own
	// output (or another integration's, which is not ours to relay).
	if msg.WebhookID != "" {
		return nil
	}

	existing, err := br.store.GetMessageLinkByDiscord(ctx, msg.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	req, err := br.translateDiscordMessage(ctx, msg, portal)
	if err != nil {
		return err
	}

	created, err := br.roost.CreateMessage(ctx, portal.RoostThreadID, req)
	if err != nil {
		return err
	}

	err = br.store.InsertMessageLink(ctx, &MessageLink{
		RoostMessageID:   created.ID,
		DiscordMessageID: msg.ID,
		RoostThreadID:    portal.RoostThreadID,
		DiscordChannelID: portal.DiscordChannelID,
	})
	if errors.Is(err, ErrAlreadyLinked) {
		br.log.Warn().
			Str("discord_message_id", msg.ID).
			Str("roost_message_id", created.ID).
			Msg("Message link already exists, skipping insert")
		return nil
	}
	if err != nil {
		return err
	}

	br.log.Debug().
		Str("discord_message_id", msg.ID).
		Str("roost_message_id", created.ID).
		Msg("Relayed Discord message to Roost")
	return nil
}

// relayDiscordUpdate propagates an edit. Updates for messages that were never
// relayed are dropped: an update must never create.
func (br *Bridge) relayDiscordUpdate(ctx context.Context, msg *discordgo.Message, portal *PortalMapping) error {
	if msg.WebhookID != "" {
		return nil
	}

	link, err := br.store.GetMessageLinkByDiscord(ctx, msg.ID)
	if err != nil {
		return err
	}
	if link == nil {
		br.log.Debug().Str("message_id", msg.ID).Msg("Dropping update for unlinked message")
		return nil
	}

	req, err := br.translateDiscordMessage(ctx, msg, portal)
	if err != nil {
		return err
	}

	if _, err := br.roost.UpdateMessage(ctx, link.RoostThreadID, link.RoostMessageID, req); err != nil {
		return err
	}
	br.log.Debug().
		Str("discord_message_id", msg.ID).
		Str("roost_message_id", link.RoostMessageID).
		Msg("Relayed Discord edit to Roost")
	return nil
}

// relayDiscordDelete propagates a deletion for a linked message and drops
// everything else.
func (br *Bridge) relayDiscordDelete(ctx context.Context, msg *discordgo.Message, portal *PortalMapping) error {
	link, err := br.store.GetMessageLinkByDiscord(ctx, msg.ID)
	if err != nil {
		return err
	}
	if link == nil {
		return nil
	}

	if err := br.roost.DeleteMessage(ctx, link.RoostThreadID, link.RoostMessageID); err != nil {
		return err
	}
	br.log.Debug().
		Str("discord_message_id", msg.ID).
		Str("roost_message_id", link.RoostMessageID).
		Msg("Relayed Discord delete to Roost")
	return nil
}

// handleGuildCreate is the channel bootstrap path: for every mapped channel
// visible in the payload it schedules a backfill run, chained behind whatever
// is already pending for that channel so it never races live traffic.
func (br *Bridge) handleGuildCreate(data json.RawMessage) {
	var guild discordgo.GuildCreate
	if err := json.Unmarshal(data, &guild); err != nil {
		br.log.Warn().Err(err).Msg("Failed to decode guild create event")
		return
	}

	for _, channel := range guild.Channels {
		portal := br.config.PortalByDiscordChannel(channel.ID)
		if portal == nil {
			continue
		}
		br.scheduleBackfill(portal, channel.LastMessageID)
	}
}
