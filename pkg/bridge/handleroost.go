// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/roost-discord-bridge/pkg/roost"
)

// HandleUpsertMessage is the outbound dispatcher: it relays a new or updated
// Roost message to the paired Discord channel. Events for unmapped threads
// and the bridge's own messages are dropped. The relay itself is queued on
// the channel serializer, keyed by the destination Discord channel, so it
// never interleaves with inbound traffic or backfill for the same pairing.
func (br *Bridge) HandleUpsertMessage(msg roost.Message) {
	// Self-echo guard: never relay messages the bridge itself created.
	if self := br.roostSelfID(); self != "" && msg.Author.ID == self {
		return
	}

	portal := br.config.PortalByRoostThread(msg.ThreadID)
	if portal == nil {
		br.log.Debug().Str("thread_id", msg.ThreadID).Msg("Dropping message for unmapped thread")
		return
	}

	br.locker.Queue(portal.DiscordChannelID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		defer cancel()
		if err := br.relayRoostUpsert(ctx, &msg, portal); err != nil {
			br.log.Error().Err(err).
				Str("message_id", msg.ID).
				Str("thread_id", msg.ThreadID).
				Msg("Failed to relay Roost message")
		}
	})
}

// relayRoostUpsert translates and writes one Roost message to Discord. An
// existing message link turns the upsert into a webhook edit; otherwise a new
// webhook message is created and linked.
func (br *Bridge) relayRoostUpsert(ctx context.Context, msg *roost.Message, portal *PortalMapping) error {
	existing, err := br.store.GetMessageLinkByRoost(ctx, msg.ID)
	if err != nil {
		return err
	}

	out, err := br.translateRoostMessage(ctx, msg, portal)
	if err != nil {
		return err
	}

	if existing != nil {
		edited, err := br.discord.WebhookMessageEdit(portal.WebhookID, portal.WebhookToken, existing.DiscordMessageID, &discordgo.WebhookEdit{
			Content:         &out.params.Content,
			Embeds:          &out.params.Embeds,
			Files:           out.params.Files,
			Attachments:     &out.keep,
			AllowedMentions: out.params.AllowedMentions,
		}, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		br.persistUploadedAttachmentLinks(ctx, out.uploads, edited)
		br.log.Debug().
			Str("message_id", msg.ID).
			Str("discord_message_id", existing.DiscordMessageID).
			Msg("Relayed Roost edit to Discord")
		return nil
	}

	created, err := br.discord.WebhookExecute(portal.WebhookID, portal.WebhookToken, true, out.params, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}

	err = br.store.InsertMessageLink(ctx, &MessageLink{
		RoostMessageID:   msg.ID,
		DiscordMessageID: created.ID,
		RoostThreadID:    msg.ThreadID,
		DiscordChannelID: portal.DiscordChannelID,
	})
	if errors.Is(err, ErrAlreadyLinked) {
		br.log.Warn().
			Str("message_id", msg.ID).
			Str("discord_message_id", created.ID).
			Msg("Message link already exists, skipping insert")
	} else if err != nil {
		return err
	}

	br.persistUploadedAttachmentLinks(ctx, out.uploads, created)
	br.log.Debug().
		Str("message_id", msg.ID).
		Str("discord_message_id", created.ID).
		Msg("Relayed Roost message to Discord")
	return nil
}
