// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

// backfillPageSize is the history page size requested per fetch.
const backfillPageSize = 100

// scheduleBackfill queues a backfill run for one channel pairing on the
// channel serializer. Holding the channel slot for the whole run means live
// events arriving mid-backfill queue behind it instead of interleaving.
func (br *Bridge) scheduleBackfill(portal *PortalMapping, toID string) {
	after := br.watermark
	if after == "" {
		// Fresh store: nothing was ever relayed, so nothing was missed.
		return
	}
	if toID == "" || !snowflakeLess(after, toID) {
		return
	}

	br.log.Info().
		Str("channel_id", portal.DiscordChannelID).
		Str("after", after).
		Str("to", toID).
		Msg("Scheduling backfill")

	br.locker.Queue(portal.DiscordChannelID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		defer cancel()
		br.runBackfill(ctx, portal, after, toID)
	})
}

// backfillTimeout bounds a whole backfill run for one channel.
const backfillTimeout = 10 * relayTimeout

// runBackfill walks the channel's history strictly after the watermark in
// ascending order, relaying each message through the normal inbound-create
// path. That path is idempotent, so overlap with messages already relayed
// live produces no duplicate links. The walk stops on an empty page or when
// the page ends at the bootstrap's last-known message id.
func (br *Bridge) runBackfill(ctx context.Context, portal *PortalMapping, after, toID string) {
	fetches := 0
	for {
		msgs, err := br.discord.ChannelMessages(portal.DiscordChannelID, backfillPageSize, "", after, "", discordgo.WithContext(ctx))
		if err != nil {
			br.log.Error().Err(err).
				Str("channel_id", portal.DiscordChannelID).
				Str("after", after).
				Msg("Backfill history fetch failed, abandoning run")
			return
		}
		fetches++
		if len(msgs) == 0 {
			break
		}

		sortMessagesAscending(msgs)
		for _, msg := range msgs {
			if err := br.relayDiscordCreate(ctx, msg, portal); err != nil {
				// One lost message aborts that relay only, not the run.
				br.log.Error().Err(err).
					Str("message_id", msg.ID).
					Msg("Failed to relay backfilled message")
			}
		}

		last := msgs[len(msgs)-1].ID
		if last == toID {
			break
		}
		after = last
	}

	br.log.Info().
		Str("channel_id", portal.DiscordChannelID).
		Int("fetches", fetches).
		Msg("Backfill complete")
}
