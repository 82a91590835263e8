// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/bwmarrin/discordgo"
)

// parseSnowflake converts a Discord snowflake string to its numeric value.
// Malformed IDs sort first, which keeps watermark comparisons conservative.
func parseSnowflake(id string) int64 {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// snowflakeLess reports whether snowflake a is older than b.
func snowflakeLess(a, b string) bool {
	return parseSnowflake(a) < parseSnowflake(b)
}

// sortMessagesAscending orders Discord messages chronologically (oldest
// first). The history endpoint returns newest first regardless of cursor
// direction, so backfill re-sorts every page.
func sortMessagesAscending(msgs []*discordgo.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return snowflakeLess(msgs[i].ID, msgs[j].ID)
	})
}

// discordMessageURL builds a deep link to a Discord message.
func discordMessageURL(guildID, channelID, messageID string) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

// roostMessageURL builds a deep link to a Roost message.
func roostMessageURL(baseURL, threadID, messageID string) string {
	return fmt.Sprintf("%s/thread/%s/message/%s", baseURL, threadID, messageID)
}

// truncatePreview shortens reply-quote previews to max runes, appending an
// ellipsis when content was cut.
func truncatePreview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
