// Copyright 2024-2026 Aiku AI

package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/roost-discord-bridge/pkg/roost"
)

// emptyContentPlaceholder is substituted when a message has no content and no
// attachments, so the destination platform never rejects an empty create.
const emptyContentPlaceholder = "(no content?)"

// replyPreviewLength is the maximum rune length of a reply-quote preview.
const replyPreviewLength = 80

// discordDisplayName resolves the display name for a Discord author:
// member nickname, else global display name, else the account handle.
func discordDisplayName(msg *discordgo.Message) string {
	if msg.Member != nil && msg.Member.Nick != "" {
		return msg.Member.Nick
	}
	if msg.Author == nil {
		return ""
	}
	if msg.Author.GlobalName != "" {
		return msg.Author.GlobalName
	}
	return msg.Author.Username
}

// roostDisplayName resolves the display name for a Roost author: the
// per-thread override name wins over the account name.
func roostDisplayName(msg *roost.Message) string {
	if msg.OverrideName != "" {
		return msg.OverrideName
	}
	return msg.Author.Name
}

// translateDiscordMessage converts a Discord message into a Roost create or
// update request: display name resolution, optional reply quote, attachment
// re-hosting and the empty-content placeholder rule. A failed attachment
// re-host aborts the whole translation; a missing reply link only omits the
// quote.
func (br *Bridge) translateDiscordMessage(ctx context.Context, msg *discordgo.Message, portal *PortalMapping) (*roost.MessageRequest, error) {
	req := &roost.MessageRequest{
		Content:      msg.Content,
		OverrideName: discordDisplayName(msg),
	}

	if quote := br.resolveDiscordReply(ctx, msg); quote != "" {
		req.Content = quote + req.Content
	}

	for _, att := range msg.Attachments {
		mediaID, err := br.rehostDiscordAttachment(ctx, att)
		if err != nil {
			return nil, fmt.Errorf("failed to re-host attachment %s: %w", att.ID, err)
		}
		req.Attachments = append(req.Attachments, mediaID)
	}

	if req.Content == "" && len(req.Attachments) == 0 {
		req.Content = emptyContentPlaceholder
	}
	return req, nil
}

// resolveDiscordReply produces a blockquote prefix for a plain reply whose
// target has already been relayed. Any other reply type, an unlinked target
// or a failed fetch yields no quote; the relay itself proceeds regardless.
func (br *Bridge) resolveDiscordReply(ctx context.Context, msg *discordgo.Message) string {
	if msg.Type != discordgo.MessageTypeReply || msg.MessageReference == nil {
		return ""
	}
	ref := msg.MessageReference

	link, err := br.store.GetMessageLinkByDiscord(ctx, ref.MessageID)
	if err != nil {
		br.log.Error().Err(err).Str("message_id", ref.MessageID).Msg("Reply link lookup failed")
		return ""
	}
	if link == nil {
		return ""
	}

	original := msg.ReferencedMessage
	if original == nil {
		refChannel := ref.ChannelID
		if refChannel == "" {
			refChannel = msg.ChannelID
		}
		original, err = br.discord.ChannelMessage(refChannel, ref.MessageID, discordgo.WithContext(ctx))
		if err != nil {
			br.log.Debug().Err(err).Str("message_id", ref.MessageID).Msg("Failed to fetch reply target, omitting quote")
			return ""
		}
	}

	deepLink := roostMessageURL(br.config.Roost.BaseURL, link.RoostThreadID, link.RoostMessageID)
	preview := truncatePreview(original.Content, replyPreviewLength)
	return fmt.Sprintf("> [**%s**](%s): %s\n", discordDisplayName(original), deepLink, preview)
}

// rehostDiscordAttachment returns the Roost media ID for a Discord
// attachment, re-hosting the content on first sight and reusing the
// persisted link afterwards.
func (br *Bridge) rehostDiscordAttachment(ctx context.Context, att *discordgo.MessageAttachment) (string, error) {
	link, err := br.store.GetAttachmentLinkByDiscord(ctx, att.ID)
	if err != nil {
		return "", err
	}
	if link != nil {
		return link.RoostMediaID, nil
	}

	data, err := br.fetchDiscordAttachment(ctx, att.URL)
	if err != nil {
		return "", err
	}

	handle, err := br.roost.CreateMedia(ctx, att.Filename, int64(len(data)))
	if err != nil {
		return "", err
	}
	if err := br.roost.UploadMedia(ctx, handle.UploadURL, data); err != nil {
		return "", err
	}

	err = br.store.InsertAttachmentLink(ctx, &AttachmentLink{
		RoostMediaID:        handle.MediaID,
		DiscordAttachmentID: att.ID,
	})
	if errors.Is(err, ErrAlreadyLinked) {
		// A concurrent relay won the race; use its mapping.
		existing, lookupErr := br.store.GetAttachmentLinkByDiscord(ctx, att.ID)
		if lookupErr == nil && existing != nil {
			return existing.RoostMediaID, nil
		}
		return handle.MediaID, nil
	}
	if err != nil {
		return "", err
	}
	return handle.MediaID, nil
}

func (br *Bridge) fetchDiscordAttachment(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := br.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachment fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// pendingUpload pairs a Roost media ID with the filename it was uploaded to
// Discord under, so the attachment IDs in the webhook response can be linked
// back afterwards.
type pendingUpload struct {
	roostMediaID string
	filename     string
}

// discordOutbound is a translated Roost message ready for the webhook API.
type discordOutbound struct {
	params *discordgo.WebhookParams
	// keep lists already-linked Discord attachments that an edit must retain.
	keep    []*discordgo.MessageAttachment
	uploads []pendingUpload
}

// translateRoostMessage converts a Roost message into a webhook payload:
// display name resolution, optional reply embed, attachment re-hosting (new
// media) or reuse (already-linked media) and the empty-content placeholder
// rule.
func (br *Bridge) translateRoostMessage(ctx context.Context, msg *roost.Message, portal *PortalMapping) (*discordOutbound, error) {
	out := &discordOutbound{
		params: &discordgo.WebhookParams{
			Content:  msg.Content,
			Username: roostDisplayName(msg),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		},
	}

	if embed := br.resolveRoostReply(ctx, msg, portal); embed != nil {
		out.params.Embeds = []*discordgo.MessageEmbed{embed}
	}

	for _, att := range msg.Attachments {
		link, err := br.store.GetAttachmentLinkByRoost(ctx, att.ID)
		if err != nil {
			return nil, err
		}
		if link != nil {
			out.keep = append(out.keep, &discordgo.MessageAttachment{ID: link.DiscordAttachmentID})
			continue
		}

		data, err := br.roost.DownloadAttachment(ctx, att.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to re-host attachment %s: %w", att.ID, err)
		}
		out.params.Files = append(out.params.Files, &discordgo.File{
			Name:   att.Filename,
			Reader: bytes.NewReader(data),
		})
		out.uploads = append(out.uploads, pendingUpload{roostMediaID: att.ID, filename: att.Filename})
	}

	if out.params.Content == "" && len(out.params.Files) == 0 && len(out.keep) == 0 {
		out.params.Content = emptyContentPlaceholder
	}
	return out, nil
}

// resolveRoostReply produces a reply embed for a Roost message whose reply
// target has already been relayed; anything else yields nil and the relay
// proceeds without reply context.
func (br *Bridge) resolveRoostReply(ctx context.Context, msg *roost.Message, portal *PortalMapping) *discordgo.MessageEmbed {
	if msg.ReplyID == "" {
		return nil
	}

	link, err := br.store.GetMessageLinkByRoost(ctx, msg.ReplyID)
	if err != nil {
		br.log.Error().Err(err).Str("message_id", msg.ReplyID).Msg("Reply link lookup failed")
		return nil
	}
	if link == nil {
		return nil
	}

	original, err := br.roost.GetMessage(ctx, link.RoostThreadID, link.RoostMessageID)
	if err != nil {
		br.log.Debug().Err(err).Str("message_id", msg.ReplyID).Msg("Failed to fetch reply target, omitting quote")
		return nil
	}

	return &discordgo.MessageEmbed{
		Title:       "Replying to " + roostDisplayName(original),
		URL:         discordMessageURL(portal.DiscordGuildID, portal.DiscordChannelID, link.DiscordMessageID),
		Description: truncatePreview(original.Content, replyPreviewLength),
	}
}

// persistUploadedAttachmentLinks links the Roost media IDs that were uploaded
// in this call to the Discord attachment IDs reported in the webhook
// response, matching by filename in upload order.
func (br *Bridge) persistUploadedAttachmentLinks(ctx context.Context, uploads []pendingUpload, created *discordgo.Message) {
	if created == nil || len(uploads) == 0 {
		return
	}
	used := make(map[string]bool, len(created.Attachments))
	for _, upload := range uploads {
		var match *discordgo.MessageAttachment
		for _, att := range created.Attachments {
			if used[att.ID] {
				continue
			}
			if att.Filename == upload.filename {
				match = att
				break
			}
		}
		if match == nil {
			br.log.Warn().Str("filename", upload.filename).Msg("Uploaded attachment missing from webhook response")
			continue
		}
		used[match.ID] = true
		err := br.store.InsertAttachmentLink(ctx, &AttachmentLink{
			RoostMediaID:        upload.roostMediaID,
			DiscordAttachmentID: match.ID,
		})
		if errors.Is(err, ErrAlreadyLinked) {
			br.log.Debug().Str("media_id", upload.roostMediaID).Msg("Attachment already linked")
		} else if err != nil {
			br.log.Error().Err(err).Str("media_id", upload.roostMediaID).Msg("Failed to persist attachment link")
		}
	}
}
