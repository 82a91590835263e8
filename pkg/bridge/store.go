// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// ErrAlreadyLinked is returned by the insert operations when either half of
// the identity pair is already present. Callers treat it as "already relayed"
// and short-circuit successfully.
var ErrAlreadyLinked = errors.New("cross-reference already exists")

// MessageLink is a durable mapping between a Roost message and its Discord
// counterpart. Links are created exactly once per relayed message, in either
// direction, and are never mutated or deleted.
type MessageLink struct {
	RoostMessageID   string
	DiscordMessageID string
	RoostThreadID    string
	DiscordChannelID string
}

// AttachmentLink maps a Roost media ID to a Discord attachment ID, one per
// re-hosted attachment.
type AttachmentLink struct {
	RoostMediaID        string
	DiscordAttachmentID string
}

// Store is the single source of truth for cross-system identity mappings and
// small durable scalars such as gateway resume state. All operations are safe
// under concurrent access; it grows monotonically by design.
type Store struct {
	db *dbutil.Database
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS message_link (
		roost_message_id   TEXT NOT NULL,
		discord_message_id TEXT NOT NULL,
		roost_thread_id    TEXT NOT NULL,
		discord_channel_id TEXT NOT NULL,
		PRIMARY KEY (roost_message_id, discord_message_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS message_link_roost_idx ON message_link (roost_message_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS message_link_discord_idx ON message_link (discord_message_id)`,
	`CREATE TABLE IF NOT EXISTS attachment_link (
		roost_media_id        TEXT NOT NULL,
		discord_attachment_id TEXT NOT NULL,
		PRIMARY KEY (roost_media_id, discord_attachment_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS attachment_link_roost_idx ON attachment_link (roost_media_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS attachment_link_discord_idx ON attachment_link (discord_attachment_id)`,
	`CREATE TABLE IF NOT EXISTS bridge_config (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// NewStore opens (creating if needed) the sqlite cross-reference database at
// the given path.
func NewStore(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "store").Logger())

	for _, query := range schema {
		if _, err := db.Exec(ctx, query); err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertMessageLink persists a new message link. It returns ErrAlreadyLinked
// if either the Roost or the Discord half of the pair is already linked.
func (s *Store) InsertMessageLink(ctx context.Context, link *MessageLink) error {
	res, err := s.db.Exec(ctx, `
		INSERT OR IGNORE INTO message_link (roost_message_id, discord_message_id, roost_thread_id, discord_channel_id)
		VALUES ($1, $2, $3, $4)
	`, link.RoostMessageID, link.DiscordMessageID, link.RoostThreadID, link.DiscordChannelID)
	if err != nil {
		return fmt.Errorf("failed to insert message link: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyLinked
	}
	return nil
}

func (s *Store) scanMessageLink(row *sql.Row) (*MessageLink, error) {
	var link MessageLink
	err := row.Scan(&link.RoostMessageID, &link.DiscordMessageID, &link.RoostThreadID, &link.DiscordChannelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message link: %w", err)
	}
	return &link, nil
}

// GetMessageLinkByRoost looks up a message link by its Roost message ID.
// A missing link is (nil, nil), not an error.
func (s *Store) GetMessageLinkByRoost(ctx context.Context, roostMessageID string) (*MessageLink, error) {
	return s.scanMessageLink(s.db.QueryRow(ctx, `
		SELECT roost_message_id, discord_message_id, roost_thread_id, discord_channel_id
		FROM message_link WHERE roost_message_id = $1
	`, roostMessageID))
}

// GetMessageLinkByDiscord looks up a message link by its Discord message ID.
func (s *Store) GetMessageLinkByDiscord(ctx context.Context, discordMessageID string) (*MessageLink, error) {
	return s.scanMessageLink(s.db.QueryRow(ctx, `
		SELECT roost_message_id, discord_message_id, roost_thread_id, discord_channel_id
		FROM message_link WHERE discord_message_id = $1
	`, discordMessageID))
}

// InsertAttachmentLink persists a new attachment link with the same conflict
// contract as InsertMessageLink.
func (s *Store) InsertAttachmentLink(ctx context.Context, link *AttachmentLink) error {
	res, err := s.db.Exec(ctx, `
		INSERT OR IGNORE INTO attachment_link (roost_media_id, discord_attachment_id)
		VALUES ($1, $2)
	`, link.RoostMediaID, link.DiscordAttachmentID)
	if err != nil {
		return fmt.Errorf("failed to insert attachment link: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyLinked
	}
	return nil
}

func (s *Store) scanAttachmentLink(row *sql.Row) (*AttachmentLink, error) {
	var link AttachmentLink
	err := row.Scan(&link.RoostMediaID, &link.DiscordAttachmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan attachment link: %w", err)
	}
	return &link, nil
}

// GetAttachmentLinkByRoost looks up an attachment link by Roost media ID.
func (s *Store) GetAttachmentLinkByRoost(ctx context.Context, roostMediaID string) (*AttachmentLink, error) {
	return s.scanAttachmentLink(s.db.QueryRow(ctx, `
		SELECT roost_media_id, discord_attachment_id FROM attachment_link WHERE roost_media_id = $1
	`, roostMediaID))
}

// GetAttachmentLinkByDiscord looks up an attachment link by Discord
// attachment ID.
func (s *Store) GetAttachmentLinkByDiscord(ctx context.Context, discordAttachmentID string) (*AttachmentLink, error) {
	return s.scanAttachmentLink(s.db.QueryRow(ctx, `
		SELECT roost_media_id, discord_attachment_id FROM attachment_link WHERE discord_attachment_id = $1
	`, discordAttachmentID))
}

// GetConfigValue reads a durable scalar. A missing key is ("", nil).
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM bridge_config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config value %q: %w", key, err)
	}
	return value, nil
}

// SetConfigValue writes a durable scalar, overwriting any previous value.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bridge_config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write config value %q: %w", key, err)
	}
	return nil
}

// MaxDiscordMessageID returns the numerically largest linked Discord message
// ID, the global backfill high-water mark. An empty store yields "".
func (s *Store) MaxDiscordMessageID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT discord_message_id FROM message_link
		ORDER BY CAST(discord_message_id AS INTEGER) DESC LIMIT 1
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read watermark: %w", err)
	}
	return id, nil
}
