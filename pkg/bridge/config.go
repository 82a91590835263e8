// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultGatewayURL is used when the config does not pin a Discord gateway
// endpoint. Tests point this at a local fake.
const defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// PortalMapping pairs one Discord channel with one Roost thread. Mappings are
// loaded once at startup and are immutable for the process lifetime.
type PortalMapping struct {
	DiscordChannelID string `yaml:"discord_channel_id"`
	DiscordGuildID   string `yaml:"discord_guild_id"`
	WebhookID        string `yaml:"webhook_id"`
	WebhookToken     string `yaml:"webhook_token"`
	RoostThreadID    string `yaml:"roost_thread_id"`
}

// RoostConfig holds the Roost side of the bridge configuration.
type RoostConfig struct {
	BaseURL string `yaml:"base_url" env:"ROOST_BASE_URL"`
	Token   string `yaml:"token" env:"ROOST_TOKEN"`
}

// DiscordConfig holds the Discord side of the bridge configuration.
type DiscordConfig struct {
	Token      string `yaml:"token" env:"DISCORD_TOKEN"`
	GatewayURL string `yaml:"gateway_url" env:"DISCORD_GATEWAY_URL"`
}

// DatabaseConfig locates the cross-reference store.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"BRIDGE_DB_PATH"`
}

// Config is the full bridge configuration. Secrets may be supplied or
// overridden through the environment; everything else comes from the yaml
// file. Nothing is hot-reloadable.
type Config struct {
	Roost    RoostConfig     `yaml:"roost"`
	Discord  DiscordConfig   `yaml:"discord"`
	Database DatabaseConfig  `yaml:"database"`
	Portals  []PortalMapping `yaml:"portals"`

	byDiscordChannel map[string]*PortalMapping
	byRoostThread    map[string]*PortalMapping
}

// LoadConfig reads the yaml config file, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess fills defaults, validates required fields and builds the portal
// lookup indexes.
func (c *Config) PostProcess() error {
	if c.Discord.GatewayURL == "" {
		c.Discord.GatewayURL = defaultGatewayURL
	}
	if c.Database.Path == "" {
		c.Database.Path = "bridge.db"
	}
	if c.Roost.BaseURL == "" {
		return fmt.Errorf("roost.base_url is required")
	}
	if c.Roost.Token == "" {
		return fmt.Errorf("roost.token is required")
	}
	if c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}

	c.byDiscordChannel = make(map[string]*PortalMapping, len(c.Portals))
	c.byRoostThread = make(map[string]*PortalMapping, len(c.Portals))
	for i := range c.Portals {
		portal := &c.Portals[i]
		if portal.DiscordChannelID == "" || portal.RoostThreadID == "" {
			return fmt.Errorf("portal %d: discord_channel_id and roost_thread_id are required", i)
		}
		if _, ok := c.byDiscordChannel[portal.DiscordChannelID]; ok {
			return fmt.Errorf("portal %d: duplicate discord_channel_id %s", i, portal.DiscordChannelID)
		}
		if _, ok := c.byRoostThread[portal.RoostThreadID]; ok {
			return fmt.Errorf("portal %d: duplicate roost_thread_id %s", i, portal.RoostThreadID)
		}
		c.byDiscordChannel[portal.DiscordChannelID] = portal
		c.byRoostThread[portal.RoostThreadID] = portal
	}
	return nil
}

// PortalByDiscordChannel resolves the mapping for a Discord channel, or nil.
func (c *Config) PortalByDiscordChannel(channelID string) *PortalMapping {
	return c.byDiscordChannel[channelID]
}

// PortalByRoostThread resolves the mapping for a Roost thread, or nil.
func (c *Config) PortalByRoostThread(threadID string) *PortalMapping {
	return c.byRoostThread[threadID]
}
