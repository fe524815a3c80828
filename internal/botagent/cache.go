package botagent

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Cache is the last-known-good entitlement cache. Reads never block on the
// network once the cache is warm; a failed refresh keeps the previous answer.
type Cache struct {
	client *Client
	botKey string

	mu       sync.RWMutex
	guilds   map[string]struct{}
	channels map[string]struct{}
	warm     bool
}

// NewCache creates an empty cache for one bot persona.
func NewCache(client *Client, botKey string) *Cache {
	return &Cache{
		client: client,
		botKey: botKey,
	}
}

// Refresh polls the panel and atomically replaces the allow-set on success.
// On failure the previous set is kept and the error returned.
func (c *Cache) Refresh(ctx context.Context) error {
	allowlist, err := c.client.FetchAllowlist(ctx, c.botKey)
	if err != nil {
		log.Warn().Err(err).Str("bot_key", c.botKey).Msg("Allow-list refresh failed, keeping cached set")
		return err
	}

	guilds := make(map[string]struct{}, len(allowlist.AllowedGuildIDs))
	for _, id := range allowlist.AllowedGuildIDs {
		guilds[id] = struct{}{}
	}
	channels := make(map[string]struct{}, len(allowlist.AllowedTwitchChannels))
	for _, name := range allowlist.AllowedTwitchChannels {
		channels[name] = struct{}{}
	}

	c.mu.Lock()
	c.guilds = guilds
	c.channels = channels
	c.warm = true
	c.mu.Unlock()

	log.Debug().
		Str("bot_key", c.botKey).
		Int("guilds", len(guilds)).
		Int("channels", len(channels)).
		Msg("Allow-list refreshed")
	return nil
}

// GuildAllowed reports whether a Discord guild is entitled. A cold cache
// triggers one synchronous refresh so a freshly started bot does not answer
// from an empty set; if that refresh fails the answer is false.
func (c *Cache) GuildAllowed(ctx context.Context, guildID string) bool {
	c.ensureWarm(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.guilds[guildID]
	return ok
}

// ChannelAllowed reports whether a Twitch channel is entitled.
func (c *Cache) ChannelAllowed(ctx context.Context, channel string) bool {
	c.ensureWarm(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

// Warm reports whether at least one refresh has succeeded.
func (c *Cache) Warm() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.warm
}

func (c *Cache) ensureWarm(ctx context.Context) {
	c.mu.RLock()
	warm := c.warm
	c.mu.RUnlock()
	if warm {
		return
	}
	_ = c.Refresh(ctx)
}
