package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

type Config struct {
	Telegram Telegram `json:"telegram"`
	Logging  Logging  `json:"logging"`
	Storage  Storage  `json:"storage"`
	Ingest   Ingest   `json:"ingest,omitempty"`
	Delivery Delivery `json:"delivery,omitempty"`
	Failover Failover `json:"failover,omitempty"`
	Stats    Stats    `json:"stats,omitempty"`
	Admin    Admin    `json:"admin,omitempty"`
	Pprof    Pprof    `json:"pprof,omitempty"`
}

type Telegram struct {
	// Token may be left empty and supplied via PREVIEWBOT_TOKEN.
	Token string `json:"token,omitempty"`
	// RendezvousChannelID is the private storage channel both issuers can
	// write to; identifiers are minted by republishing assets there.
	RendezvousChannelID int64 `json:"rendezvous_channel_id"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type Logging struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file,omitempty"`
	Telegram LoggingTelegram `json:"telegram,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type Storage struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Ingest controls the channel-post aggregation buffer.
type Ingest struct {
	// Debounce must exceed expected inter-part arrival jitter. Default "1s".
	Debounce string `json:"debounce,omitempty"`
}

// Delivery controls the pagination state machine.
//
// Defaults mirror production: wait_times [2,3,4,5,5,5,5] seconds and
// preview_limit 5.
type Delivery struct {
	PreviewLimit int   `json:"preview_limit,omitempty"`
	WaitTimes    []int `json:"wait_times,omitempty"`
	// PlatformURL is the destination offered when the preview ends.
	PlatformURL string `json:"platform_url,omitempty"`
}

// Failover controls backup-identifier synchronization.
type Failover struct {
	// SyncDelay is the fixed inter-item throttle. Default "300ms".
	SyncDelay string `json:"sync_delay,omitempty"`
}

type Stats struct {
	// Retention is how long event rows are kept. Default "2160h" (90 days).
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron spec. Default "@daily".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// Admin configures the administrative HTTP surface.
type Admin struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// TokenHash is the bcrypt hash of the bearer token. Never the token itself.
	TokenHash string `json:"token_hash,omitempty"`
}

// Pprof configures the optional profiling listener.
type Pprof struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token is required for a non-loopback bind.
	Token string `json:"token,omitempty"`
}

const tokenEnv = "PREVIEWBOT_TOKEN"

// Validate checks the parts of the config that cannot be defaulted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BotToken()) == "" {
		return fmt.Errorf("telegram.token is empty (set it or export %s)", tokenEnv)
	}
	if c.Telegram.RendezvousChannelID == 0 {
		return errors.New("telegram.rendezvous_channel_id is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	for i, w := range c.Delivery.WaitTimes {
		if w < 0 {
			return fmt.Errorf("delivery.wait_times[%d] must be >= 0", i)
		}
	}
	if c.Admin.Enabled && strings.TrimSpace(c.Admin.TokenHash) == "" {
		return errors.New("admin.token_hash is required when admin.enabled")
	}
	return nil
}

// BotToken returns the primary bot token, preferring the config file and
// falling back to the environment.
func (c *Config) BotToken() string {
	if t := strings.TrimSpace(c.Telegram.Token); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv(tokenEnv))
}

// WaitTimes returns the configured wait table or the production default.
func (c *Config) WaitTable() []int {
	if len(c.Delivery.WaitTimes) > 0 {
		return c.Delivery.WaitTimes
	}
	return []int{2, 3, 4, 5, 5, 5, 5}
}

// PreviewLimit returns the configured preview boundary or the default of 5.
func (c *Config) PreviewLimit() int {
	if c.Delivery.PreviewLimit > 0 {
		return c.Delivery.PreviewLimit
	}
	return 5
}
