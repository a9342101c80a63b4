package config

import (
	"os"
	"strconv"
	"time"

	"JadeChat/tools/decode"
)

// SyncConfig carries every collaborator-supplied constant of the
// conversation sync core. Zero values are normalized by Norm, so an empty
// struct is a valid dev configuration.
type SyncConfig struct {
	PageSize       int           `json:"page_size"`       // seed / gap-fill fetch limit
	RequestTimeout time.Duration `json:"request_timeout"` // fetch / send / mark-read deadline

	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"` // no server activity within this => reconnect
	PingInterval     time.Duration `json:"ping_interval"`
	WriteWait        time.Duration `json:"write_wait"`

	BackoffBase   time.Duration `json:"backoff_base"` // doubles per attempt
	BackoffMax    time.Duration `json:"backoff_max"`
	BackoffJitter float64       `json:"backoff_jitter"` // +/- fraction of the delay

	PendingBufferMax int           `json:"pending_buffer_max"` // pushed events held while a log is errored
	TempIDRetention  time.Duration `json:"temp_id_retention"`  // tempId -> id alias lifetime
	SendQueueSize    int           `json:"send_queue_size"`

	ScrollThreshold float64 `json:"scroll_threshold"` // distance from bottom that disables auto-scroll

	Clock func() time.Time `json:"-"` // injectable clock for tests; nil => time.Now
}

func (c *SyncConfig) Norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 75 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffJitter <= 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = 0.2
	}
	if c.PendingBufferMax <= 0 {
		c.PendingBufferMax = 256
	}
	if c.TempIDRetention <= 0 {
		c.TempIDRetention = 2 * time.Minute
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.ScrollThreshold <= 0 {
		c.ScrollThreshold = 120
	}
}

func (c SyncConfig) Now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

// SyncConfigFromMap decodes an untyped config map (remote config payloads,
// parsed JSON) into a normalized SyncConfig.
func SyncConfigFromMap(m map[string]any) (SyncConfig, error) {
	out, err := decode.DecodeMap[SyncConfig](m)
	if err != nil {
		return SyncConfig{}, err
	}
	out.Norm()
	return *out, nil
}

// SyncConfigFromEnv reads the JADECHAT_* overrides used by the dev harness.
func SyncConfigFromEnv() SyncConfig {
	var c SyncConfig
	if v := os.Getenv("JADECHAT_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PageSize = n
		}
	}
	if v := os.Getenv("JADECHAT_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("JADECHAT_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.BackoffBase = d
		}
	}
	c.Norm()
	return c
}
