// Package config holds the engine and CLI configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"
)

// Role represents the user's chosen role (sender or receiver).
type Role string

const (
	RoleSender   Role = "send"
	RoleReceiver Role = "receive"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// Config stores every tunable of the transfer engine plus the endpoints the
// CLI needs. Zero values are replaced by Default() values in Normalize.
type Config struct {
	// Endpoints and identity.
	SignalURL   string   `json:"signal_url"`
	UserID      string   `json:"user_id"`
	RelayURL    string   `json:"relay_url"`
	STUNServers []string `json:"stun_servers"`
	DownloadDir string   `json:"download_dir"`

	// Framing and backpressure.
	ChunkSize     int           `json:"chunk_size"`
	HighWaterMark int           `json:"high_water_mark"`
	LowWaterMark  int           `json:"low_water_mark"`
	DrainPoll     time.Duration `json:"drain_poll"`
	SendRetries   int           `json:"send_retries"`
	ProgressEvery int           `json:"progress_every"`

	// Integrity and storage.
	MaxHashSize      int64 `json:"max_hash_size"`
	HashBatchSize    int   `json:"hash_batch_size"`
	MemoryCeiling    int64 `json:"memory_ceiling"`
	CompactHighWater int64 `json:"compact_high_water"`

	// Negotiation.
	GatherTimeout   time.Duration `json:"gather_timeout"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	RestartTimeout  time.Duration `json:"restart_timeout"`
	DisconnectGrace time.Duration `json:"disconnect_grace"`

	// Session lifecycle.
	CompleteTimeout    time.Duration `json:"complete_timeout"`
	RetainCompleted    time.Duration `json:"retain_completed"`
	MaxConcurrent      int           `json:"max_concurrent"`
	MaxMalformedFrames int           `json:"max_malformed_frames"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SignalURL:   "ws://127.0.0.1:8787/ws",
		STUNServers: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		DownloadDir: ".",

		ChunkSize:     60 * KiB,
		HighWaterMark: 1 * MiB,
		LowWaterMark:  256 * KiB,
		DrainPoll:     50 * time.Millisecond,
		SendRetries:   3,
		ProgressEvery: 32,

		MaxHashSize:      2 * GiB,
		HashBatchSize:    32 * MiB,
		MemoryCeiling:    2 * GiB,
		CompactHighWater: 64 * MiB,

		GatherTimeout:   5 * time.Second,
		ConnectTimeout:  20 * time.Second,
		RestartTimeout:  30 * time.Second,
		DisconnectGrace: 5 * time.Second,

		CompleteTimeout:    60 * time.Second,
		RetainCompleted:    30 * time.Second,
		MaxConcurrent:      3,
		MaxMalformedFrames: 16,
	}
}

// Normalize fills zero fields from Default and validates the rest.
func (c *Config) Normalize() error {
	d := Default()
	if c.SignalURL == "" {
		c.SignalURL = d.SignalURL
	}
	if len(c.STUNServers) == 0 {
		c.STUNServers = d.STUNServers
	}
	if c.DownloadDir == "" {
		c.DownloadDir = d.DownloadDir
	}
	fillInt(&c.ChunkSize, d.ChunkSize)
	fillInt(&c.HighWaterMark, d.HighWaterMark)
	fillInt(&c.LowWaterMark, d.LowWaterMark)
	fillDuration(&c.DrainPoll, d.DrainPoll)
	fillInt(&c.SendRetries, d.SendRetries)
	fillInt(&c.ProgressEvery, d.ProgressEvery)
	fillInt64(&c.MaxHashSize, d.MaxHashSize)
	fillInt(&c.HashBatchSize, d.HashBatchSize)
	fillInt64(&c.MemoryCeiling, d.MemoryCeiling)
	fillInt64(&c.CompactHighWater, d.CompactHighWater)
	fillDuration(&c.GatherTimeout, d.GatherTimeout)
	fillDuration(&c.ConnectTimeout, d.ConnectTimeout)
	fillDuration(&c.RestartTimeout, d.RestartTimeout)
	fillDuration(&c.DisconnectGrace, d.DisconnectGrace)
	fillDuration(&c.CompleteTimeout, d.CompleteTimeout)
	fillDuration(&c.RetainCompleted, d.RetainCompleted)
	fillInt(&c.MaxConcurrent, d.MaxConcurrent)
	fillInt(&c.MaxMalformedFrames, d.MaxMalformedFrames)

	if c.LowWaterMark >= c.HighWaterMark {
		return fmt.Errorf("low water mark (%d) must be below high water mark (%d)", c.LowWaterMark, c.HighWaterMark)
	}
	if c.ChunkSize < 1024 {
		return fmt.Errorf("chunk size %d is below the 1 KiB minimum", c.ChunkSize)
	}
	return nil
}

// Load reads a JSON config file and applies it on top of Default. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DROP_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DROP_SIGNAL_URL"); v != "" {
		c.SignalURL = v
	}
	if v := os.Getenv("DROP_USER"); v != "" {
		c.UserID = v
	}
	if v := os.Getenv("DROP_RELAY_URL"); v != "" {
		c.RelayURL = v
	}
	if v := os.Getenv("DROP_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("DROP_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DROP_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = n
	}
	if v := os.Getenv("DROP_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DROP_MAX_CONCURRENT: %w", err)
		}
		c.MaxConcurrent = n
	}
	return nil
}

func fillInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func fillInt64(v *int64, def int64) {
	if *v <= 0 {
		*v = def
	}
}

func fillDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}
