package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SerialConfig controls the USB-serial command link.
type SerialConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Port is the serial device, e.g. /dev/ttyGS0 (gadget side) or COM5.
	Port string `json:"port" yaml:"port"`
	Baud int    `json:"baud" yaml:"baud"`
}

// DiscoveryConfig controls the UDP responder used by the companion app to
// find the device on the LAN.
//
// If LanOnly is true (default) packets from non-private addresses are ignored.
type DiscoveryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// UDPPort is the UDP port to listen on (default: 8134).
	UDPPort int  `json:"udp_port" yaml:"udp_port"`
	LanOnly bool `json:"lan_only" yaml:"lan_only"`
	// RateLimitPerSec is a per-source-IP limit (default: 5).
	RateLimitPerSec int `json:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`
}

// CacheConfig sets the lifetime of the in-memory document caches.
type CacheConfig struct {
	TTLSec     int `json:"ttl_sec" yaml:"ttl_sec"`
	CleanupSec int `json:"cleanup_sec" yaml:"cleanup_sec"`
}

// WatchdogConfig enables the task-starvation warning for long transfers.
type WatchdogConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	TimeoutSec int  `json:"timeout_sec" yaml:"timeout_sec"`
}

// RenderConfig drives the display refresh task.
type RenderConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// IntervalMs requests a periodic refresh; 0 refreshes only on demand.
	IntervalMs int `json:"interval_ms" yaml:"interval_ms"`
	// WaitTimeoutMs bounds how long a caller waits for a requested frame.
	WaitTimeoutMs int `json:"wait_timeout_ms" yaml:"wait_timeout_ms"`
}

type Config struct {
	Listen      string `json:"listen" yaml:"listen"`
	WSListen    string `json:"ws_listen" yaml:"ws_listen"`
	StorageRoot string `json:"storage_root" yaml:"storage_root"`
	Hostname    string `json:"hostname" yaml:"hostname"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level"`

	UploadBufferBytes  int `json:"upload_buffer_bytes" yaml:"upload_buffer_bytes"`
	DownloadChunkBytes int `json:"download_chunk_bytes" yaml:"download_chunk_bytes"`

	WSMaxUploadBytes    int64 `json:"ws_max_upload_bytes" yaml:"ws_max_upload_bytes"`
	WSProgressStepBytes int64 `json:"ws_progress_step_bytes" yaml:"ws_progress_step_bytes"`
	WSMaxControlBytes   int   `json:"ws_max_control_bytes" yaml:"ws_max_control_bytes"`

	USBMaxUploadBytes   int64 `json:"usb_max_upload_bytes" yaml:"usb_max_upload_bytes"`
	USBLineBufferBytes  int   `json:"usb_line_buffer_bytes" yaml:"usb_line_buffer_bytes"`
	USBChunkRawBytes    int   `json:"usb_chunk_raw_bytes" yaml:"usb_chunk_raw_bytes"`
	USBMaxChunkB64Chars int   `json:"usb_max_chunk_b64_chars" yaml:"usb_max_chunk_b64_chars"`

	// HiddenItems are entry names never listed or touched by clients, in
	// addition to every name starting with '.'.
	HiddenItems []string `json:"hidden_items" yaml:"hidden_items"`
	// MetadataDir is where the device keeps caches and stores on the card.
	MetadataDir string `json:"metadata_dir" yaml:"metadata_dir"`

	// CheckFreeSpace rejects WebSocket and USB uploads larger than the free
	// space up front. HTTP uploads only fail at write time.
	CheckFreeSpace bool `json:"check_free_space" yaml:"check_free_space"`
	EnableMetrics  bool `json:"enable_metrics" yaml:"enable_metrics"`
	// HistorySize is the number of finished uploads kept for /api/status.
	HistorySize int `json:"history_size" yaml:"history_size"`
	// BusSlowWarnMs logs bus acquisitions that waited longer (0 disables).
	BusSlowWarnMs int `json:"bus_slow_warn_ms" yaml:"bus_slow_warn_ms"`

	Serial    SerialConfig    `json:"serial" yaml:"serial"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Watchdog  WatchdogConfig  `json:"watchdog" yaml:"watchdog"`
	Render    RenderConfig    `json:"render" yaml:"render"`
}

const (
	defaultMaxUpload = 512 * 1024 * 1024
	// base64 output buffer for one download line
	maxB64Line = 780
)

func Default() Config {
	return Config{
		Listen:              ":80",
		WSListen:            ":81",
		StorageRoot:         "./sdcard",
		Hostname:            "crosspoint",
		LogLevel:            "info",
		UploadBufferBytes:   4096,
		DownloadChunkBytes:  1024,
		WSMaxUploadBytes:    defaultMaxUpload,
		WSProgressStepBytes: 64 * 1024,
		WSMaxControlBytes:   1024,
		USBMaxUploadBytes:   defaultMaxUpload,
		USBLineBufferBytes:  1024,
		USBChunkRawBytes:    576,
		USBMaxChunkB64Chars: 512,
		HiddenItems:         []string{"System Volume Information", "XTCache"},
		MetadataDir:         ".crosspoint",
		CheckFreeSpace:      true,
		EnableMetrics:       true,
		HistorySize:         32,
		BusSlowWarnMs:       1000,
		Serial: SerialConfig{
			Enabled: false,
			Baud:    115200,
		},
		Discovery: DiscoveryConfig{
			Enabled:         true,
			UDPPort:         8134,
			LanOnly:         true,
			RateLimitPerSec: 5,
		},
		Cache: CacheConfig{
			TTLSec:     30 * 60,
			CleanupSec: 10 * 60,
		},
		Watchdog: WatchdogConfig{
			Enabled:    true,
			TimeoutSec: 10,
		},
		Render: RenderConfig{
			Enabled:       true,
			IntervalMs:    0,
			WaitTimeoutMs: 200,
		},
	}
}

// Load reads a JSON (or, by extension, YAML) config on top of Default and
// validates it. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate fills zero values with defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.WSListen == "" {
		c.WSListen = def.WSListen
	}
	if c.StorageRoot == "" {
		c.StorageRoot = def.StorageRoot
	}
	if c.Hostname == "" {
		c.Hostname = def.Hostname
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "":
		c.LogLevel = def.LogLevel
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	if c.UploadBufferBytes <= 0 {
		c.UploadBufferBytes = def.UploadBufferBytes
	}
	if c.DownloadChunkBytes <= 0 {
		c.DownloadChunkBytes = def.DownloadChunkBytes
	}
	if c.WSMaxUploadBytes <= 0 {
		c.WSMaxUploadBytes = def.WSMaxUploadBytes
	}
	if c.WSProgressStepBytes <= 0 {
		c.WSProgressStepBytes = def.WSProgressStepBytes
	}
	if c.WSMaxControlBytes <= 0 {
		c.WSMaxControlBytes = def.WSMaxControlBytes
	}
	if c.USBMaxUploadBytes <= 0 {
		c.USBMaxUploadBytes = def.USBMaxUploadBytes
	}
	if c.USBLineBufferBytes <= 0 {
		c.USBLineBufferBytes = def.USBLineBufferBytes
	}
	if c.USBChunkRawBytes <= 0 {
		c.USBChunkRawBytes = def.USBChunkRawBytes
	}
	if c.USBMaxChunkB64Chars <= 0 {
		c.USBMaxChunkB64Chars = def.USBMaxChunkB64Chars
	}
	if c.USBMaxChunkB64Chars%4 != 0 {
		return fmt.Errorf("usb_max_chunk_b64_chars (%d) must be a multiple of 4", c.USBMaxChunkB64Chars)
	}
	if enc := (c.USBChunkRawBytes + 2) / 3 * 4; enc > maxB64Line {
		return fmt.Errorf("usb_chunk_raw_bytes (%d) encodes to %d chars, more than %d", c.USBChunkRawBytes, enc, maxB64Line)
	}
	// An upload_chunk command must fit the line buffer with its JSON framing.
	if c.USBLineBufferBytes < c.USBMaxChunkB64Chars+64 {
		return fmt.Errorf("usb_line_buffer_bytes (%d) too small for usb_max_chunk_b64_chars (%d)", c.USBLineBufferBytes, c.USBMaxChunkB64Chars)
	}

	for _, h := range c.HiddenItems {
		if strings.ContainsAny(h, "/\\") {
			return fmt.Errorf("hidden_items entry %q must be a single name", h)
		}
	}
	c.MetadataDir = strings.Trim(strings.TrimSpace(c.MetadataDir), "/")
	if c.MetadataDir == "" {
		c.MetadataDir = def.MetadataDir
	}
	if strings.Contains(c.MetadataDir, "/") || c.MetadataDir == "." || c.MetadataDir == ".." {
		return fmt.Errorf("metadata_dir must be a single directory name")
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.BusSlowWarnMs < 0 {
		c.BusSlowWarnMs = 0
	}

	if c.Serial.Baud <= 0 {
		c.Serial.Baud = def.Serial.Baud
	}
	if c.Serial.Enabled && strings.TrimSpace(c.Serial.Port) == "" {
		return fmt.Errorf("serial.enabled=true but serial.port is empty")
	}
	if c.Discovery.UDPPort <= 0 || c.Discovery.UDPPort > 65535 {
		c.Discovery.UDPPort = def.Discovery.UDPPort
	}
	if c.Discovery.RateLimitPerSec < 0 {
		c.Discovery.RateLimitPerSec = 0
	}
	if c.Cache.TTLSec <= 0 {
		c.Cache.TTLSec = def.Cache.TTLSec
	}
	if c.Cache.CleanupSec <= 0 {
		c.Cache.CleanupSec = def.Cache.CleanupSec
	}
	if c.Watchdog.TimeoutSec <= 0 {
		c.Watchdog.TimeoutSec = def.Watchdog.TimeoutSec
	}
	if c.Render.WaitTimeoutMs <= 0 {
		c.Render.WaitTimeoutMs = def.Render.WaitTimeoutMs
	}
	if c.Render.IntervalMs < 0 {
		c.Render.IntervalMs = 0
	}
	return nil
}

// EnsureRoot makes sure the storage root exists.
func EnsureRoot(path string) error {
	return os.MkdirAll(path, 0o755)
}
