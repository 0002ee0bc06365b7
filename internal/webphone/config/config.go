// Package config loads the webphone configuration from flags, an optional
// TOML profile, and environment variables. Environment variables win.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the webphone configuration
type Config struct {
	// PBX REST API
	PBXURL string
	Token  string

	// SIP account
	Server      string // registrar, host:port
	Domain      string
	Extension   string
	Password    string
	DisplayName string

	// Notification stream
	StreamEndpoint string

	// Local endpoints
	SIPListenAddr string
	MediaPort     int

	// Timers
	RingTimeout time.Duration

	LogLevel string
}

// profile is the TOML shape of a saved account profile.
type profile struct {
	PBXURL         string `toml:"pbx_url"`
	Token          string `toml:"token"`
	Server         string `toml:"server"`
	Domain         string `toml:"domain"`
	Extension      string `toml:"extension"`
	Password       string `toml:"password"`
	DisplayName    string `toml:"display_name"`
	StreamEndpoint string `toml:"stream_endpoint"`
	SIPListenAddr  string `toml:"sip_listen_addr"`
	MediaPort      int    `toml:"media_port"`
	RingTimeoutSec int    `toml:"ring_timeout_seconds"`
	LogLevel       string `toml:"log_level"`
}

// Load loads configuration from command line flags, the profile file, and
// environment variables
func Load() (*Config, error) {
	cfg := &Config{
		RingTimeout: 60 * time.Second,
	}

	var profilePath string
	var ringTimeoutSec int

	flag.StringVar(&cfg.PBXURL, "pbx", "http://localhost:8080", "PBX API base URL")
	flag.StringVar(&cfg.Server, "server", "", "SIP registrar address (host:port, defaults to domain)")
	flag.StringVar(&cfg.Domain, "domain", "", "SIP domain")
	flag.StringVar(&cfg.Extension, "extension", "", "Extension to register")
	flag.StringVar(&cfg.DisplayName, "name", "", "Caller display name")
	flag.StringVar(&cfg.StreamEndpoint, "stream", "", "Notification stream websocket URL")
	flag.StringVar(&cfg.SIPListenAddr, "sip-listen", "0.0.0.0:5566", "Local SIP bind address")
	flag.IntVar(&cfg.MediaPort, "media-port", 40000, "Local RTP port")
	flag.IntVar(&ringTimeoutSec, "ring-timeout", 60, "Outbound ring timeout in seconds (negative disables)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&profilePath, "profile", "", "Path to a TOML account profile")
	flag.Parse()

	if env := os.Getenv("CALLSIGN_PROFILE"); env != "" && profilePath == "" {
		profilePath = env
	}
	if profilePath != "" {
		if err := applyProfile(cfg, profilePath, &ringTimeoutSec); err != nil {
			return nil, err
		}
	}

	// Override with environment variables if set
	if v := os.Getenv("PBX_URL"); v != "" {
		cfg.PBXURL = v
	}
	if v := os.Getenv("PBX_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("SIP_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("SIP_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("SIP_EXTENSION"); v != "" {
		cfg.Extension = v
	}
	if v := os.Getenv("SIP_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("STREAM_ENDPOINT"); v != "" {
		cfg.StreamEndpoint = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RING_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			ringTimeoutSec = n
		}
	}

	cfg.RingTimeout = time.Duration(ringTimeoutSec) * time.Second
	if ringTimeoutSec < 0 {
		cfg.RingTimeout = -1
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyProfile overlays keys defined in the TOML profile onto cfg.
func applyProfile(cfg *Config, path string, ringTimeoutSec *int) error {
	var p profile
	meta, err := toml.DecodeFile(path, &p)
	if err != nil {
		return fmt.Errorf("load profile %s: %w", path, err)
	}

	if meta.IsDefined("pbx_url") {
		cfg.PBXURL = strings.TrimSpace(p.PBXURL)
	}
	if meta.IsDefined("token") {
		cfg.Token = p.Token
	}
	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(p.Server)
	}
	if meta.IsDefined("domain") {
		cfg.Domain = strings.TrimSpace(p.Domain)
	}
	if meta.IsDefined("extension") {
		cfg.Extension = strings.TrimSpace(p.Extension)
	}
	if meta.IsDefined("password") {
		cfg.Password = p.Password
	}
	if meta.IsDefined("display_name") {
		cfg.DisplayName = p.DisplayName
	}
	if meta.IsDefined("stream_endpoint") {
		cfg.StreamEndpoint = strings.TrimSpace(p.StreamEndpoint)
	}
	if meta.IsDefined("sip_listen_addr") {
		cfg.SIPListenAddr = strings.TrimSpace(p.SIPListenAddr)
	}
	if meta.IsDefined("media_port") {
		cfg.MediaPort = p.MediaPort
	}
	if meta.IsDefined("ring_timeout_seconds") {
		*ringTimeoutSec = p.RingTimeoutSec
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = p.LogLevel
	}
	return nil
}

func (c *Config) validate() error {
	if c.Extension == "" {
		return fmt.Errorf("extension is required")
	}
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.Server == "" {
		c.Server = c.Domain
	}
	return nil
}
