package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/park285/warchess-server/internal/obslog"
)

// AppConfig is shared by the API server and the socket broker.
type AppConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`
	AutoMigrate bool   `yaml:"auto_migrate"`
	RedisURL    string `yaml:"redis_url"`

	// BrokerNotifyURL is the broker's notify endpoint; empty disables pushes.
	BrokerNotifyURL string        `yaml:"broker_notify_url"`
	NotifySecret    string        `yaml:"notify_secret"`
	NotifyTimeout   time.Duration `yaml:"notify_timeout"`

	JWTSecret string `yaml:"jwt_secret"`
	MsgcatDir string `yaml:"msgcat_dir"`

	ArchiveEnabled bool `yaml:"archive_enabled"`

	Match  MatchConfig  `yaml:"match"`
	Stream StreamConfig `yaml:"stream"`
	Broker BrokerConfig `yaml:"broker"`

	// RateLimits holds per-minute budgets keyed by action name.
	RateLimits map[string]int `yaml:"rate_limits"`

	Log obslog.Options `yaml:"log"`
}

type MatchConfig struct {
	ReadyCountdown  time.Duration `yaml:"ready_countdown"`
	PresenceTimeout time.Duration `yaml:"presence_timeout"`
	ChatLimit       int           `yaml:"chat_limit"`
}

type StreamConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PresenceInterval time.Duration `yaml:"presence_interval"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	RetryMillis      int           `yaml:"retry_millis"`
}

type BrokerConfig struct {
	Addr             string        `yaml:"addr"`
	WSPath           string        `yaml:"ws_path"`
	NotifyPath       string        `yaml:"notify_path"`
	CoreBaseURL      string        `yaml:"core_base_url"`
	RoomPath         string        `yaml:"room_path"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	ValidateTimeout  time.Duration `yaml:"validate_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	MaxNotifyBytes   int64         `yaml:"max_notify_bytes"`
}

// DefaultRateLimits are per-user budgets per minute.
func DefaultRateLimits() map[string]int {
	return map[string]int{
		"join":     20,
		"status":   45,
		"leave":    30,
		"ready":    30,
		"presence": 120,
		"finish":   20,
		"move":     120,
		"message":  30,
		"room":     120,
	}
}

func defaults() *AppConfig {
	return &AppConfig{
		HTTPAddr:      ":8080",
		NotifyTimeout: time.Second,
		Match: MatchConfig{
			ReadyCountdown:  3 * time.Second,
			PresenceTimeout: 35 * time.Second,
			ChatLimit:       50,
		},
		Stream: StreamConfig{
			PollInterval:     2 * time.Second,
			PingInterval:     10 * time.Second,
			PresenceInterval: 10 * time.Second,
			MaxDuration:      25 * time.Second,
			RetryMillis:      5000,
		},
		Broker: BrokerConfig{
			Addr:             ":8090",
			WSPath:           "/ws",
			NotifyPath:       "/notify",
			RoomPath:         "/api/match/room",
			SubscribeTimeout: 10 * time.Second,
			ValidateTimeout:  5 * time.Second,
			PingInterval:     30 * time.Second,
			MaxNotifyBytes:   10000,
		},
		RateLimits: DefaultRateLimits(),
		Log:        obslog.OptionsFromEnv(),
	}
}

// Load reads CONFIG_FILE (if set) and then applies environment overrides.
func Load() (*AppConfig, error) {
	return LoadFile(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
}

// LoadFile overlays the YAML file at path (optional) on the defaults and
// then applies environment overrides.
func LoadFile(path string) (*AppConfig, error) {
	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		for k, v := range DefaultRateLimits() {
			if _, ok := cfg.RateLimits[k]; !ok {
				cfg.RateLimits[k] = v
			}
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setBool(&cfg.AutoMigrate, "DB_AUTO_MIGRATE")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.BrokerNotifyURL, "REALTIME_NOTIFY_URL")
	setString(&cfg.NotifySecret, "REALTIME_SECRET")
	setDuration(&cfg.NotifyTimeout, "REALTIME_NOTIFY_TIMEOUT")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.MsgcatDir, "MSGCAT_DIR")
	setBool(&cfg.ArchiveEnabled, "ARCHIVE_ENABLED")

	setDuration(&cfg.Match.ReadyCountdown, "MATCH_READY_COUNTDOWN")
	setDuration(&cfg.Match.PresenceTimeout, "MATCH_PRESENCE_TIMEOUT")
	setInt(&cfg.Match.ChatLimit, "MATCH_CHAT_LIMIT")

	setDuration(&cfg.Stream.PollInterval, "STREAM_POLL_INTERVAL")
	setDuration(&cfg.Stream.PingInterval, "STREAM_PING_INTERVAL")
	setDuration(&cfg.Stream.PresenceInterval, "STREAM_PRESENCE_INTERVAL")
	setDuration(&cfg.Stream.MaxDuration, "STREAM_MAX_DURATION")

	setString(&cfg.Broker.Addr, "BROKER_ADDR")
	setString(&cfg.Broker.WSPath, "WS_PATH")
	setString(&cfg.Broker.NotifyPath, "NOTIFY_PATH")
	setString(&cfg.Broker.CoreBaseURL, "API_BASE")
	setString(&cfg.Broker.RoomPath, "API_ROOM_PATH")
	if v := strings.TrimSpace(os.Getenv("WS_NOTIFY_SECRET")); v != "" {
		cfg.NotifySecret = v
	}
	setDuration(&cfg.Broker.PingInterval, "BROKER_PING_INTERVAL")

	// RATE_LIMITS=join:20,move:60
	if v := strings.TrimSpace(os.Getenv("RATE_LIMITS")); v != "" {
		for _, part := range strings.Split(v, ",") {
			name, num, ok := strings.Cut(strings.TrimSpace(part), ":")
			if !ok {
				continue
			}
			if n, err := strconv.Atoi(strings.TrimSpace(num)); err == nil && n >= 0 {
				cfg.RateLimits[strings.TrimSpace(name)] = n
			}
		}
	}
}

// Validate rejects settings the services cannot run with.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("HTTP_ADDR is required")
	}
	if c.Match.ReadyCountdown < 0 || c.Match.PresenceTimeout <= 0 {
		return errors.New("match timings must be positive")
	}
	if c.Stream.PollInterval <= 0 || c.Stream.MaxDuration <= 0 {
		return errors.New("stream intervals must be positive")
	}
	if !strings.HasPrefix(c.Broker.WSPath, "/") || !strings.HasPrefix(c.Broker.NotifyPath, "/") || !strings.HasPrefix(c.Broker.RoomPath, "/") {
		return errors.New("broker paths must start with /")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

// setDuration accepts Go durations ("2s") or plain seconds ("2").
func setDuration(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = time.Duration(n) * time.Second
	}
}
