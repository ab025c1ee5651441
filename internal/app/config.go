package app

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"cipherline/internal/services/keyagreement"
	"cipherline/internal/transport"
)

const (
	configName = "config"
	configType = "toml"
)

// Store backends.
const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Home     string       // config directory, e.g. $HOME/.cipherline
	RelayURL string       // relay base URL, e.g. http://127.0.0.1:8080
	WSURL    string       // realtime endpoint; derived from RelayURL when empty
	HTTP     *http.Client // optional; defaults to http.DefaultClient

	LogLevel  string
	LogFormat string
	Backend   string

	KeyAgreement keyagreement.Config
	Transport    transport.Config
}

// LoadConfig reads <home>/config.toml over the defaults. A missing file is
// not an error.
func LoadConfig(home string, v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(home)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		Home:      home,
		RelayURL:  v.GetString("relay.url"),
		WSURL:     v.GetString("relay.ws_url"),
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
		Backend:   strings.ToLower(v.GetString("store.backend")),
		KeyAgreement: keyagreement.Config{
			MaxSkippedMessageKeys: v.GetInt("ratchet.max_skipped"),
			OneTimePreKeyBatch:    v.GetInt("prekeys.batch"),
			SignedPreKeyRotation:  v.GetDuration("prekeys.signed_rotation"),
			AllowDegradedSessions: v.GetBool("prekeys.allow_degraded"),
		},
		Transport: transport.Config{
			QueueCapacity:        v.GetInt("transport.queue_capacity"),
			HeartbeatInterval:    v.GetDuration("transport.heartbeat_interval"),
			HeartbeatTimeout:     v.GetDuration("transport.heartbeat_timeout"),
			BackoffBase:          v.GetDuration("transport.backoff_base"),
			BackoffMax:           v.GetDuration("transport.backoff_max"),
			MaxReconnectAttempts: v.GetInt("transport.max_reconnect_attempts"),
			DialTimeout:          v.GetDuration("transport.dial_timeout"),
			WriteTimeout:         transport.DefaultConfig().WriteTimeout,
		},
	}
	switch cfg.Backend {
	case BackendFile, BackendBolt:
	default:
		return Config{}, fmt.Errorf("store.backend: unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	ka := keyagreement.DefaultConfig()
	tc := transport.DefaultConfig()

	v.SetDefault("relay.url", "http://127.0.0.1:8080")
	v.SetDefault("relay.ws_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("ratchet.max_skipped", ka.MaxSkippedMessageKeys)
	v.SetDefault("prekeys.batch", ka.OneTimePreKeyBatch)
	v.SetDefault("prekeys.signed_rotation", ka.SignedPreKeyRotation)
	v.SetDefault("prekeys.allow_degraded", ka.AllowDegradedSessions)
	v.SetDefault("transport.queue_capacity", tc.QueueCapacity)
	v.SetDefault("transport.heartbeat_interval", tc.HeartbeatInterval)
	v.SetDefault("transport.heartbeat_timeout", tc.HeartbeatTimeout)
	v.SetDefault("transport.backoff_base", tc.BackoffBase)
	v.SetDefault("transport.backoff_max", tc.BackoffMax)
	v.SetDefault("transport.max_reconnect_attempts", tc.MaxReconnectAttempts)
	v.SetDefault("transport.dial_timeout", tc.DialTimeout)
}

// RealtimeURL is WSURL, or RelayURL with a ws scheme and the /ws path.
func (c Config) RealtimeURL() (string, error) {
	if c.WSURL != "" {
		return c.WSURL, nil
	}
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return "", fmt.Errorf("relay.url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay.url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
