package core

import (
	"strings"
	"time"
)

const (
	DefaultName                = "multichain"
	DefaultReconnectAttempts   = 3
	DefaultPairingTTL          = 5 * time.Minute
	DefaultPairingPollInterval = time.Second
	DefaultPairingScheme       = "multichain"
)

type TransportConfig struct {
	Kind              string        `koanf:"kind" mapstructure:"kind"`
	RequestTimeout    time.Duration `koanf:"request_timeout" mapstructure:"request_timeout"`
	ReconnectAttempts int           `koanf:"reconnect_attempts" mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `koanf:"reconnect_backoff" mapstructure:"reconnect_backoff"`
}

type SessionConfig struct {
	ExtendMethod   string `koanf:"extend_method" mapstructure:"extend_method"`
	PersistSession bool   `koanf:"persist_session" mapstructure:"persist_session"`
}

type PairingConfig struct {
	TTL          time.Duration `koanf:"ttl" mapstructure:"ttl"`
	PollInterval time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	Scheme       string        `koanf:"scheme" mapstructure:"scheme"`
}

type Config struct {
	Name      string          `koanf:"name" mapstructure:"name"`
	Transport TransportConfig `koanf:"transport" mapstructure:"transport"`
	Session   SessionConfig   `koanf:"session" mapstructure:"session"`
	Pairing   PairingConfig   `koanf:"pairing" mapstructure:"pairing"`
}

func DefaultConfig() Config {
	return Config{
		Name: DefaultName,
		Transport: TransportConfig{
			Kind:              "memory",
			RequestTimeout:    DefaultRequestTimeout,
			ReconnectAttempts: DefaultReconnectAttempts,
			ReconnectBackoff:  DefaultReconnectBackoff,
		},
		Session: SessionConfig{
			ExtendMethod:   MethodCreateSession,
			PersistSession: true,
		},
		Pairing: PairingConfig{
			TTL:          DefaultPairingTTL,
			PollInterval: DefaultPairingPollInterval,
			Scheme:       DefaultPairingScheme,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return validationError("name", "name is required")
	}
	if c.Transport.RequestTimeout <= 0 {
		return validationError("transport.request_timeout", "request timeout must be positive")
	}
	if c.Transport.ReconnectAttempts < 0 {
		return validationError("transport.reconnect_attempts", "reconnect attempts cannot be negative")
	}
	if c.Transport.ReconnectBackoff < 0 {
		return validationError("transport.reconnect_backoff", "reconnect backoff cannot be negative")
	}
	if strings.TrimSpace(c.Session.ExtendMethod) == "" {
		return validationError("session.extend_method", "extend method is required")
	}
	if c.Pairing.TTL <= 0 {
		return validationError("pairing.ttl", "pairing ttl must be positive")
	}
	if c.Pairing.PollInterval <= 0 {
		return validationError("pairing.poll_interval", "pairing poll interval must be positive")
	}
	return nil
}
