package stream

import (
	"net/url"
	"strings"
	"time"

	"phasefeed/buffer"
)

const (
	// DefaultPath is the backend's stream endpoint path.
	DefaultPath = "/ws/stream/"
	// DefaultHost is used when neither a URL nor a host is configured.
	DefaultHost = "localhost:8000"

	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultMaxReconnectDelay    = 30 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultReadLimit            = 8 << 20
)

// BackoffPolicy selects how the delay between reconnect attempts evolves.
type BackoffPolicy string

const (
	// BackoffFixed waits ReconnectDelay before every attempt.
	BackoffFixed BackoffPolicy = "fixed"
	// BackoffExponential doubles the delay per attempt, capped at MaxReconnectDelay.
	BackoffExponential BackoffPolicy = "exponential"
)

// Config controls the client's endpoint, retry policy and history size.
// Start from DefaultConfig; zero numeric fields are replaced by defaults.
type Config struct {
	URL                  string        // WebSocket endpoint (ws:// or wss://)
	AutoReconnect        bool          // Schedule retries after a close or failed dial
	ReconnectDelay       time.Duration // Delay before each retry (base delay for exponential)
	MaxReconnectAttempts int           // Consecutive attempts before giving up
	MaxHistoryLength     int           // History capacity
	Backoff              BackoffPolicy // fixed (default) or exponential
	MaxReconnectDelay    time.Duration // Cap for exponential backoff
	KeepPendingReconnect bool          // Disconnect leaves an already scheduled retry armed
	HandshakeTimeout     time.Duration // Dial + upgrade timeout
	ReadLimit            int64         // Maximum inbound message size in bytes
}

// DefaultConfig returns the documented defaults pointed at the default host.
func DefaultConfig() Config {
	return Config{
		URL:                  DefaultURL(DefaultHost, false),
		AutoReconnect:        true,
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		MaxHistoryLength:     buffer.DefaultCapacity,
		Backoff:              BackoffFixed,
		MaxReconnectDelay:    DefaultMaxReconnectDelay,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		ReadLimit:            DefaultReadLimit,
	}
}

// DefaultURL derives the stream endpoint from a host[:port], choosing wss
// when secure is set.
func DefaultURL(host string, secure bool) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultHost
	}
	u := url.URL{Scheme: "ws", Host: host, Path: DefaultPath}
	if secure {
		u.Scheme = "wss"
	}
	return u.String()
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL(DefaultHost, false)
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.MaxHistoryLength <= 0 {
		c.MaxHistoryLength = buffer.DefaultCapacity
	}
	if c.Backoff == "" {
		c.Backoff = BackoffFixed
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	return c
}
