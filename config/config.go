package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"phasefeed/phase"
	"phasefeed/stream"

	"gopkg.in/yaml.v3"
)

// Config represents the complete dashboard configuration
type Config struct {
	Stream   StreamConfig   `yaml:"stream"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	UI       UIConfig       `yaml:"ui"`
	Recorder RecorderConfig `yaml:"recorder"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging"`

	// LoadedFrom is the directory or file the configuration was read from.
	LoadedFrom string `yaml:"-"`
}

// StreamConfig contains the backend connection and retry settings
type StreamConfig struct {
	WSURL                string `yaml:"ws_url"`
	Host                 string `yaml:"host"`
	TLS                  bool   `yaml:"tls"`
	AutoReconnect        bool   `yaml:"auto_reconnect"`
	ReconnectDelayMS     int    `yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	MaxHistoryLength     int    `yaml:"max_history_length"`
	Backoff              string `yaml:"backoff"`
	MaxReconnectDelayMS  int    `yaml:"max_reconnect_delay_ms"`
	KeepPendingReconnect bool   `yaml:"keep_pending_reconnect"`
	HandshakeTimeoutMS   int    `yaml:"handshake_timeout_ms"`
	ReadLimitBytes       int64  `yaml:"read_limit_bytes"`
}

// PhaseConfig names one catalog entry.
type PhaseConfig struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// CatalogConfig overrides the built-in phase catalog. An empty phase list
// keeps the default six phases.
type CatalogConfig struct {
	Phases        []PhaseConfig `yaml:"phases"`
	MatchDistance int           `yaml:"match_distance"`
}

// UIConfig controls the dashboard.
type UIConfig struct {
	Mode                 string `yaml:"mode"` // tview | ansi | headless
	TargetFPS            int    `yaml:"target_fps"`
	FrameRateIntervalMS  int    `yaml:"frame_rate_interval_ms"`
	StatsIntervalSeconds int    `yaml:"stats_interval_seconds"`
	// ANSI console only.
	RefreshMS   int  `yaml:"refresh_ms"`
	Color       bool `yaml:"color"`
	ClearScreen bool `yaml:"clear_screen"`
	LogLines    int  `yaml:"log_lines"`
}

// RecorderConfig contains the sqlite session recorder settings
type RecorderConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

// MQTTConfig contains the phase-change emitter settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	QoS         int    `yaml:"qos"`
}

// LoggingConfig contains file logging settings
type LoggingConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Dir                 string `yaml:"dir"`
	RetentionDays       int    `yaml:"retention_days"`
	DedupeWindowSeconds int    `yaml:"dedupe_window_seconds"`
}

const (
	UIModeTView    = "tview"
	UIModeANSI     = "ansi"
	UIModeHeadless = "headless"
)

// Default returns the configuration used when no file overrides a key.
func Default() *Config {
	sc := stream.DefaultConfig()
	return &Config{
		Stream: StreamConfig{
			Host:                 stream.DefaultHost,
			AutoReconnect:        sc.AutoReconnect,
			ReconnectDelayMS:     int(sc.ReconnectDelay / time.Millisecond),
			MaxReconnectAttempts: sc.MaxReconnectAttempts,
			MaxHistoryLength:     sc.MaxHistoryLength,
			Backoff:              string(sc.Backoff),
			MaxReconnectDelayMS:  int(sc.MaxReconnectDelay / time.Millisecond),
			HandshakeTimeoutMS:   int(sc.HandshakeTimeout / time.Millisecond),
			ReadLimitBytes:       sc.ReadLimit,
		},
		Catalog: CatalogConfig{MatchDistance: phase.DefaultMatchDistance},
		UI: UIConfig{
			Mode:                 UIModeTView,
			TargetFPS:            30,
			FrameRateIntervalMS:  1000,
			StatsIntervalSeconds: 30,
			RefreshMS:            250,
			Color:                true,
			ClearScreen:          true,
			LogLines:             10,
		},
		Recorder: RecorderConfig{
			Path:      "data/sessions.db",
			QueueSize: 1024,
		},
		MQTT: MQTTConfig{
			Broker:      "localhost",
			Port:        1883,
			TopicPrefix: "phasefeed",
		},
		Logging: LoggingConfig{
			Dir:                 "data/logs",
			RetentionDays:       7,
			DedupeWindowSeconds: 60,
		},
	}
}

// Load reads configuration from path. A directory has every *.yaml / *.yml
// file merged in lexical order, later files overriding earlier keys; a
// regular file is read alone. Keys absent from every file keep their
// defaults.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no yaml files in config directory %s", path)
		}
	}

	cfg := Default()
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(file), err)
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.LoadedFrom = path
	return cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (c *Config) normalize() {
	c.Stream.WSURL = strings.TrimSpace(c.Stream.WSURL)
	c.Stream.Host = strings.TrimSpace(c.Stream.Host)
	c.Stream.Backoff = strings.ToLower(strings.TrimSpace(c.Stream.Backoff))
	c.UI.Mode = strings.ToLower(strings.TrimSpace(c.UI.Mode))
	c.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
}

// Validate performs sanity checks on the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Stream.ReconnectDelayMS <= 0 {
		errs = append(errs, fmt.Errorf("stream.reconnect_delay_ms must be > 0"))
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("stream.max_reconnect_attempts must be > 0"))
	}
	if c.Stream.MaxHistoryLength <= 0 {
		errs = append(errs, fmt.Errorf("stream.max_history_length must be > 0"))
	}
	switch stream.BackoffPolicy(c.Stream.Backoff) {
	case stream.BackoffFixed, stream.BackoffExponential:
	default:
		errs = append(errs, fmt.Errorf("stream.backoff must be %q or %q, got %q", stream.BackoffFixed, stream.BackoffExponential, c.Stream.Backoff))
	}
	if c.Stream.WSURL != "" && !strings.HasPrefix(c.Stream.WSURL, "ws://") && !strings.HasPrefix(c.Stream.WSURL, "wss://") {
		errs = append(errs, fmt.Errorf("stream.ws_url must use ws:// or wss://, got %q", c.Stream.WSURL))
	}
	if c.Catalog.MatchDistance < 0 {
		errs = append(errs, fmt.Errorf("catalog.match_distance must be >= 0"))
	}
	if len(c.Catalog.Phases) > 0 {
		if _, err := c.PhaseCatalog(); err != nil {
			errs = append(errs, fmt.Errorf("catalog.phases: %w", err))
		}
	}
	switch c.UI.Mode {
	case UIModeTView, UIModeANSI, UIModeHeadless:
	default:
		errs = append(errs, fmt.Errorf("ui.mode must be %q, %q or %q, got %q", UIModeTView, UIModeANSI, UIModeHeadless, c.UI.Mode))
	}
	if c.UI.RefreshMS < 0 {
		errs = append(errs, fmt.Errorf("ui.refresh_ms must be >= 0"))
	}
	if c.UI.LogLines < 0 {
		errs = append(errs, fmt.Errorf("ui.log_lines must be >= 0"))
	}
	if c.UI.TargetFPS <= 0 {
		errs = append(errs, fmt.Errorf("ui.target_fps must be > 0"))
	}
	if c.UI.FrameRateIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("ui.frame_rate_interval_ms must be > 0"))
	}
	if c.UI.StatsIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("ui.stats_interval_seconds must be >= 0"))
	}
	if c.Recorder.Enabled && strings.TrimSpace(c.Recorder.Path) == "" {
		errs = append(errs, fmt.Errorf("recorder.path is required when the recorder is enabled"))
	}
	if c.Recorder.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("recorder.queue_size must be > 0"))
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port must be between 1 and 65535"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2"))
	}
	if c.Logging.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("logging.retention_days must be >= 0"))
	}
	if c.Logging.DedupeWindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("logging.dedupe_window_seconds must be >= 0"))
	}
	return errors.Join(errs...)
}

// URL returns the WebSocket endpoint: ws_url when set, else derived from
// host and tls.
func (s StreamConfig) URL() string {
	if s.WSURL != "" {
		return s.WSURL
	}
	return stream.DefaultURL(s.Host, s.TLS)
}

// ClientConfig converts the YAML settings to the stream client's options.
func (s StreamConfig) ClientConfig() stream.Config {
	return stream.Config{
		URL:                  s.URL(),
		AutoReconnect:        s.AutoReconnect,
		ReconnectDelay:       time.Duration(s.ReconnectDelayMS) * time.Millisecond,
		MaxReconnectAttempts: s.MaxReconnectAttempts,
		MaxHistoryLength:     s.MaxHistoryLength,
		Backoff:              stream.BackoffPolicy(s.Backoff),
		MaxReconnectDelay:    time.Duration(s.MaxReconnectDelayMS) * time.Millisecond,
		KeepPendingReconnect: s.KeepPendingReconnect,
		HandshakeTimeout:     time.Duration(s.HandshakeTimeoutMS) * time.Millisecond,
		ReadLimit:            s.ReadLimitBytes,
	}
}

// PhaseCatalog builds the catalog, falling back to the built-in phases when
// none are configured.
func (c *Config) PhaseCatalog() (*phase.Catalog, error) {
	if len(c.Catalog.Phases) == 0 {
		cat := phase.DefaultCatalog()
		if c.Catalog.MatchDistance != phase.DefaultMatchDistance {
			return phase.NewCatalog(cat.Definitions(), c.Catalog.MatchDistance)
		}
		return cat, nil
	}
	defs := make([]phase.Definition, len(c.Catalog.Phases))
	for i, p := range c.Catalog.Phases {
		defs[i] = phase.Definition{Name: p.Name, Color: p.Color}
	}
	return phase.NewCatalog(defs, c.Catalog.MatchDistance)
}

// Print displays the configuration
func (c *Config) Print() {
	if c.LoadedFrom != "" {
		fmt.Printf("Config: %s\n", c.LoadedFrom)
	}
	retry := fmt.Sprintf("%s delay %dms", c.Stream.Backoff, c.Stream.ReconnectDelayMS)
	if !c.Stream.AutoReconnect {
		retry = "disabled"
	}
	fmt.Printf("Stream: %s (reconnect %s, max %d attempts, history %d)\n",
		c.Stream.URL(), retry, c.Stream.MaxReconnectAttempts, c.Stream.MaxHistoryLength)
	if len(c.Catalog.Phases) > 0 {
		names := make([]string, len(c.Catalog.Phases))
		for i, p := range c.Catalog.Phases {
			names[i] = p.Name
		}
		fmt.Printf("Phases: %s\n", strings.Join(names, ", "))
	}
	fmt.Printf("UI: %s at %d fps\n", c.UI.Mode, c.UI.TargetFPS)
	if c.Recorder.Enabled {
		fmt.Printf("Recorder: %s\n", c.Recorder.Path)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (prefix: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.TopicPrefix)
	}
	if c.Logging.Enabled {
		fmt.Printf("Logging: %s (retention %d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
}
