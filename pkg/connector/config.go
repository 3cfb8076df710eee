// Copyright 2024-2026 Aiku AI

package connector

import (
	"cmp"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/connector/ircfmt"
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/connector/urbitfmt"
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/ircbot"
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/urbit"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	DefaultTickInterval = 3 * time.Second
	DefaultDedupWindow  = 200
	DefaultRetryLimit   = 500
	DefaultFetchTimeout = 15 * time.Second
	DefaultSendTimeout  = 10 * time.Second
	// DefaultFetchLookback covers posts that reach the bridge ship late
	// from other ships.
	DefaultFetchLookback = 2 * time.Minute

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "BRIDGE_"
)

var validate = validator.New()

// Config is the whole bridge configuration file.
type Config struct {
	Urbit UrbitConfig `yaml:"urbit"`
	Relay RelayConfig `yaml:"relay"`
	Bots  []BotConfig `yaml:"bots" validate:"required,min=1,dive"`
	// ChannelGroups are extra routes declared outside of a bot block; each
	// names its bot.
	ChannelGroups []ChannelGroup `yaml:"channel_groups" validate:"dive"`
	// AdminAPIAddr is the listen address of the admin HTTP API. Empty
	// disables it.
	AdminAPIAddr string            `yaml:"admin_api_addr"`
	Logging      zeroconfig.Config `yaml:"logging" validate:"-"`
}

// UrbitConfig is the account the bridge acts as.
type UrbitConfig struct {
	URL            string        `yaml:"url" env:"URBIT_URL" validate:"required,url"`
	Ship           string        `yaml:"ship" env:"URBIT_SHIP" validate:"required"`
	Code           string        `yaml:"code" env:"URBIT_CODE" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"URBIT_REQUEST_TIMEOUT" validate:"gte=0"`
	FetchCount     int           `yaml:"fetch_count" validate:"gte=0,lte=1000"`
	// FetchPages bounds how many pages of FetchCount posts one poll reads
	// when catching up.
	FetchPages int `yaml:"fetch_pages" validate:"gte=0,lte=100"`
}

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL" validate:"gte=0"`
	DedupWindow     int           `yaml:"dedup_window" validate:"gte=0"`
	MaxLineBytes    int           `yaml:"max_line_bytes" validate:"gte=0,lte=510"`
	MaxLines        int           `yaml:"max_lines"`
	MaxMessageBytes int           `yaml:"max_message_bytes" validate:"gte=0"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" validate:"gte=0"`
	SendTimeout     time.Duration `yaml:"send_timeout" validate:"gte=0"`
	// FetchLookback is how far behind the newest relayed post each poll
	// looks for posts that arrived late.
	FetchLookback time.Duration `yaml:"fetch_lookback" env:"FETCH_LOOKBACK" validate:"gte=0"`
	// RetryLimit caps the IRC messages waiting for a retried publish per
	// pair; the oldest are dropped beyond it.
	RetryLimit int `yaml:"retry_limit" validate:"gte=0"`
}

// BackoffConfig bounds the reconnect delay of a bot.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial" validate:"gte=0"`
	Max     time.Duration `yaml:"max" validate:"gte=0"`
}

// BotConfig is one IRC identity and the channels it bridges.
type BotConfig struct {
	Name         string         `yaml:"name" validate:"required"`
	Type         string         `yaml:"type" validate:"omitempty,eq=irc"`
	Server       string         `yaml:"server" validate:"required"`
	Port         int            `yaml:"port" validate:"gte=0,lte=65535"`
	TLS          bool           `yaml:"tls"`
	TLSInsecure  bool           `yaml:"tls_insecure"`
	Nickname     string         `yaml:"nickname" validate:"required"`
	Realname     string         `yaml:"realname"`
	Password     string         `yaml:"password"`
	PingInterval time.Duration  `yaml:"ping_interval" validate:"gte=0"`
	Backoff      BackoffConfig  `yaml:"backoff"`
	IgnoreNicks  []string       `yaml:"ignore_nicks"`
	Channels     []ChannelGroup `yaml:"channels" validate:"dive"`
}

// ChannelGroup maps one Urbit chat to one IRC channel. The chat is given
// either as resource_ship + urbit_channel or as resource "~ship/name".
type ChannelGroup struct {
	Bot          string `yaml:"bot"`
	IRCChannel   string `yaml:"irc_channel" validate:"required"`
	ResourceShip string `yaml:"resource_ship"`
	UrbitChannel string `yaml:"urbit_channel"`
	Resource     string `yaml:"resource"`
}

// ConfigError reports an invalid configuration value. It is fatal at
// startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Err.Error()
	}
	return "invalid config: " + e.Field + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// UnmarshalYAML also accepts the irc_* key spellings of older config files.
func (b *BotConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawBot BotConfig
	if err := node.Decode((*rawBot)(b)); err != nil {
		return err
	}
	var legacy struct {
		Nickname string `yaml:"irc_nickname"`
		Hostname string `yaml:"irc_hostname"`
		Port     int    `yaml:"irc_port"`
		Password string `yaml:"irc_password"`
	}
	if err := node.Decode(&legacy); err != nil {
		return err
	}
	b.Nickname = cmp.Or(b.Nickname, legacy.Nickname)
	b.Server = cmp.Or(b.Server, legacy.Hostname)
	b.Port = cmp.Or(b.Port, legacy.Port)
	b.Password = cmp.Or(b.Password, legacy.Password)
	return nil
}

// PostProcess fills defaults and validates the result.
func (c *Config) PostProcess() error {
	c.Urbit.Ship = strings.TrimSpace(c.Urbit.Ship)
	c.Relay.TickInterval = cmp.Or(c.Relay.TickInterval, DefaultTickInterval)
	c.Relay.DedupWindow = cmp.Or(c.Relay.DedupWindow, DefaultDedupWindow)
	c.Relay.MaxLineBytes = cmp.Or(c.Relay.MaxLineBytes, ircfmt.DefaultMaxLineBytes)
	c.Relay.MaxLines = cmp.Or(c.Relay.MaxLines, ircfmt.DefaultMaxLines)
	c.Relay.MaxMessageBytes = cmp.Or(c.Relay.MaxMessageBytes, urbitfmt.DefaultMaxMessageBytes)
	c.Relay.FetchTimeout = cmp.Or(c.Relay.FetchTimeout, DefaultFetchTimeout)
	c.Relay.SendTimeout = cmp.Or(c.Relay.SendTimeout, DefaultSendTimeout)
	c.Relay.RetryLimit = cmp.Or(c.Relay.RetryLimit, DefaultRetryLimit)
	c.Relay.FetchLookback = cmp.Or(c.Relay.FetchLookback, DefaultFetchLookback)
	c.Urbit.RequestTimeout = cmp.Or(c.Urbit.RequestTimeout, urbit.DefaultRequestTimeout)
	c.Urbit.FetchCount = cmp.Or(c.Urbit.FetchCount, urbit.DefaultFetchCount)
	c.Urbit.FetchPages = cmp.Or(c.Urbit.FetchPages, urbit.DefaultMaxFetchPages)
	for i := range c.Bots {
		b := &c.Bots[i]
		b.Port = cmp.Or(b.Port, ircbot.DefaultPort)
		b.Realname = cmp.Or(b.Realname, b.Nickname)
		b.Backoff.Initial = cmp.Or(b.Backoff.Initial, ircbot.DefaultInitialBackoff)
		b.Backoff.Max = cmp.Or(b.Backoff.Max, ircbot.DefaultMaxBackoff)
		b.PingInterval = cmp.Or(b.PingInterval, ircbot.DefaultPingFrequency)
	}
	if len(c.Logging.Writers) == 0 {
		c.Logging.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	if c.Logging.MinLevel == nil {
		lvl := zerolog.InfoLevel
		c.Logging.MinLevel = &lvl
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return configErrorf(fe.Namespace(), "failed %q check", fe.Tag())
		}
		return &ConfigError{Err: err}
	}
	if !bridge.ValidShip(c.Urbit.Ship) {
		return configErrorf("urbit.ship", "%q is not a ship name", c.Urbit.Ship)
	}
	if c.Relay.DedupWindow < c.Urbit.FetchCount {
		return configErrorf("relay.dedup_window", "must be at least urbit.fetch_count (%d)", c.Urbit.FetchCount)
	}
	seen := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		if seen[b.Name] {
			return configErrorf(fmt.Sprintf("bots[%d].name", i), "duplicate bot name %q", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// ApplyEnv overrides values from environment variables prefixed with
// BRIDGE_, and reads IRC passwords from BRIDGE_IRC_<BOT>_PASSWORD where
// <BOT> is the bot name uppercased with non-alphanumerics replaced by '_'.
func (c *Config) ApplyEnv(environ map[string]string) error {
	if environ == nil {
		// env falls back to the process environment on a nil map.
		environ = map[string]string{}
	}
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(&c.Urbit, opts); err != nil {
		return &ConfigError{Field: "urbit", Err: err}
	}
	if err := env.ParseWithOptions(&c.Relay, opts); err != nil {
		return &ConfigError{Field: "relay", Err: err}
	}
	if addr, ok := environ[EnvPrefix+"API_ADDR"]; ok {
		c.AdminAPIAddr = addr
	}
	for i := range c.Bots {
		if pw := environ[botPasswordEnv(c.Bots[i].Name)]; pw != "" {
			c.Bots[i].Password = pw
		}
	}
	return nil
}

var envSlugRe = regexp.MustCompile(`[^A-Z0-9]+`)

func botPasswordEnv(name string) string {
	return EnvPrefix + "IRC_" + envSlugRe.ReplaceAllString(strings.ToUpper(name), "_") + "_PASSWORD"
}

// LoadConfig reads a YAML config file, applies environment overrides from
// the process environment and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data, env.ToMap(os.Environ()))
}

// ParseConfig is LoadConfig on an in-memory document and environment.
func ParseConfig(data []byte, environ map[string]string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if err := cfg.ApplyEnv(environ); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UrbitClientConfig converts the urbit block for the adapter.
func (c *Config) UrbitClientConfig() urbit.Config {
	return urbit.Config{
		URL:            c.Urbit.URL,
		Ship:           c.Urbit.Ship,
		Code:           c.Urbit.Code,
		RequestTimeout: c.Urbit.RequestTimeout,
		FetchCount:     c.Urbit.FetchCount,
		MaxFetchPages:  c.Urbit.FetchPages,
	}
}

// BotClientConfig converts one bot block for the IRC adapter; channels is
// the list of channels the bot must join.
func (b *BotConfig) BotClientConfig(channels []string) ircbot.Config {
	return ircbot.Config{
		Name:           b.Name,
		Server:         b.Server,
		Port:           b.Port,
		TLS:            b.TLS,
		Insecure:       b.TLSInsecure,
		Nickname:       b.Nickname,
		Realname:       b.Realname,
		Password:       b.Password,
		Channels:       channels,
		IgnoreNicks:    b.IgnoreNicks,
		PingFrequency:  b.PingInterval,
		PingTimeout:    2 * b.PingInterval,
		InitialBackoff: b.Backoff.Initial,
		MaxBackoff:     b.Backoff.Max,
	}
}
