// Package config loads the settings shared by hub clients and servers from
// TOML or YAML files, plain maps and the environment.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"hubstream/codec"
	"hubstream/loadbalance"
	"hubstream/logging"
	"hubstream/registry"
	"hubstream/transport"
)

// Environment variables applied on top of file values.
const (
	EnvServerURIBase = "HUBSTREAM_SERVER_URI_BASE"
	EnvAccessToken   = "HUBSTREAM_ACCESS_TOKEN"
	EnvCodec         = "HUBSTREAM_CODEC"
)

const DefaultFailureRule = "Count >= 5"

var ErrUnsupportedFormat = errors.New("config: unsupported file format")

type Discovery struct {
	Endpoints []string `mapstructure:"endpoints"`
	Service   string   `mapstructure:"service"`
	Balancer  string   `mapstructure:"balancer"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

// Options holds every tunable of a hub endpoint.
type Options struct {
	ServerURIBase     string        `mapstructure:"server_uri_base"`
	AccessToken       string        `mapstructure:"access_token"`
	Codec             string        `mapstructure:"codec"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	FailureRule       string        `mapstructure:"failure_rule"`
	RateLimit         float64       `mapstructure:"rate_limit"`
	RateBurst         int           `mapstructure:"rate_burst"`
	Discovery         Discovery     `mapstructure:"discovery"`
	Log               Log           `mapstructure:"log"`
}

// Default returns the built-in settings.
func Default() Options {
	return Options{
		ServerURIBase:     "tcp://127.0.0.1:5000",
		Codec:             codec.CodecTypeJSON.String(),
		HeartbeatInterval: 15 * time.Second,
		DialTimeout:       10 * time.Second,
		HandshakeTimeout:  15 * time.Second,
		DrainTimeout:      5 * time.Second,
		FailureRule:       DefaultFailureRule,
		RateBurst:         1,
		Discovery: Discovery{
			Service:  "hubstream",
			Balancer: loadbalance.StrategyRoundRobin,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path (.toml, .yaml or .yml) over the defaults, applies the
// environment overrides and validates the result.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("load config: %w", err)
	}

	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
			return Options{}, fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Options{}, fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return Options{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	opts, err := FromMap(raw)
	if err != nil {
		return Options{}, fmt.Errorf("load config %s: %w", path, err)
	}
	opts.ApplyEnv()
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// FromMap decodes raw over the defaults. Durations accept Go duration
// strings, lists accept comma-separated strings, and unknown keys are
// rejected.
func FromMap(raw map[string]any) (Options, error) {
	opts := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return Options{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// ApplyEnv overrides the base URI, token and codec from the environment
// when the variables are set.
func (o *Options) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvServerURIBase); ok {
		o.ServerURIBase = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvAccessToken); ok {
		o.AccessToken = v
	}
	if v, ok := os.LookupEnv(EnvCodec); ok {
		o.Codec = strings.TrimSpace(v)
	}
}

func (o Options) Validate() error {
	if _, err := o.BaseURL(); err != nil {
		return err
	}
	if _, err := o.CodecType(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"heartbeat_interval": o.HeartbeatInterval,
		"dial_timeout":       o.DialTimeout,
		"handshake_timeout":  o.HandshakeTimeout,
		"drain_timeout":      o.DrainTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if o.RateLimit < 0 {
		return fmt.Errorf("config: rate_limit must not be negative")
	}
	if o.RateLimit > 0 && o.RateBurst < 1 {
		return fmt.Errorf("config: rate_burst must be at least 1 when rate_limit is set")
	}
	if strings.TrimSpace(o.FailureRule) == "" {
		return fmt.Errorf("config: failure_rule is empty")
	}
	if _, err := loadbalance.New(o.Discovery.Balancer); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, ok := logging.ParseLevel(o.Log.Level); !ok && o.Log.Level != "" {
		return fmt.Errorf("config: unknown log level %q", o.Log.Level)
	}
	return nil
}

// BaseURL parses ServerURIBase. It must be absolute.
func (o Options) BaseURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(o.ServerURIBase))
	if err != nil {
		return nil, fmt.Errorf("config: server_uri_base: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("config: server_uri_base %q is not an absolute URI", o.ServerURIBase)
	}
	return u, nil
}

// HubURL appends path to the base URI. The result path is always rooted,
// since hubs are mapped by absolute paths.
func (o Options) HubURL(path string) (*url.URL, error) {
	base, err := o.BaseURL()
	if err != nil {
		return nil, err
	}
	u := base.JoinPath(path)
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
		u.RawPath = ""
	}
	return u, nil
}

func (o Options) CodecType() (codec.CodecType, error) {
	return codec.ParseCodecType(strings.ToLower(o.Codec))
}

// TransportOptions translates the transport settings. o must be valid.
func (o Options) TransportOptions() []transport.Option {
	ct, _ := o.CodecType()
	return []transport.Option{
		transport.WithCodec(ct),
		transport.WithHeartbeat(o.HeartbeatInterval),
		transport.WithDialTimeout(o.DialTimeout),
		transport.WithHandshakeTimeout(o.HandshakeTimeout),
	}
}

// TokenProvider returns a provider handing out the static access token.
func (o Options) TokenProvider() transport.TokenProvider {
	if o.AccessToken == "" {
		return nil
	}
	token := o.AccessToken
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Balancer builds the configured discovery balancer.
func (o Options) Balancer() (loadbalance.Balancer, error) {
	return loadbalance.New(o.Discovery.Balancer)
}

// Registry connects to the configured etcd endpoints. It returns a nil
// registry when no endpoints are configured.
func (o Options) Registry() (registry.Registry, error) {
	if len(o.Discovery.Endpoints) == 0 {
		return nil, nil
	}
	reg, err := registry.NewEtcdRegistry(o.Discovery.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("config: discovery: %w", err)
	}
	return reg, nil
}

// LogLevel returns the configured level, defaulting to info.
func (o Options) LogLevel() zerolog.Level {
	lvl, _ := logging.ParseLevel(o.Log.Level)
	return lvl
}
