// Package config loads and validates the server's JSON configuration
// document, exposing a read-only typed view consumed by the reactor,
// channel registry, and input source.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"ssehub/internal/channel"
)

// ChannelDoc is one channel's raw (pre-CIDR-parsed) configuration as
// it appears in config.json.
type ChannelDoc struct {
	CacheLength           int      `json:"cacheLength"`
	AllowedPublishers     []string `json:"allowedPublishers"`
	AllowedOrigins        string   `json:"allowedOrigins"`
	HistoryRequestedLimit int      `json:"historyRequestedLimit"`
}

// AMQPDoc is the recognized-but-inert AMQP input source toggle; no
// AMQP client is wired in, so this is parsed and surfaced but never
// acted on (see DESIGN.md).
type AMQPDoc struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// InputSourceDoc configures the concrete line-delimited-JSON input
// source adapter.
type InputSourceDoc struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerDoc is the top-level server.* section.
type ServerDoc struct {
	Port                   int    `json:"port"`
	BindIP                 string `json:"bindip"`
	EnablePost             bool   `json:"enablePost"`
	AllowUndefinedChannels bool   `json:"allowUndefinedChannels"`
}

// document is the raw shape of config.json.
type document struct {
	Server         ServerDoc             `json:"server"`
	DefaultChannel ChannelDoc            `json:"defaultChannel"`
	Channels       map[string]ChannelDoc `json:"channels"`
	AMQP           AMQPDoc               `json:"amqp"`
	InputSource    InputSourceDoc        `json:"inputSource"`
}

// Config is the read-only, post-validation view consumed by the core.
// CIDR entries are parsed once here so the hot publish path never
// re-parses a string.
type Config struct {
	Port                   int
	BindIP                 string
	EnablePost             bool
	AllowUndefinedChannels bool

	DefaultChannel channel.Config
	Channels       map[string]channel.Config

	AMQPEnabled bool
	AMQPURL     string
	AMQPExch    string

	InputSourceEnabled bool
	InputSourcePath    string
}

// Load reads, schema-validates, and parses the config document at
// path. A schema violation or malformed CIDR literal is reported with
// enough context for the caller to log a fatal startup error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("config: schema validation failed for %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return fromDocument(doc)
}

func fromDocument(doc document) (*Config, error) {
	defaultChannel, err := channelConfigFrom(doc.DefaultChannel)
	if err != nil {
		return nil, fmt.Errorf("config: defaultChannel: %w", err)
	}

	channels := make(map[string]channel.Config, len(doc.Channels))
	for name, chDoc := range doc.Channels {
		cfg, err := channelConfigFrom(chDoc)
		if err != nil {
			return nil, fmt.Errorf("config: channels.%s: %w", name, err)
		}
		channels[name] = cfg
	}

	port := doc.Server.Port
	if port == 0 {
		port = 8080
	}
	bindip := doc.Server.BindIP
	if bindip == "" {
		bindip = "0.0.0.0"
	}

	return &Config{
		Port:                   port,
		BindIP:                 bindip,
		EnablePost:             doc.Server.EnablePost,
		AllowUndefinedChannels: doc.Server.AllowUndefinedChannels,
		DefaultChannel:         defaultChannel,
		Channels:               channels,
		AMQPEnabled:            doc.AMQP.Enabled,
		AMQPURL:                doc.AMQP.URL,
		AMQPExch:               doc.AMQP.Exchange,
		InputSourceEnabled:     doc.InputSource.Enabled,
		InputSourcePath:        doc.InputSource.Path,
	}, nil
}

func channelConfigFrom(d ChannelDoc) (channel.Config, error) {
	nets := make([]*net.IPNet, 0, len(d.AllowedPublishers))
	for _, cidr := range d.AllowedPublishers {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return channel.Config{}, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		nets = append(nets, n)
	}

	cacheLength := d.CacheLength
	if cacheLength == 0 {
		cacheLength = 100
	}

	return channel.Config{
		CacheLength:           cacheLength,
		AllowedPublishers:     nets,
		AllowedOrigins:        d.AllowedOrigins,
		HistoryRequestedLimit: d.HistoryRequestedLimit,
	}, nil
}
