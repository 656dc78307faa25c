package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service     ServiceConfig     `koanf:"service"`
	MQTT        MQTTConfig        `koanf:"mqtt"`
	Influx      InfluxConfig      `koanf:"influx"`
	Mesh        MeshConfig        `koanf:"mesh"`
	Exhook      ExhookConfig      `koanf:"exhook"`
	VirtualNode VirtualNodeConfig `koanf:"virtual_node"`
}

type ServiceConfig struct {
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type MQTTConfig struct {
	Broker   string `koanf:"broker"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Pass     string `koanf:"pass"`
	Topic    string `koanf:"topic"`
	ClientID string `koanf:"client_id"`
}

// URI builds the paho broker URI.
func (m *MQTTConfig) URI() string {
	return fmt.Sprintf("tcp://%s:%d", m.Broker, m.Port)
}

// BaseTopic is the subscription topic with any trailing wildcard removed,
// for building per-gateway publish topics and ACL rules.
func (m *MQTTConfig) BaseTopic() string {
	return strings.TrimSuffix(m.Topic, "/#")
}

type InfluxConfig struct {
	URL            string `koanf:"url"`
	Token          string `koanf:"token"`
	Org            string `koanf:"org"`
	Bucket         string `koanf:"bucket"`
	WritePrecision string `koanf:"write_precision"`
}

type MeshConfig struct {
	// Key is the base64 channel key; empty selects the default
	// community key.
	Key           string `koanf:"key"`
	DedupCapacity int    `koanf:"dedup_capacity"`
	StripText     bool   `koanf:"strip_text"`
	ForceDecode   bool   `koanf:"force_decode"`
}

type ExhookConfig struct {
	Host         string   `koanf:"host"`
	Port         int      `koanf:"port"`
	AllowedUsers []string `koanf:"allowed_users"`
}

func (e *ExhookConfig) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

type VirtualNodeConfig struct {
	NodeID                 uint32 `koanf:"node_id"`
	ShortName              string `koanf:"short_name"`
	LongName               string `koanf:"long_name"`
	HwModel                uint32 `koanf:"hw_model"`
	Role                   uint32 `koanf:"role"`
	Channel                string `koanf:"channel"`
	BroadcastIntervalHours int    `koanf:"broadcast_interval_hours"`
}

// envAliases maps the well-known flat environment variables onto config
// paths. The BRIDGER_* double-underscore form works for every key; these
// short names are the ones deployments already use.
var envAliases = map[string]string{
	"MQTT_BROKER":                 "mqtt.broker",
	"MQTT_PORT":                   "mqtt.port",
	"MQTT_USER":                   "mqtt.user",
	"MQTT_PASS":                   "mqtt.pass",
	"MQTT_TOPIC":                  "mqtt.topic",
	"INFLUXDB_V2_URL":             "influx.url",
	"INFLUXDB_V2_TOKEN":           "influx.token",
	"INFLUXDB_V2_ORG":             "influx.org",
	"INFLUXDB_V2_BUCKET":          "influx.bucket",
	"INFLUXDB_V2_WRITE_PRECISION": "influx.write_precision",
	"MESHTASTIC_KEY":              "mesh.key",
	"EXHOOK_GRPC_HOST":            "exhook.host",
	"EXHOOK_GRPC_PORT":            "exhook.port",
	"EXHOOK_ALLOWED_USERS":        "exhook.allowed_users",
	"VIRTUAL_NODE_ID":             "virtual_node.node_id",
	"VIRTUAL_NODE_SHORT_NAME":     "virtual_node.short_name",
	"VIRTUAL_NODE_LONG_NAME":      "virtual_node.long_name",
	"VIRTUAL_NODE_CHANNEL":        "virtual_node.channel",

	"VIRTUAL_NODE_BROADCAST_INTERVAL_HOURS": "virtual_node.broadcast_interval_hours",
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BRIDGER_MQTT__BROKER → mqtt.broker
	if err := k.Load(env.Provider("BRIDGER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BRIDGER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	// Then the short aliases, which win over everything.
	for name, keyPath := range envAliases {
		if v, ok := os.LookupEnv(name); ok {
			if err := k.Set(keyPath, v); err != nil {
				return nil, fmt.Errorf("setting %s: %w", name, err)
			}
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		MQTT: MQTTConfig{
			Port:     1883,
			ClientID: "bridger",
		},
		Influx: InfluxConfig{
			Bucket:         "meshtastic",
			WritePrecision: "s",
		},
		Mesh: MeshConfig{
			DedupCapacity: 100,
			StripText:     true,
		},
		Exhook: ExhookConfig{
			Host:         "0.0.0.0",
			Port:         9000,
			AllowedUsers: []string{"bridger"},
		},
		VirtualNode: VirtualNodeConfig{
			NodeID:                 0x42524447,
			ShortName:              "BRDG",
			LongName:               "Bridger",
			HwModel:                255,
			Role:                   3,
			Channel:                "LongFast",
			BroadcastIntervalHours: 2,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Exhook.AllowedUsers) == 1 && strings.Contains(cfg.Exhook.AllowedUsers[0], ",") {
		cfg.Exhook.AllowedUsers = strings.Split(cfg.Exhook.AllowedUsers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("config: mqtt.port must be 1-65535 (got %d)", c.MQTT.Port)
	}
	if c.MQTT.Topic == "" {
		return fmt.Errorf("config: mqtt.topic is required")
	}
	switch c.Influx.WritePrecision {
	case "s", "ms", "us", "ns":
	default:
		return fmt.Errorf("config: influx.write_precision must be s, ms, us or ns (got %q)", c.Influx.WritePrecision)
	}
	if c.Influx.Bucket == "" {
		return fmt.Errorf("config: influx.bucket is required")
	}
	if c.Mesh.Key != "" {
		key, err := base64.StdEncoding.DecodeString(c.Mesh.Key)
		if err != nil {
			return fmt.Errorf("config: mesh.key is not valid base64: %w", err)
		}
		switch len(key) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("config: mesh.key must decode to 16, 24 or 32 bytes (got %d)", len(key))
		}
	}
	if c.Mesh.DedupCapacity <= 0 {
		return fmt.Errorf("config: mesh.dedup_capacity must be > 0 (got %d)", c.Mesh.DedupCapacity)
	}
	if c.Exhook.Port <= 0 || c.Exhook.Port > 65535 {
		return fmt.Errorf("config: exhook.port must be 1-65535 (got %d)", c.Exhook.Port)
	}
	if len(c.Exhook.AllowedUsers) == 0 {
		return fmt.Errorf("config: exhook.allowed_users is required")
	}
	if c.VirtualNode.BroadcastIntervalHours <= 0 {
		return fmt.Errorf("config: virtual_node.broadcast_interval_hours must be > 0 (got %d)", c.VirtualNode.BroadcastIntervalHours)
	}
	if c.VirtualNode.Channel == "" {
		return fmt.Errorf("config: virtual_node.channel is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}
