package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/voltbridge/csms/core/billing"
	"github.com/voltbridge/csms/core/metrics"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/schedule"
	"github.com/voltbridge/csms/core/tx"
	"github.com/voltbridge/csms/infra/notify"
	"github.com/voltbridge/csms/infra/pricing"
	"github.com/voltbridge/csms/infra/status/redisstatus"
	"github.com/voltbridge/csms/infra/store/postgres"
	mqtttransport "github.com/voltbridge/csms/infra/transport/mqtt"
	"github.com/voltbridge/csms/infra/transport/ws"
	"github.com/voltbridge/csms/infra/wallet"
)

type Config struct {
	Server       ServerConfig         `json:"server"`
	Websocket    ws.Config            `json:"websocket"`
	MQTT         mqtttransport.Config `json:"mqtt"`
	Transactions tx.Config            `json:"transactions"`
	Billing      billing.Config       `json:"billing"`
	Schedule     schedule.Config      `json:"schedule"`
	Pricing      pricing.Config       `json:"pricing"`
	Wallet       wallet.Config        `json:"wallet"`
	Notify       notify.Config        `json:"notify"`
	Store        StoreConfig          `json:"store"`
	Status       StatusConfig         `json:"status"`
	Metrics      metrics.Config       `json:"metrics"`
}

// ServerConfig holds the listener and command dispatch settings.
type ServerConfig struct {
	// ListenAddr serves the OCPP websocket endpoint.
	ListenAddr string `json:"listen_addr"`
	// PromAddr serves /metrics. Empty disables the endpoint.
	PromAddr string `json:"prom_addr"`
	// DefaultTransport reaches stations the registry has not seen yet:
	// "websocket" or "mqtt".
	DefaultTransport string `json:"default_transport"`
	// CommandTimeoutMS bounds how long a remote command waits for the
	// station answer. Zero falls back to the dispatcher default.
	CommandTimeoutMS int `json:"command_timeout_ms"`
}

// SetDefaults applies sane defaults.
func (c *ServerConfig) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DefaultTransport == "" {
		c.DefaultTransport = string(model.TransportWebsocket)
	}
}

// Validate checks mandatory fields.
func (c ServerConfig) Validate() error {
	switch model.TransportKind(c.DefaultTransport) {
	case model.TransportWebsocket, model.TransportMQTT:
		return nil
	default:
		return fmt.Errorf("unknown default transport %s", c.DefaultTransport)
	}
}

// StoreConfig selects the repository backend.
type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string          `json:"backend"`
	Postgres postgres.Config `json:"postgres"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
}

func (c StoreConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("store: postgres backend needs a dsn")
		}
		return nil
	default:
		return fmt.Errorf("unknown store backend %s", c.Backend)
	}
}

// StatusConfig selects the connector-status backend.
type StatusConfig struct {
	// Backend is "memory" or "redis".
	Backend string             `json:"backend"`
	Redis   redisstatus.Config `json:"redis"`
}

func (c *StatusConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
}

func (c StatusConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("status: redis backend needs an addr")
		}
		return nil
	default:
		return fmt.Errorf("unknown status backend %s", c.Backend)
	}
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("CSMS_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "csms_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Server.SetDefaults()
	cfg.Store.SetDefaults()
	cfg.Status.SetDefaults()
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Store.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Status.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
