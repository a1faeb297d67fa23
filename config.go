package simcmd_server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = 6780
	defaultTickRate      = 30
	defaultOutboundQueue = 64
	defaultMaxFrame      = 64 * 1024
)

type (
	// Config holds server settings. It can be loaded from a YAML file and
	// then overridden by command line flags.
	Config struct {
		// Endpoint is the network interface to listen on; "" means all.
		Endpoint string `yaml:"endpoint"`

		// Port is the TCP port; 0 selects the default, -1 an ephemeral port.
		Port int `yaml:"port"`

		// HTTP is the listen address for /metrics and /ws; "" disables it.
		HTTP string `yaml:"http"`

		TickRate      int    `yaml:"tick_rate"`
		NotifyPolicy  string `yaml:"notify_policy"`
		OutboundQueue int    `yaml:"outbound_queue"`
		MaxFrame      int    `yaml:"max_frame"`

		// CaptureEvery is the number of ticks between automatic frame
		// captures; 0 turns automatic capture off.
		CaptureEvery int `yaml:"capture_every"`

		// PersistPath is the world snapshot file; "" keeps state in memory.
		PersistPath string `yaml:"persist_path"`

		Aliases []Alias `yaml:"aliases"`
	}
)

func DefaultConfig() Config {
	return Config{
		Port:          defaultPort,
		TickRate:      defaultTickRate,
		NotifyPolicy:  NotifyBroadcast,
		OutboundQueue: defaultOutboundQueue,
		MaxFrame:      defaultMaxFrame,
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (cfg Config, err error) {
	cfg = DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	if err = yaml.Unmarshal(data, &cfg); err != nil {
		err = fmt.Errorf("config %s: %w", path, err)
		return
	}

	err = cfg.Validate()
	return
}

// Validate fills unset values with defaults and rejects bad ones.
func (cfg *Config) Validate() error {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.TickRate == 0 {
		cfg.TickRate = defaultTickRate
	}
	if cfg.NotifyPolicy == "" {
		cfg.NotifyPolicy = NotifyBroadcast
	}
	if cfg.OutboundQueue == 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	if cfg.MaxFrame == 0 {
		cfg.MaxFrame = defaultMaxFrame
	}

	if cfg.Port < -1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d is out of range", cfg.Port)
	}
	if cfg.TickRate < 1 || cfg.TickRate > 1000 {
		return fmt.Errorf("tick rate %d must be between 1 and 1000", cfg.TickRate)
	}
	if cfg.NotifyPolicy != NotifyBroadcast && cfg.NotifyPolicy != NotifyLatest {
		return fmt.Errorf("notify policy %q must be %s or %s", cfg.NotifyPolicy, NotifyBroadcast, NotifyLatest)
	}
	if cfg.OutboundQueue < 1 {
		return fmt.Errorf("outbound queue %d must be positive", cfg.OutboundQueue)
	}
	if cfg.MaxFrame < 16 {
		return fmt.Errorf("max frame %d is too small", cfg.MaxFrame)
	}
	if cfg.CaptureEvery < 0 {
		return fmt.Errorf("capture interval %d must not be negative", cfg.CaptureEvery)
	}
	for _, a := range cfg.Aliases {
		if a.Name == "" || a.Command == "" {
			return fmt.Errorf("alias %q -> %q is incomplete", a.Name, a.Command)
		}
	}

	return nil
}
