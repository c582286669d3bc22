package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

// Config is the whole bouncer configuration.
type Config struct {
	Core     Core      `yaml:"core"`
	Networks []Network `yaml:"networks"`
}

// Core holds process-wide settings. Every field can be overridden from
// the environment.
type Core struct {
	LogDir        string        `yaml:"log_dir" env:"BOUNCE_LOG_DIR"`
	DBPath        string        `yaml:"db_path" env:"BOUNCE_DB_PATH"`
	ControlSocket string        `yaml:"control_socket" env:"BOUNCE_CONTROL_SOCKET"`
	ReadTimeout   time.Duration `yaml:"read_timeout" env:"BOUNCE_READ_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"BOUNCE_WRITE_TIMEOUT"`
	OutboxSize    int           `yaml:"outbox_size" env:"BOUNCE_OUTBOX_SIZE"`
	SendRate      float64       `yaml:"send_rate" env:"BOUNCE_SEND_RATE"` // messages per second, 0 = unlimited
	SendBurst     int           `yaml:"send_burst" env:"BOUNCE_SEND_BURST"`
	Proxy         string        `yaml:"proxy" env:"BOUNCE_PROXY"` // socks5://host:port
}

// Network is one upstream IRC identity.
type Network struct {
	Name     string   `yaml:"name"`
	User     string   `yaml:"user"`
	Nicks    []string `yaml:"nicks"`
	Username string   `yaml:"username"`
	Realname string   `yaml:"realname"`
	Server   Server   `yaml:"server"`
}

type Server struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	SSL      bool   `yaml:"ssl"`
	Password string `yaml:"password"`
}

func (s Server) Address() string {
	return net.JoinHostPort(s.Hostname, strconv.Itoa(s.Port))
}

// Nick returns the first-choice nick.
func (n Network) Nick() string {
	if len(n.Nicks) == 0 {
		return ""
	}
	return n.Nicks[0]
}

// Default returns a configuration with every core default applied and no
// networks.
func Default() *Config {
	return &Config{
		Core: Core{
			LogDir:        "logs",
			DBPath:        "bounce.db",
			ControlSocket: "/tmp/bounce.sock",
			ReadTimeout:   5 * time.Minute,
			WriteTimeout:  30 * time.Second,
			OutboxSize:    10,
			SendBurst:     5,
		},
	}
}

// Load reads the YAML file at path, applies defaults and environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := env.Parse(&cfg.Core); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML over the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range cfg.Networks {
		if cfg.Networks[i].User == "" {
			cfg.Networks[i].User = cfg.Networks[i].Username
		}
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Core.LogDir == "" {
		return errors.New("core.log_dir is required")
	}
	// PASS, NICK and USER are queued before the write loop starts
	if c.Core.OutboxSize < 3 {
		return errors.New("core.outbox_size must be at least 3")
	}
	if c.Core.SendRate < 0 {
		return errors.New("core.send_rate must not be negative")
	}
	if len(c.Networks) == 0 {
		return errors.New("at least one network is required")
	}

	seen := make(map[string]bool)
	for i, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("network %d: name is required", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("network %q: duplicate name", n.Name)
		}
		seen[n.Name] = true

		if n.User == "" {
			return fmt.Errorf("network %q: user is required", n.Name)
		}
		if n.Nick() == "" {
			return fmt.Errorf("network %q: at least one nick is required", n.Name)
		}
		if n.Username == "" {
			return fmt.Errorf("network %q: username is required", n.Name)
		}
		if n.Server.Hostname == "" {
			return fmt.Errorf("network %q: server.hostname is required", n.Name)
		}
		if n.Server.Port < 1 || n.Server.Port > 65535 {
			return fmt.Errorf("network %q: server.port %d out of range", n.Name, n.Server.Port)
		}
	}

	return nil
}
