package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration
type Config struct {
	Server   Server   `yaml:"server" toml:"server"`
	Uplink   Uplink   `yaml:"uplink" toml:"uplink"`
	Network  Network  `yaml:"network" toml:"network"`
	Services []Client `yaml:"services" toml:"services"`
	Akill    Akill    `yaml:"akill" toml:"akill"`
	Storage  Storage  `yaml:"storage" toml:"storage"`
	Log      Log      `yaml:"log" toml:"log"`
	Metrics  Metrics  `yaml:"metrics" toml:"metrics"`
}

// Server describes the pseudo-server we link as
type Server struct {
	Name        string `yaml:"name" toml:"name"`
	Description string `yaml:"description" toml:"description"`
}

// Uplink is the IRC server we connect to
type Uplink struct {
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	Password       string `yaml:"password" toml:"password"`
	TLS            bool   `yaml:"tls" toml:"tls"`
	TLSInsecure    bool   `yaml:"tls_insecure" toml:"tls_insecure"`
	ReconnectDelay string `yaml:"reconnect_delay" toml:"reconnect_delay"`
}

// Network holds the limits we expect the network to advertise
type Network struct {
	NickLen int `yaml:"nicklen" toml:"nicklen"`
}

// Client is a services pseudo-client. The first one configured receives
// operator commands.
type Client struct {
	Nick     string `yaml:"nick" toml:"nick"`
	Ident    string `yaml:"ident" toml:"ident"`
	Host     string `yaml:"host" toml:"host"`
	Realname string `yaml:"realname" toml:"realname"`
	Modes    string `yaml:"modes" toml:"modes"`
}

// Akill configures the network ban list
type Akill struct {
	DefaultExpiry string  `yaml:"default_expiry" toml:"default_expiry"`
	DefaultUnit   string  `yaml:"default_unit" toml:"default_unit"`
	OnAdd         bool    `yaml:"on_add" toml:"on_add"`
	IDs           bool    `yaml:"ids" toml:"ids"`
	RegexEngine   string  `yaml:"regex_engine" toml:"regex_engine"`
	Threshold     float64 `yaml:"threshold" toml:"threshold"`
	ExpireCheck   string  `yaml:"expire_check" toml:"expire_check"`
}

// Storage selects where bans and accounts live
type Storage struct {
	Driver  string `yaml:"driver" toml:"driver"`
	DataDir string `yaml:"data_dir" toml:"data_dir"`
	DSN     string `yaml:"dsn" toml:"dsn"`
}

type Log struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type Metrics struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Load reads and parses a YAML or TOML configuration file, then applies
// overrides from a .env file next to it and from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default filled in
func Default() *Config {
	return &Config{
		Server: Server{Description: "IRC Services"},
		Uplink: Uplink{Port: 6667, ReconnectDelay: "30s"},
		Network: Network{
			NickLen: 9,
		},
		Akill: Akill{
			DefaultExpiry: "30d",
			DefaultUnit:   "d",
			OnAdd:         true,
			RegexEngine:   "regexp",
			Threshold:     95,
			ExpireCheck:   "1m",
		},
		Storage: Storage{Driver: "file", DataDir: "./data"},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Validate rejects configurations the daemon cannot link with
func (c *Config) Validate() error {
	switch {
	case c.Server.Name == "":
		return errors.New("server.name is required")
	case !strings.Contains(c.Server.Name, "."):
		return fmt.Errorf("server.name %q must contain a dot", c.Server.Name)
	case c.Uplink.Host == "":
		return errors.New("uplink.host is required")
	case c.Uplink.Password == "":
		return errors.New("uplink.password is required")
	case len(c.Services) == 0:
		return errors.New("at least one services client is required")
	}
	for i, s := range c.Services {
		if s.Nick == "" || s.Ident == "" {
			return fmt.Errorf("services[%d] needs a nick and an ident", i)
		}
	}
	switch c.Storage.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// ServiceHost returns the host a pseudo-client is introduced with
func (c *Config) ServiceHost(cl Client) string {
	if cl.Host != "" {
		return cl.Host
	}
	return c.Server.Name
}

func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("NGSERVICES_SERVER_NAME", &c.Server.Name)
	str("NGSERVICES_UPLINK_HOST", &c.Uplink.Host)
	str("NGSERVICES_UPLINK_PASSWORD", &c.Uplink.Password)
	str("NGSERVICES_STORAGE_DRIVER", &c.Storage.Driver)
	str("NGSERVICES_STORAGE_DSN", &c.Storage.DSN)
	str("NGSERVICES_DATA_DIR", &c.Storage.DataDir)
	str("NGSERVICES_LOG_LEVEL", &c.Log.Level)
	str("NGSERVICES_METRICS_LISTEN", &c.Metrics.Listen)

	if v, ok := os.LookupEnv("NGSERVICES_UPLINK_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.Uplink.Port = port
		}
	}
	if v, ok := os.LookupEnv("NGSERVICES_UPLINK_TLS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Uplink.TLS = b
		}
	}
}
