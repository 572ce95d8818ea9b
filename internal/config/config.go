// Package config holds the bridge preferences: a TOML file, optional .env
// file and ASSETLINK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/carlosprados/assetlink/internal/ports"
	"github.com/carlosprados/assetlink/internal/validate"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	DefaultServer       = "https://www.blenderkit.com"
	DefaultPollInterval = time.Second
	DefaultSubject      = "assetlink.status"
)

type Proxy struct {
	Which   string `toml:"which"`
	Address string `toml:"address"`
	CACerts string `toml:"ca_certs"`
}

type Daemon struct {
	Interpreter string `toml:"interpreter"`
	Script      string `toml:"script"`
	Dir         string `toml:"dir"`
}

// Deps are the dependency paths handed to the daemon interpreter.
type Deps struct {
	Installed    string `toml:"installed"`
	Preinstalled string `toml:"preinstalled"`
}

type Events struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

type Agent struct {
	Listen       string `toml:"listen"`
	PollInterval string `toml:"poll_interval"`
}

type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Config is the full preference set.
type Config struct {
	DataDir   string `toml:"data_dir"`
	Server    string `toml:"server"`
	APIKey    string `toml:"api_key"`
	SystemID  string `toml:"system_id"`
	IPVersion string `toml:"ip_version"`
	Ports     []int  `toml:"ports"`

	Proxy  Proxy  `toml:"proxy"`
	Daemon Daemon `toml:"daemon"`
	Deps   Deps   `toml:"deps"`
	Events Events `toml:"events"`
	Agent  Agent  `toml:"agent"`
	Log    Log    `toml:"log"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return Config{
		DataDir:   filepath.Join(base, "assetlink"),
		Server:    DefaultServer,
		IPVersion: "BOTH",
		Ports:     append([]int(nil), ports.DefaultPorts...),
		Proxy:     Proxy{Which: "SYSTEM"},
		Events:    Events{Subject: DefaultSubject},
		Agent:     Agent{Listen: "127.0.0.1:9470", PollInterval: DefaultPollInterval.String()},
		Log:       Log{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and fills
// derived paths. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Debug().Str("component", "config").Str("path", path).Msg("no preferences file, using defaults")
		case err != nil:
			return cfg, err
		default:
			var generic map[string]any
			if err := toml.Unmarshal(b, &generic); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
			if err := validate.ValidatePreferencesMap(generic); err != nil {
				return cfg, fmt.Errorf("invalid preferences %s: %w", path, err)
			}
			if _, ok := generic["ports"]; ok {
				cfg.Ports = nil
			}
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.fillDerived()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("ASSETLINK_DATA_DIR", &c.DataDir)
	str("ASSETLINK_SERVER", &c.Server)
	str("ASSETLINK_API_KEY", &c.APIKey)
	str("ASSETLINK_SYSTEM_ID", &c.SystemID)
	str("ASSETLINK_IP_VERSION", &c.IPVersion)
	str("ASSETLINK_PROXY_WHICH", &c.Proxy.Which)
	str("ASSETLINK_PROXY_ADDRESS", &c.Proxy.Address)
	str("ASSETLINK_PROXY_CA_CERTS", &c.Proxy.CACerts)
	str("ASSETLINK_INTERPRETER", &c.Daemon.Interpreter)
	str("ASSETLINK_DAEMON_SCRIPT", &c.Daemon.Script)
	str("ASSETLINK_NATS_URL", &c.Events.NATSURL)
	str("ASSETLINK_LISTEN", &c.Agent.Listen)
	str("ASSETLINK_LOG_LEVEL", &c.Log.Level)
	str("ASSETLINK_LOG_FILE", &c.Log.File)

	if v, ok := os.LookupEnv("ASSETLINK_PORTS"); ok {
		ps, err := ParsePorts(v)
		if err != nil {
			return fmt.Errorf("ASSETLINK_PORTS: %w", err)
		}
		c.Ports = ps
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.Daemon.Dir == "" {
		c.Daemon.Dir = filepath.Join(c.DataDir, "daemon")
	}
	if c.Deps.Installed == "" {
		c.Deps.Installed = filepath.Join(c.DataDir, "deps", "installed")
	}
	if c.Deps.Preinstalled == "" {
		c.Deps.Preinstalled = filepath.Join(c.DataDir, "deps", "preinstalled")
	}
	if c.Events.Subject == "" {
		c.Events.Subject = DefaultSubject
	}
}

// Validate checks the invariants the supervisor relies on.
func (c Config) Validate() error {
	if _, err := ports.New(c.Ports...); err != nil {
		return fmt.Errorf("ports: %w", err)
	}
	switch c.IPVersion {
	case "BOTH", "IPV4", "IPV6":
	default:
		return fmt.Errorf("ip_version: unknown value %q", c.IPVersion)
	}
	switch c.Proxy.Which {
	case "SYSTEM", "NONE", "CUSTOM":
	default:
		return fmt.Errorf("proxy.which: unknown value %q", c.Proxy.Which)
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	return nil
}

// PollInterval is the parsed agent poll interval.
func (c Config) PollInterval() (time.Duration, error) {
	if c.Agent.PollInterval == "" {
		return DefaultPollInterval, nil
	}
	d, err := time.ParseDuration(c.Agent.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("agent.poll_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("agent.poll_interval: must be positive")
	}
	return d, nil
}

// StateDir holds the persisted supervisor snapshot.
func (c Config) StateDir() string { return filepath.Join(c.DataDir, "state") }

// DepsPath is the directory users are told to clear on import failures.
func (c Config) DepsPath() string { return filepath.Dir(c.Deps.Installed) }

// ParsePorts parses a comma separated port list.
func ParsePorts(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", f)
		}
		out = append(out, p)
	}
	return out, nil
}

// Save writes cfg as TOML, creating the parent directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
