// Package config loads the collector's configuration from two YAML
// files: config.yaml (non-secret settings, committed) and
// secrets.yaml (credentials, gitignored). Loading validates
// fail-fast: a tunnel or hub section with missing required fields is
// rejected before any supervisor or client is constructed, and the
// resulting values are passed around by value so nothing re-reads
// secret storage later.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/kfsoftware/hacollect/pkg/tunnel"
)

const (
	defaultRemoteHost = "core-mariadb"
	defaultRemotePort = 3306
	defaultLocalPort  = 3306
	defaultSSHUser    = "root"
	defaultDriver     = "mysql"
	defaultDatabase   = "homeassistant"
)

// Config is the merged, validated view of config.yaml + secrets.yaml.
type Config struct {
	Hub           HubConfig
	Recorder      RecorderConfig
	defaultServer string
	servers       map[string]ServerConfig
}

// HubConfig addresses the hub's REST API.
type HubConfig struct {
	URL   string
	Token string
}

// RecorderConfig describes the recorder database reached over the
// tunnel. Driver is mysql (MariaDB) or postgres.
type RecorderConfig struct {
	Driver   string
	Database string
	User     string
	Password string
}

// ServerConfig is one named SSH server entry from
// ssh_tunnel.servers.<name> in secrets.yaml.
type ServerConfig struct {
	Host                       string `yaml:"host"`
	Port                       int    `yaml:"port"`
	User                       string `yaml:"user"`
	KeyFile                    string `yaml:"key_file"`
	Password                   string `yaml:"password"`
	RemoteHost                 string `yaml:"remote_host"`
	RemotePort                 int    `yaml:"remote_port"`
	LocalPort                  *int   `yaml:"local_port"`
	ConnectTimeoutSeconds      int    `yaml:"connect_timeout_seconds"`
	HealthCheckIntervalSeconds int    `yaml:"health_check_interval_seconds"`
	MaxReconnectAttempts       int    `yaml:"max_reconnect_attempts"`
}

type fileConfig struct {
	HomeAssistant struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"home_assistant"`
	Recorder struct {
		Driver   string `yaml:"driver"`
		Database string `yaml:"database"`
	} `yaml:"recorder"`
}

type fileSecrets struct {
	HomeAssistant struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"home_assistant"`
	Recorder struct {
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"recorder"`
	SSHTunnel struct {
		Default string                  `yaml:"default"`
		Servers map[string]ServerConfig `yaml:"servers"`
	} `yaml:"ssh_tunnel"`
}

// LoadDir loads <dir>/config.yaml and <dir>/secrets.yaml.
func LoadDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, "config.yaml"), filepath.Join(dir, "secrets.yaml"))
}

// Load reads and merges both files. config.yaml is optional; the
// secrets file is required since it carries all credentials.
func Load(configPath, secretsPath string) (*Config, error) {
	var fc fileConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, errors.Wrapf(err, "parse %s", configPath)
		}
	case os.IsNotExist(err):
		// non-secret settings are optional
	default:
		return nil, errors.Wrapf(err, "read %s", configPath)
	}

	data, err = os.ReadFile(secretsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf(
				"secrets file not found: %s (copy secrets.example.yaml and add your credentials)", secretsPath)
		}
		return nil, errors.Wrapf(err, "read %s", secretsPath)
	}
	var fs fileSecrets
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, errors.Wrapf(err, "parse %s", secretsPath)
	}

	cfg := &Config{
		Recorder: RecorderConfig{
			Driver:   fc.Recorder.Driver,
			Database: fc.Recorder.Database,
			User:     fs.Recorder.User,
			Password: fs.Recorder.Password,
		},
		defaultServer: fs.SSHTunnel.Default,
		servers:       fs.SSHTunnel.Servers,
	}
	if cfg.Recorder.Driver == "" {
		cfg.Recorder.Driver = defaultDriver
	}
	if cfg.Recorder.Database == "" {
		cfg.Recorder.Database = defaultDatabase
	}

	// Hub URL resolution: explicit host/port in config.yaml wins,
	// otherwise the URL from secrets.yaml.
	switch {
	case fc.HomeAssistant.Host != "" && fc.HomeAssistant.Port != 0:
		cfg.Hub.URL = fmt.Sprintf("http://%s:%d", fc.HomeAssistant.Host, fc.HomeAssistant.Port)
	case fs.HomeAssistant.URL != "":
		cfg.Hub.URL = fs.HomeAssistant.URL
	}
	cfg.Hub.Token = fs.HomeAssistant.Token

	if len(cfg.servers) > 0 && cfg.defaultServer == "" && len(cfg.servers) == 1 {
		for name := range cfg.servers {
			cfg.defaultServer = name
		}
	}
	return cfg, nil
}

// ValidateHub checks the REST credentials are present.
func (c *Config) ValidateHub() error {
	if c.Hub.URL == "" {
		return errors.New("missing hub URL: set home_assistant.host/port in config.yaml or home_assistant.url in secrets.yaml")
	}
	if c.Hub.Token == "" {
		return errors.New("missing hub token: set home_assistant.token in secrets.yaml")
	}
	return nil
}

// DefaultServer is the server name used when the caller passes none.
func (c *Config) DefaultServer() string { return c.defaultServer }

// ServerNames lists the configured tunnel servers.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	return names
}

// TunnelConfig resolves the named server (or the default when name is
// empty) into a validated tunnel.Config. All tunnel settings must be
// in secrets.yaml; only safe connection defaults are applied here.
func (c *Config) TunnelConfig(name string) (tunnel.Config, error) {
	if name == "" {
		name = c.defaultServer
	}
	if name == "" {
		return tunnel.Config{}, errors.New("no tunnel server selected: set ssh_tunnel.default in secrets.yaml")
	}
	sc, ok := c.servers[name]
	if !ok {
		return tunnel.Config{}, errors.Errorf("unknown tunnel server %q: set ssh_tunnel.servers.%s in secrets.yaml", name, name)
	}
	if sc.Host == "" {
		return tunnel.Config{}, errors.Errorf("SSH tunnel host not configured for server %q: set ssh_tunnel.servers.%s.host in secrets.yaml", name, name)
	}

	tc := tunnel.Config{
		SSHHost:              sc.Host,
		SSHPort:              sc.Port,
		SSHUser:              sc.User,
		KeyFile:              sc.KeyFile,
		Password:             sc.Password,
		RemoteHost:           sc.RemoteHost,
		RemotePort:           sc.RemotePort,
		LocalPort:            defaultLocalPort,
		ConnectTimeout:       time.Duration(sc.ConnectTimeoutSeconds) * time.Second,
		HealthCheckInterval:  time.Duration(sc.HealthCheckIntervalSeconds) * time.Second,
		MaxReconnectAttempts: sc.MaxReconnectAttempts,
	}
	if sc.LocalPort != nil {
		tc.LocalPort = *sc.LocalPort
	}
	if tc.SSHUser == "" {
		tc.SSHUser = defaultSSHUser
	}
	if tc.RemoteHost == "" {
		tc.RemoteHost = defaultRemoteHost
	}
	if tc.RemotePort == 0 {
		tc.RemotePort = defaultRemotePort
	}
	if err := tc.Validate(); err != nil {
		return tunnel.Config{}, errors.Wrapf(err, "server %q", name)
	}
	return tc, nil
}
