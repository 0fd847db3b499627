package tunnel

import (
	"net"
	"strconv"
	"time"
)

const (
	DefaultSSHPort              = 22
	DefaultConnectTimeout       = 10 * time.Second
	DefaultHealthCheckInterval  = 30 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBackoff     = 500 * time.Millisecond
	DefaultReconnectBackoffMax  = 8 * time.Second
)

// Config holds everything needed to open and supervise one forwarded
// connection. It is passed by value and never re-read from secret
// storage after construction. Exactly one of KeyFile and Password must
// be set.
type Config struct {
	SSHHost  string
	SSHPort  int
	SSHUser  string
	KeyFile  string
	Password string

	RemoteHost string
	RemotePort int

	// LocalPort 0 asks the OS for an ephemeral port.
	LocalPort int

	ConnectTimeout       time.Duration
	HealthCheckInterval  time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	ReconnectBackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SSHPort == 0 {
		c.SSHPort = DefaultSSHPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.ReconnectBackoffMax == 0 {
		c.ReconnectBackoffMax = DefaultReconnectBackoffMax
	}
	return c
}

// Validate reports the first malformed field as a ConfigError.
func (c Config) Validate() error {
	if c.SSHHost == "" {
		return &ConfigError{Field: "ssh host", Reason: "must not be empty"}
	}
	if c.SSHUser == "" {
		return &ConfigError{Field: "ssh user", Reason: "must not be empty"}
	}
	if c.KeyFile == "" && c.Password == "" {
		return &ConfigError{Field: "credential", Reason: "either a key file or a password is required"}
	}
	if c.KeyFile != "" && c.Password != "" {
		return &ConfigError{Field: "credential", Reason: "key file and password are mutually exclusive"}
	}
	if c.RemoteHost == "" {
		return &ConfigError{Field: "remote host", Reason: "must not be empty"}
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return &ConfigError{Field: "remote port", Reason: "must be between 1 and 65535"}
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return &ConfigError{Field: "local port", Reason: "must be between 0 and 65535"}
	}
	return nil
}

func (c Config) sshAddr() string {
	return net.JoinHostPort(c.SSHHost, strconv.Itoa(c.SSHPort))
}

func (c Config) remoteAddr() string {
	return net.JoinHostPort(c.RemoteHost, strconv.Itoa(c.RemotePort))
}

// Endpoint is the local address a consumer connects to while the
// supervisor is ready. Always a loopback address.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.Addr() }
