package tunnel

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Category names the root cause class of a tunnel failure. It is
// carried on the terminal ConnectError so callers can tell a bad
// credential apart from a flaky network without string matching.
type Category string

const (
	CategoryConfig      Category = "config"
	CategoryAuth        Category = "auth"
	CategoryUnreachable Category = "unreachable"
	CategoryPortBind    Category = "port-bind"
	CategoryHealthCheck Category = "health-check"
)

// ErrClosed is returned for any operation on a supervisor after Stop.
var ErrClosed = errors.New("tunnel: supervisor is closed")

// ConfigError reports a malformed or missing connection parameter.
// It is fatal and never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tunnel: invalid config: %s: %s", e.Field, e.Reason)
}

// AuthError reports a rejected credential. Retrying will not fix a bad
// credential, so the supervisor gives up after the first attempt.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("tunnel: authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// UnreachableError reports a network or DNS failure reaching the SSH
// host. Retried with backoff up to the configured attempt budget.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("tunnel: ssh host unreachable: %v", e.Err)
}
func (e *UnreachableError) Unwrap() error { return e.Err }

// PortBindError reports that the local forward port could not be
// bound. Fatal when the port was explicitly requested; a 0 (auto)
// port is assigned by the OS and retried like any transient failure.
type PortBindError struct {
	Port int
	Err  error
}

func (e *PortBindError) Error() string {
	return fmt.Sprintf("tunnel: cannot bind local port %d: %v", e.Port, e.Err)
}
func (e *PortBindError) Unwrap() error { return e.Err }

// HealthCheckError reports a failed probe over an established channel.
// Triggers the Degraded/reconnect flow rather than failing outright.
type HealthCheckError struct {
	Err error
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("tunnel: health check failed: %v", e.Err)
}
func (e *HealthCheckError) Unwrap() error { return e.Err }

// ConnectError is the single terminal error surfaced by Start or by
// reconnect exhaustion: root cause category, attempt count and the
// last underlying cause. Intermediate retries never surface.
type ConnectError struct {
	Category Category
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("tunnel: connect failed (%s) after %d attempt(s): %v", e.Category, e.Attempts, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }

func categoryOf(err error) Category {
	var (
		configErr *ConfigError
		authErr   *AuthError
		unreach   *UnreachableError
		bindErr   *PortBindError
		healthErr *HealthCheckError
	)
	switch {
	case errors.As(err, &configErr):
		return CategoryConfig
	case errors.As(err, &authErr):
		return CategoryAuth
	case errors.As(err, &bindErr):
		return CategoryPortBind
	case errors.As(err, &healthErr):
		return CategoryHealthCheck
	case errors.As(err, &unreach):
		return CategoryUnreachable
	default:
		return CategoryUnreachable
	}
}

// classifyHandshake maps an ssh handshake failure onto the taxonomy.
// x/crypto/ssh reports rejected credentials as "unable to
// authenticate"; anything else on an established TCP connection is
// treated as transient.
func classifyHandshake(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return &AuthError{Err: err}
	}
	return &UnreachableError{Err: err}
}

// retryable decides whether the connect loop may try again.
// explicitPort is true when the caller asked for a specific local
// port, which makes a bind failure a hard error.
func retryable(err error, explicitPort bool) bool {
	var (
		authErr *AuthError
		bindErr *PortBindError
	)
	if errors.As(err, &authErr) {
		return false
	}
	if errors.As(err, &bindErr) {
		return !explicitPort
	}
	return true
}
