package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the supervisor's lifecycle state. Exactly one value holds
// at any time; transitions are serialized.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// Supervisor owns the lifecycle of one forwarded connection: it spawns
// sessions, probes them, replaces them on failure within a bounded
// retry budget and tears everything down on Stop. At most one session
// is live at a time; a replacement is only opened after the previous
// session has been destroyed. Failed and Closed are terminal: a
// stopped supervisor is not resurrected, callers construct a new one.
type Supervisor struct {
	cfg Config
	log zerolog.Logger

	// canceled by Stop; interrupts an in-flight Start or reconnect
	ctx    context.Context
	cancel context.CancelFunc

	// serializes Start, health checks and reconnect sequences so two
	// reconnects never race to bind the same local port
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	sess     *session
	endpoint Endpoint
	termErr  *ConnectError
	loopDone chan struct{}
}

// NewSupervisor validates the config and returns an idle supervisor.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg: cfg,
		log: log.With().
			Str("component", "tunnel").
			Str("ssh_host", cfg.sshAddr()).
			Str("remote", cfg.remoteAddr()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}, nil
}

// Start establishes the tunnel and blocks until the first successful
// health check or until the retry budget is exhausted. On success the
// local endpoint is returned and a background health loop starts. On
// failure any partial session is destroyed and a single terminal
// ConnectError is returned with the root cause category and attempt
// count attached.
func (s *Supervisor) Start(ctx context.Context) (Endpoint, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateClosed:
		s.mu.Unlock()
		return Endpoint{}, ErrClosed
	default:
		st := s.state
		s.mu.Unlock()
		return Endpoint{}, errors.Errorf("tunnel: start called in state %s", st)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(s.ctx, cancel)
	defer unhook()

	sess, attempts, err := s.connect(runCtx)
	if err != nil {
		// a shutdown mid-connect is not a network failure
		if s.ctx.Err() != nil {
			return Endpoint{}, ErrClosed
		}
		terminal := &ConnectError{Category: categoryOf(err), Attempts: attempts, Err: err}
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateFailed
			s.termErr = terminal
		}
		s.mu.Unlock()
		s.log.Error().Err(err).Int("attempts", attempts).Msg("tunnel failed to start")
		return Endpoint{}, terminal
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		sess.close()
		return Endpoint{}, ErrClosed
	}
	s.sess = sess
	s.endpoint = Endpoint{Host: "127.0.0.1", Port: sess.localPort}
	s.state = StateReady
	s.loopDone = make(chan struct{})
	go s.healthLoop(s.loopDone)
	ep := s.endpoint
	s.mu.Unlock()

	s.log.Info().Str("endpoint", ep.String()).Msg("tunnel ready")
	return ep, nil
}

// connect runs the bounded dial loop: open a session, require one
// passing probe, back off exponentially (capped) between attempts.
// Non-retryable causes (auth, explicitly requested port in use) abort
// immediately. Returns the attempt count alongside the result.
func (s *Supervisor) connect(ctx context.Context) (*session, int, error) {
	var lastErr error
	delay := s.cfg.ReconnectBackoff
	attempts := 0
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		attempts = attempt
		sess, err := openSession(ctx, s.cfg, s.log)
		if err == nil {
			res := sess.probe()
			if res.OK {
				return sess, attempts, nil
			}
			sess.close()
			err = res.Err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, attempts, lastErr
		}
		if !retryable(err, s.cfg.LocalPort != 0) {
			return nil, attempts, err
		}
		if attempt == s.cfg.MaxReconnectAttempts {
			break
		}
		s.log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("connect attempt failed, backing off")
		select {
		case <-ctx.Done():
			return nil, attempts, lastErr
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.ReconnectBackoffMax {
			delay = s.cfg.ReconnectBackoffMax
		}
	}
	return nil, attempts, lastErr
}

// EnsureHealthy probes the tunnel if the last result is older than the
// health-check interval. A failing probe moves the tunnel to Degraded
// and triggers a bounded reconnect; exhaustion surfaces the terminal
// error and the supervisor stays Failed. Consumers call this before
// bulk operations and abort on error.
func (s *Supervisor) EnsureHealthy(ctx context.Context) error {
	return s.check(ctx, false)
}

func (s *Supervisor) check(ctx context.Context, force bool) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	state := s.state
	sess := s.sess
	terminal := s.termErr
	s.mu.Unlock()

	switch state {
	case StateClosed:
		return ErrClosed
	case StateFailed:
		if terminal != nil {
			return terminal
		}
		return errors.New("tunnel: supervisor failed")
	case StateReady, StateDegraded:
	default:
		return errors.Errorf("tunnel: not started (state %s)", state)
	}

	if !force {
		if last := sess.lastResult(); last.OK && time.Since(last.CheckedAt) < s.cfg.HealthCheckInterval {
			return nil
		}
	}
	if res := sess.probe(); res.OK {
		s.setState(StateReady)
		return nil
	} else {
		s.log.Warn().Err(res.Err).Msg("health check failed, reconnecting")
		s.setState(StateDegraded)
		return s.reconnect(ctx, sess, res.Err)
	}
}

// reconnect replaces the degraded session. The old session is always
// destroyed first so the replacement can bind the same local port.
func (s *Supervisor) reconnect(ctx context.Context, old *session, cause error) error {
	old.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(s.ctx, cancel)
	defer unhook()

	sess, attempts, err := s.connect(runCtx)
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		terminal := &ConnectError{Category: categoryOf(err), Attempts: attempts, Err: err}
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateFailed
			s.termErr = terminal
			s.sess = nil
		}
		s.mu.Unlock()
		s.log.Error().Err(err).Int("attempts", attempts).Msg("reconnect budget exhausted")
		return terminal
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		sess.close()
		return ErrClosed
	}
	s.sess = sess
	s.endpoint = Endpoint{Host: "127.0.0.1", Port: sess.localPort}
	s.state = StateReady
	ep := s.endpoint
	s.mu.Unlock()

	s.log.Info().Str("endpoint", ep.String()).Int("attempts", attempts).Msg("tunnel reconnected")
	return nil
}

// healthLoop drives periodic probing while the supervisor is running.
// It exits when the supervisor stops or fails terminally.
func (s *Supervisor) healthLoop(done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.check(s.ctx, true); err != nil {
				if st := s.State(); st == StateFailed || st == StateClosed {
					return
				}
			}
		}
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = next
	}
	s.mu.Unlock()
}

// Stop tears the tunnel down: the session is terminated and the local
// port released. An in-flight Start or reconnect is interrupted.
// Idempotent; a second call is a no-op.
func (s *Supervisor) Stop() {
	s.cancel()

	// wait for any in-flight connect/check to observe the cancellation
	s.opMu.Lock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.opMu.Unlock()
		return
	}
	s.state = StateClosed
	sess := s.sess
	s.sess = nil
	done := s.loopDone
	s.loopDone = nil
	s.mu.Unlock()

	if sess != nil {
		sess.close()
	}

	// the health loop may be parked on opMu behind an already-fired
	// tick; release it before waiting for the loop to exit
	s.opMu.Unlock()
	if done != nil {
		<-done
	}
	s.log.Info().Msg("tunnel stopped")
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the local endpoint. Only valid while the
// supervisor reports Ready.
func (s *Supervisor) Endpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	State        State     `json:"state"`
	Endpoint     string    `json:"endpoint,omitempty"`
	RemoteTarget string    `json:"remote_target"`
	SSHHost      string    `json:"ssh_host"`
	SessionID    string    `json:"session_id,omitempty"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	LastProbeOK  bool      `json:"last_probe_ok"`
	LastProbeAt  time.Time `json:"last_probe_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Status reports the supervisor's current state, endpoint and last
// probe outcome.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:        s.state,
		RemoteTarget: s.cfg.remoteAddr(),
		SSHHost:      fmt.Sprintf("%s@%s", s.cfg.SSHUser, s.cfg.sshAddr()),
	}
	if s.state == StateReady || s.state == StateDegraded {
		st.Endpoint = s.endpoint.String()
	}
	if s.sess != nil {
		st.SessionID = s.sess.id
		st.ConnectedAt = s.sess.createdAt
		if last := s.sess.lastResult(); !last.CheckedAt.IsZero() {
			st.LastProbeOK = last.OK
			st.LastProbeAt = last.CheckedAt
			if last.Err != nil {
				st.LastError = last.Err.Error()
			}
		}
	}
	if s.termErr != nil {
		st.LastError = s.termErr.Error()
	}
	return st
}
