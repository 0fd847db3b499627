package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// HealthCheckResult is the outcome of one probe over the forwarded
// channel. A probe only proves the channel forwards bytes, not that
// the remote service is queryable.
type HealthCheckResult struct {
	OK        bool
	Err       error
	CheckedAt time.Time
}

// session owns one concrete forwarding attempt: the authenticated ssh
// connection, the bound local listener and the accept loop feeding it.
// A session is created per (re)connect attempt and owned exclusively
// by its supervisor.
type session struct {
	id         string
	client     *ssh.Client
	listener   net.Listener
	localPort  int
	remoteAddr string
	createdAt  time.Time
	log        zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	lastProbe HealthCheckResult
}

// openSession binds the local port, establishes the authenticated ssh
// connection and starts forwarding. On any error the partially opened
// resources are released before returning. The context cancels an
// in-flight dial or handshake.
func openSession(ctx context.Context, cfg Config, log zerolog.Logger) (*session, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	sshCfg := &ssh.ClientConfig{
		User: cfg.SSHUser,
		Auth: auth,
		// The hub lives on a trusted network segment; no host key
		// pinning.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout,
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.sshAddr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UnreachableError{Err: errors.Wrapf(err, "dial %s", cfg.sshAddr())}
	}

	// ssh.NewClientConn has no context; closing the underlying conn
	// unblocks it when the supervisor is stopped mid-handshake.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshakeDone:
		}
	}()
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.sshAddr(), sshCfg)
	close(handshakeDone)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyHandshake(err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.LocalPort))
	if err != nil {
		client.Close()
		return nil, &PortBindError{Port: cfg.LocalPort, Err: err}
	}

	s := &session{
		id:         uuid.NewString(),
		client:     client,
		listener:   listener,
		localPort:  listener.Addr().(*net.TCPAddr).Port,
		remoteAddr: cfg.remoteAddr(),
		createdAt:  time.Now(),
	}
	s.log = log.With().Str("session", s.id).Int("local_port", s.localPort).Logger()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.acceptLoop(loopCtx)
	s.log.Debug().Str("remote", s.remoteAddr).Msg("forwarding session opened")
	return s, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	if cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	}
	keyBytes, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, &AuthError{Err: errors.Wrapf(err, "read key file %s", cfg.KeyFile)}
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, &AuthError{Err: errors.Wrap(err, "parse private key")}
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (s *session) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("accept loop terminated")
			}
			return
		}
		go s.handleConn(conn)
	}
}

func (s *session) handleConn(local net.Conn) {
	remote, err := s.client.Dial("tcp", s.remoteAddr)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", s.remoteAddr).Msg("failed to open forward channel, closing connection")
		local.Close()
		return
	}
	s.log.Debug().Str("client", local.RemoteAddr().String()).Msg("client connected")

	transfer := func(side string, dst, src net.Conn) {
		n, err := io.Copy(dst, src)
		if err != nil {
			s.log.Debug().Err(err).Str("side", side).Msg("copy error")
		}
		if err := src.Close(); err != nil {
			s.log.Debug().Err(err).Str("side", side).Msg("close error")
		}
		// half-close towards local consumers so they see EOF; ssh
		// channels are fully closed by the opposite transfer
		if d, ok := dst.(*net.TCPConn); ok {
			if err := d.CloseWrite(); err != nil {
				s.log.Debug().Err(err).Str("side", side).Msg("closeWrite error")
			}
		}
		s.log.Debug().Str("side", side).Int64("bytes", n).Msg("done proxying")
	}

	go transfer("remote to local", local, remote)
	go transfer("local to remote", remote, local)
}

// probe opens and immediately closes a forwarded stream to the remote
// target, recording the result.
func (s *session) probe() HealthCheckResult {
	res := HealthCheckResult{CheckedAt: time.Now()}
	conn, err := s.client.Dial("tcp", s.remoteAddr)
	if err != nil {
		res.Err = &HealthCheckError{Err: errors.Wrapf(err, "probe %s", s.remoteAddr)}
	} else {
		conn.Close()
		res.OK = true
	}
	s.mu.Lock()
	s.lastProbe = res
	s.mu.Unlock()
	return res
}

func (s *session) lastResult() HealthCheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProbe
}

// close releases the listener, the ssh connection and the accept
// loop. Safe to call multiple times and after a partial open.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	s.wg.Wait()
	s.log.Debug().Msg("forwarding session closed")
}
