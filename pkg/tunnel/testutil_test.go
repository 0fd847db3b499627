package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "homelab"
	testPassword = "s3cret"
)

// testSSHServer is a minimal in-process SSH server: one user/password
// pair and direct-tcpip forwarding, enough to run the supervisor end
// to end without a real host.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig

	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

func newTestSSHServer(t *testing.T, addr string) *testSSHServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong credentials for %q", conn.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}
	srv := &testSSHServer{listener: ln, config: cfg}
	go srv.serve()
	return srv
}

func (s *testSSHServer) addr() string { return s.listener.Addr().String() }
func (s *testSSHServer) port() int    { return s.listener.Addr().(*net.TCPAddr).Port }

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *testSSHServer) handle(c net.Conn) {
	serverConn, chans, reqs, err := ssh.NewServerConn(c, s.config)
	if err != nil {
		c.Close()
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var payload struct {
			DestAddr string
			DestPort uint32
			OrigAddr string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
			newChan.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
			continue
		}
		target, err := net.Dial("tcp", net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort))))
		if err != nil {
			newChan.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			target.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			io.Copy(ch, target)
			ch.Close()
		}()
		go func() {
			io.Copy(target, ch)
			target.Close()
		}()
	}
}

// stop closes the listener and every established connection so that
// clients observe a dropped channel, as they would on a network cut.
func (s *testSSHServer) stop() {
	s.mu.Lock()
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
}

// startEchoServer stands in for the remote database: it echoes
// whatever arrives through the forwarded channel.
func startEchoServer(t *testing.T) (port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo server: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { ln.Close() }
}

func testConfig(srv *testSSHServer, remotePort int) Config {
	return Config{
		SSHHost:              "127.0.0.1",
		SSHPort:              srv.port(),
		SSHUser:              testUser,
		Password:             testPassword,
		RemoteHost:           "127.0.0.1",
		RemotePort:           remotePort,
		LocalPort:            0,
		ConnectTimeout:       5 * time.Second,
		HealthCheckInterval:  time.Hour,
		MaxReconnectAttempts: 3,
		ReconnectBackoff:     10 * time.Millisecond,
		ReconnectBackoffMax:  40 * time.Millisecond,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func waitForState(t *testing.T, sup *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("supervisor never reached state %s, still %s", want, sup.State())
}
