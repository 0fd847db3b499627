package tunnel

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func TestSessionProbe(t *testing.T) {
	srv := newTestSSHServer(t, "127.0.0.1:0")
	defer srv.stop()
	echoPort, stopEcho := startEchoServer(t)

	cfg := testConfig(srv, echoPort).withDefaults()
	sess, err := openSession(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.close()

	res := sess.probe()
	if !res.OK {
		t.Fatalf("probe failed: %v", res.Err)
	}
	if got := sess.lastResult(); !got.OK || got.CheckedAt.IsZero() {
		t.Fatalf("last result not recorded: %+v", got)
	}

	// the probe only proves the channel forwards; with the target gone
	// it must fail as a health-check error, not tear anything down
	stopEcho()
	res = sess.probe()
	if res.OK {
		t.Fatal("probe succeeded against a closed target")
	}
	var healthErr *HealthCheckError
	if !errors.As(res.Err, &healthErr) {
		t.Fatalf("expected HealthCheckError, got %v", res.Err)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	srv := newTestSSHServer(t, "127.0.0.1:0")
	defer srv.stop()
	echoPort, stopEcho := startEchoServer(t)
	defer stopEcho()

	cfg := testConfig(srv, echoPort).withDefaults()
	sess, err := openSession(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	sess.close()
	sess.close()
}

func TestOpenSessionMissingKeyFile(t *testing.T) {
	srv := newTestSSHServer(t, "127.0.0.1:0")
	defer srv.stop()

	cfg := testConfig(srv, 3306)
	cfg.Password = ""
	cfg.KeyFile = "/nonexistent/id_ed25519"
	_, err := openSession(context.Background(), cfg.withDefaults(), zerolog.Nop())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError for unreadable key, got %v", err)
	}
}
