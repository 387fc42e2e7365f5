// internal/natsembed/server_test.go
package natsembed

import (
	"strings"
	"testing"
)

func TestStartAndShutdown(t *testing.T) {
	srv, err := New(Config{Port: -1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Shutdown()

	if !srv.IsRunning() {
		t.Error("expected IsRunning after Start")
	}
	if url := srv.URL(); !strings.HasPrefix(url, "nats://") {
		t.Errorf("unexpected client URL %q", url)
	}
	if err := srv.Start(); err == nil {
		t.Error("second Start should fail")
	}

	srv.Shutdown()
	if srv.IsRunning() {
		t.Error("expected stopped after Shutdown")
	}
}

func TestJetStreamRequiresDataDir(t *testing.T) {
	if _, err := New(Config{JetStream: true}); err == nil {
		t.Fatal("expected error when JetStream is on without a data dir")
	}
}
