package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T) (*Server, string, context.CancelFunc) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "ghciwatch.sock")
	srv := New(sock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("control socket did not appear in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, sock, cancel
}

func TestServerForwardsCommandFromClient(t *testing.T) {
	srv, sock, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"tag":"Exit"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cmd := <-srv.Commands():
		if cmd.Tag != TagExit {
			t.Fatalf("got tag %q, want %q", cmd.Tag, TagExit)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestServerBroadcastsNotificationToAllClients(t *testing.T) {
	srv, sock, cancel := startTestServer(t)
	defer cancel()

	var readers []*bufio.Reader
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		readers = append(readers, bufio.NewReader(conn))
	}

	// Give the server a moment to register both connections before
	// broadcasting, since registration happens in each connection's own
	// goroutine.
	time.Sleep(50 * time.Millisecond)
	diags := []Diagnostic{{Path: "Foo.hs", Line: 3, Col: 1, Severity: "error", Message: "boom"}}
	srv.NotifyReload(diags)

	for _, r := range readers {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read notification: %v", err)
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Tag != TagReload {
			t.Fatalf("got tag %q, want %q", msg.Tag, TagReload)
		}
		if len(msg.Diagnostics) != 1 || msg.Diagnostics[0].Message != "boom" {
			t.Fatalf("got diagnostics %+v, want one diagnostic with message %q", msg.Diagnostics, "boom")
		}
	}
}

func TestServerRemovesStaleSocketOnStart(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "stale.sock")
	if err := os.WriteFile(sock, []byte("not a socket"), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	srv := New(sock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("could not dial control socket after stale file cleanup")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
