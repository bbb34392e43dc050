package uds

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := NewServer(sock, logger)
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true, Version: "test"}, nil
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
		<-done
	})
	return srv, sock
}

func dial(t *testing.T, sock string) *Client {
	t.Helper()
	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPingRoundTrip(t *testing.T) {
	_, sock := startServer(t)
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Request(ctx, MethodPing, nil)
	if err != nil {
		t.Fatalf("ping request: %v", err)
	}

	var pong PingResponse
	if err := resp.UnmarshalData(&pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if !pong.Pong || pong.Version != "test" {
		t.Errorf("unexpected pong: %+v", pong)
	}
}

func TestSocketIsPrivate(t *testing.T) {
	_, sock := startServer(t)
	info, err := os.Stat(sock)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, sock := startServer(t)
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Request(ctx, "NoSuchMethod", nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error == "" {
		t.Error("expected error text in response")
	}
}

func TestHandlerError(t *testing.T) {
	srv, sock := startServer(t)
	srv.Handle(MethodStats, func(_ context.Context, _ Message) (any, error) {
		return nil, errors.New("agent not running")
	})
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Request(ctx, MethodStats, nil); err == nil {
		t.Fatal("expected handler error")
	}
}

func TestBroadcastEvent(t *testing.T) {
	srv, sock := startServer(t)
	client := dial(t, sock)

	evtCh := make(chan Message, 1)
	client.OnEvent(func(msg Message) { evtCh <- msg })

	// A round trip guarantees the server has registered the connection.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Request(ctx, MethodPing, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}

	evt, err := NewEvent(EventIncidentReported, map[string]string{"title": "alice - ValueError"})
	if err != nil {
		t.Fatal(err)
	}
	srv.Broadcast(evt)

	select {
	case msg := <-evtCh:
		if msg.Method != EventIncidentReported {
			t.Errorf("expected method %s, got %s", EventIncidentReported, msg.Method)
		}
		var payload map[string]string
		if err := msg.UnmarshalData(&payload); err != nil {
			t.Fatal(err)
		}
		if payload["title"] != "alice - ValueError" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for broadcast event")
	}
}

func TestClientNoticesShutdown(t *testing.T) {
	srv, sock := startServer(t)
	client := dial(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Request(ctx, MethodPing, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}

	srv.Shutdown()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the server going away")
	}
}

func TestUnmarshalDataEmpty(t *testing.T) {
	var v PingResponse
	if err := (Message{Method: MethodPing}).UnmarshalData(&v); !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}
