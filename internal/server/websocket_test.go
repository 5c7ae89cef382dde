package server_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomhub/internal/server"
	"github.com/Tyrowin/roomhub/internal/testhelpers"
)

func roomSize(t *testing.T, srv *server.Server, room string) int {
	t.Helper()
	n, err := srv.Registry().RoomSize(context.Background(), room)
	if err != nil {
		t.Fatalf("RoomSize(%s): %v", room, err)
	}
	return n
}

func TestRoomBroadcastExcludesSender(t *testing.T) {
	srv, ts := testhelpers.NewTestServer(t, nil)

	alice := testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "alice")
	bob := testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "bob")
	carol := testhelpers.JoinRoom(t, srv, ts.URL, "games", "carol")

	if err := testhelpers.SendEnvelope(alice, "chat", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	msg, err := testhelpers.ReceiveMessage(bob, 2*time.Second)
	if err != nil {
		t.Fatalf("Bob did not receive the message: %v", err)
	}
	if msg["type"] != "chat" || msg["from"] != "alice" || msg["room"] != "lobby" {
		t.Fatalf("Unexpected envelope %v", msg)
	}
	data, _ := msg["data"].(map[string]any)
	if data["text"] != "hi" {
		t.Fatalf("Unexpected data %v", msg["data"])
	}
	if _, ok := msg["timestamp"]; !ok {
		t.Errorf("Envelope lacks a timestamp: %v", msg)
	}

	testhelpers.ExpectNoMessage(t, alice, 300*time.Millisecond)
	testhelpers.ExpectNoMessage(t, carol, 300*time.Millisecond)
}

func TestInvalidMessagesAreDiscarded(t *testing.T) {
	srv, ts := testhelpers.NewTestServer(t, nil)
	alice := testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "alice")
	bob := testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "bob")

	if err := alice.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"data":{"text":"untyped"}}`)); err != nil {
		t.Fatal(err)
	}
	testhelpers.ExpectNoMessage(t, bob, 300*time.Millisecond)

	if err := testhelpers.SendEnvelope(alice, "chat", map[string]string{"text": "still here"}); err != nil {
		t.Fatal(err)
	}
	msg, err := testhelpers.ReceiveMessage(bob, 2*time.Second)
	if err != nil {
		t.Fatalf("Connection did not survive invalid input: %v", err)
	}
	if msg["type"] != "chat" {
		t.Fatalf("Unexpected envelope %v", msg)
	}
}

func TestRoomFullRejection(t *testing.T) {
	srv, ts := testhelpers.NewTestServer(t, func(cfg *server.Config) {
		cfg.Registry.MaxPerRoom = 1
	})
	testhelpers.JoinRoom(t, srv, ts.URL, "small", "alice")

	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(ts.URL, "small", "bob"))
	if err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected a close frame, got %v", err)
	}
	if closeErr.Code != websocket.CloseTryAgainLater || closeErr.Text != "room is full" {
		t.Fatalf("Unexpected close %d %q", closeErr.Code, closeErr.Text)
	}

	if got := srv.Registry().Metrics().Failed; got != 1 {
		t.Fatalf("Expected one failed connection, got %d", got)
	}
	if n := roomSize(t, srv, "small"); n != 1 {
		t.Fatalf("Expected one member, got %d", n)
	}
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	srv, ts := testhelpers.NewTestServer(t, nil)
	url := testhelpers.WebSocketURL(ts.URL, "lobby", "mallory")

	for _, origin := range []string{"http://evil.example", ""} {
		conn, err := testhelpers.ConnectWebSocketWithOrigin(url, origin)
		if err == nil {
			conn.Close()
			t.Fatalf("Origin %q was accepted", origin)
		}
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("Expected a bad handshake for origin %q, got %v", origin, err)
		}
	}
	if srv.Registry().ActiveConnections() != 0 {
		t.Fatal("A rejected origin reached the registry")
	}
}

func TestOriginReloadTakesEffect(t *testing.T) {
	srv, ts := testhelpers.NewTestServer(t, nil)
	url := testhelpers.WebSocketURL(ts.URL, "lobby", "late")

	cfg := srv.Config()
	cfg.AllowedOrigins = []string{"https://chat.example.com"}
	srv.ApplyConfig(cfg)

	if _, err := testhelpers.ConnectWebSocket(url); err == nil {
		t.Fatal("Removed origin still accepted")
	}
	conn, err := testhelpers.ConnectWebSocketWithOrigin(url, "https://CHAT.example.com")
	if err != nil {
		t.Fatalf("New origin rejected: %v", err)
	}
	conn.Close()
}

func TestClientDisconnectRemovesMember(t *testing.T) {
	srv, ts := testhelpers.NewTestServer(t, nil)
	testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "alice")
	bob := testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "bob")

	if err := testhelpers.CloseWebSocket(bob); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	testhelpers.WaitFor(t, 2*time.Second, "bob to leave", func() bool {
		return roomSize(t, srv, "lobby") == 1
	})

	m := srv.Registry().Metrics()
	if m.Total != 1 || m.Peak != 2 {
		t.Fatalf("Unexpected metrics %+v", m)
	}
}

func TestRateLimitDiscardsExcessMessages(t *testing.T) {
	srv, ts := testhelpers.NewTestServer(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 2, RefillInterval: time.Minute}
	})
	alice := testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "alice")
	bob := testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "bob")

	for i := 0; i < 5; i++ {
		if err := testhelpers.SendEnvelope(alice, "chat", map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 2; i++ {
		if _, err := testhelpers.ReceiveMessage(bob, 2*time.Second); err != nil {
			t.Fatalf("Message %d not delivered: %v", i, err)
		}
	}
	testhelpers.ExpectNoMessage(t, bob, 300*time.Millisecond)

	if n := roomSize(t, srv, "lobby"); n != 2 {
		t.Fatalf("Rate limited sender was disconnected: size %d", n)
	}
}

func TestOversizedMessageDisconnectsSender(t *testing.T) {
	srv, ts := testhelpers.NewTestServer(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = 64
	})
	alice := testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "alice")
	testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "bob")

	if err := testhelpers.SendEnvelope(alice, "chat", map[string]string{"text": strings.Repeat("x", 200)}); err != nil {
		t.Fatal(err)
	}
	testhelpers.WaitFor(t, 2*time.Second, "alice to be dropped", func() bool {
		return roomSize(t, srv, "lobby") == 1
	})
}

func TestShutdownClosesClients(t *testing.T) {
	srv, ts := testhelpers.NewTestServer(t, nil)
	conn := testhelpers.JoinRoom(t, srv, ts.URL, "lobby", "alice")

	if err := srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("Expected a going-away close, got %v", err)
	}
	if srv.Registry().ActiveConnections() != 0 {
		t.Fatal("Connections left after shutdown")
	}
}

func TestConcurrentClientsReceiveBroadcast(t *testing.T) {
	srv, ts := testhelpers.NewTestServer(t, nil)

	const members = 8
	conns := make([]*websocket.Conn, members)
	for i := range conns {
		conns[i] = testhelpers.JoinRoom(t, srv, ts.URL, "crowd", fmt.Sprintf("user-%d", i))
	}

	if err := testhelpers.SendEnvelope(conns[0], "chat", map[string]string{"text": "hello all"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, members)
	for _, conn := range conns[1:] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := testhelpers.ReceiveMessage(conn, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if msg["from"] != "user-0" {
				errs <- fmt.Errorf("unexpected sender in %v", msg)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if got := srv.Registry().Metrics().Peak; got != members {
		t.Fatalf("Expected peak %d, got %d", members, got)
	}
}
