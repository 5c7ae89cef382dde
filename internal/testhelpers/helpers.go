// Package testhelpers provides common utilities for testing the roomhub server.
//
// It builds test servers around a real registry, dials WebSocket clients into
// rooms and asserts on HTTP responses, so the HTTP and WebSocket tests stay
// short.
package testhelpers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomhub/internal/server"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// NewTestServer starts an httptest server backed by a fresh server.Server.
// customize may adjust the configuration before the server is built. Both
// are shut down when the test ends.
func NewTestServer(t *testing.T, customize func(cfg *server.Config)) (*server.Server, *httptest.Server) {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{TestOrigin}
	cfg.Registry.HandshakeTimeout = 2 * time.Second
	cfg.Registry.LockTimeout = time.Second
	if customize != nil {
		customize(cfg)
	}

	srv := server.New(*cfg, zerolog.Nop())
	srv.Start()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		_ = srv.Shutdown(5 * time.Second)
		ts.Close()
	})
	return srv, ts
}

// WebSocketURL turns an httptest base URL into the /ws URL for room and user.
func WebSocketURL(baseURL, room, user string) string {
	q := url.Values{}
	if room != "" {
		q.Set("room", room)
	}
	if user != "" {
		q.Set("user", user)
	}
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws?" + q.Encode()
}

// ConnectWebSocket dials url with the test origin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url with the given Origin header; an empty
// origin sends none.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// JoinRoom dials into room as user, consumes the welcome frame and waits
// until the registry lists the new member. The welcome is written during the
// handshake, slightly before the member is stored.
func JoinRoom(t *testing.T, srv *server.Server, baseURL, room, user string) *websocket.Conn {
	t.Helper()

	conn, err := ConnectWebSocket(WebSocketURL(baseURL, room, user))
	if err != nil {
		t.Fatalf("Failed to connect %s to room %s: %v", user, room, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	welcome, err := ReceiveMessage(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to read welcome frame for %s: %v", user, err)
	}
	if welcome["type"] != "connection_established" {
		t.Fatalf("Expected welcome frame, got %v", welcome)
	}

	WaitFor(t, 2*time.Second, user+" to join "+room, func() bool {
		members, err := srv.Registry().Members(context.Background(), room)
		if err != nil {
			return false
		}
		for _, m := range members {
			if m.UserID == user {
				return true
			}
		}
		return false
	})
	return conn
}

// SendEnvelope writes a typed message with the given data.
func SendEnvelope(conn *websocket.Conn, msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(server.InboundMessage{Type: msgType, Data: raw})
}

// ReceiveMessage reads one JSON message, waiting at most timeout.
func ReceiveMessage(conn *websocket.Conn, timeout time.Duration) (map[string]any, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var message map[string]any
	err := conn.ReadJSON(&message)
	return message, err
}

// ExpectNoMessage fails the test if a data frame arrives within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, but received %s", data)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitFor polls cond until it is true or timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// DecodeJSON decodes the response body into v.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
