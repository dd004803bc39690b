package network

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"campuschat/backplane"
	"campuschat/notify"
	"campuschat/presence"
	"campuschat/storage"
)

const testInstanceID = "instance-test"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testHarness struct {
	store     *storage.Store
	tracker   *presence.Tracker
	backplane *backplane.Memory
	relay     *Relay
	server    *Server
	http      *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHarness(t *testing.T, connection ConnectionOptions) *testHarness {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	logger := discardLogger()
	tracker, err := presence.NewTracker(store, presence.Options{InstanceID: testInstanceID, Logger: logger})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	bp := backplane.NewMemory(backplane.MemoryOptions{Logger: logger})
	relay, err := NewRelay(store, bp, RelayOptions{
		InstanceID: testInstanceID,
		Interval:   20 * time.Millisecond,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	relay.Start()

	server, err := NewServer(Dependencies{
		Store:         store,
		Presence:      tracker,
		Notifier:      notify.NewDispatcher(store, logger),
		Backplane:     bp,
		Relay:         relay,
		Authenticator: HeaderAuthenticator{},
	}, ServerOptions{
		InstanceID: testInstanceID,
		Connection: connection,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	h := &testHarness{
		store:     store,
		tracker:   tracker,
		backplane: bp,
		relay:     relay,
		server:    server,
		http:      httptest.NewServer(server.Handler()),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		_ = relay.Close()
		h.http.Close()
		_ = bp.Close()
		_ = store.Close()
	})
	return h
}

func (h *testHarness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + path
}

func (h *testHarness) dial(t *testing.T, user, path string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set(DefaultTrustedUserHeader, user)
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(path), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s as %s: %v (status %d)", path, user, err, status)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// dialRefused dials path and returns the HTTP status of the failed handshake.
func (h *testHarness) dialRefused(t *testing.T, user, path string) int {
	t.Helper()

	header := http.Header{}
	if user != "" {
		header.Set(DefaultTrustedUserHeader, user)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(path), header)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("dial %s as %q succeeded, want refusal", path, user)
	}
	if resp == nil {
		t.Fatalf("dial %s as %q: %v without HTTP response", path, user, err)
	}
	return resp.StatusCode
}

func (h *testHarness) conversation(t *testing.T, userA, userB string) *storage.Conversation {
	t.Helper()

	conversation, _, err := h.store.GetOrCreateConversation(context.Background(), userA, userB)
	if err != nil {
		t.Fatalf("create conversation %s/%s: %v", userA, userB, err)
	}
	return conversation
}

// waitForSessions blocks until user has want presence sessions, which means
// every one of them has subscribed to its topics.
func (h *testHarness) waitForSessions(t *testing.T, user string, want int) {
	t.Helper()

	waitFor(t, func() bool {
		count, err := h.store.CountPresenceSessions(context.Background(), user)
		return err == nil && count == want
	}, "%s to have %d sessions", user, want)
}

func waitFor(t *testing.T, condition func() bool, format string, args ...any) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

type frame map[string]any

func (f frame) str(key string) string {
	value, _ := f[key].(string)
	return value
}

// expectFrame reads until a frame of frameType arrives, skipping others.
func expectFrame(t *testing.T, conn *websocket.Conn, frameType string) frame {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s frame: %v", frameType, err)
		}
		var decoded frame
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("decode frame %q: %v", payload, err)
		}
		if decoded.str("type") == frameType {
			return decoded
		}
	}
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, content string) {
	t.Helper()

	payload, err := json.Marshal(map[string]string{"message": content})
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	sendText(t, conn, string(payload))
}
