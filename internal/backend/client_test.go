package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/copilotlabs/interview-gateway/internal/resilience"
)

var testUpgrader = websocket.Upgrader{}

type recordingHandler struct {
	ready      chan struct{}
	closed     chan struct{}
	errs       chan string
	updates    chan string
	completes  chan string
	aiUpdates  chan string
	aiComplete chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		ready:      make(chan struct{}, 4),
		closed:     make(chan struct{}, 4),
		errs:       make(chan string, 4),
		updates:    make(chan string, 4),
		completes:  make(chan string, 4),
		aiUpdates:  make(chan string, 4),
		aiComplete: make(chan string, 4),
	}
}

func (h *recordingHandler) OnSessionReady()                     { h.ready <- struct{}{} }
func (h *recordingHandler) OnSessionError(message string)       { h.errs <- message }
func (h *recordingHandler) OnSessionClosed()                    { h.closed <- struct{}{} }
func (h *recordingHandler) OnTranscriptionUpdate(text string)   { h.updates <- text }
func (h *recordingHandler) OnTranscriptionComplete(text string) { h.completes <- text }
func (h *recordingHandler) OnAIResponseUpdate(text string)      { h.aiUpdates <- text }
func (h *recordingHandler) OnAIResponse(text string)            { h.aiComplete <- text }

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1.0}
}

// startTestBackend runs a fake backend returning its ws URL and a channel
// of raw client messages.
func startTestBackend(t *testing.T, script func(conn *websocket.Conn, incoming <-chan []byte)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		incoming := make(chan []byte, 16)
		go func() {
			defer close(incoming)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				incoming <- msg
			}
		}()

		script(conn, incoming)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_SetupAndEventDispatch(t *testing.T) {
	url := startTestBackend(t, func(conn *websocket.Conn, incoming <-chan []byte) {
		// First message must be the setup handshake
		raw := <-incoming
		var setup map[string]any
		if err := json.Unmarshal(raw, &setup); err != nil {
			t.Errorf("bad setup message: %v", err)
			return
		}
		if setup["type"] != "setup" || setup["api_key"] != "key-1" {
			t.Errorf("unexpected setup message: %v", setup)
		}

		conn.WriteJSON(map[string]string{"type": "session_ready"})
		conn.WriteJSON(map[string]string{"type": "transcription_update", "text": "what is"})
		conn.WriteJSON(map[string]string{"type": "transcription_complete", "text": "what is a goroutine?"})
		conn.WriteJSON(map[string]string{"type": "ai_response_update", "text": "A goroutine"})
		conn.WriteJSON(map[string]string{"type": "ai_response", "text": "A goroutine is a lightweight thread."})

		// Hold the connection open until the client goes away
		<-incoming
	})

	c := NewClient(url, time.Second, fastRetry(), zerolog.Nop())
	h := newRecordingHandler()
	c.SetHandler(h)

	if err := c.InitializeAI(context.Background(), "key-1", "prompt", "interview", "en"); err != nil {
		t.Fatalf("InitializeAI failed: %v", err)
	}
	defer c.Close()

	expect := func(name string, ch <-chan string, want string) {
		t.Helper()
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("%s: got %q, want %q", name, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: event not delivered", name)
		}
	}

	select {
	case <-h.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("session_ready not delivered")
	}
	expect("transcription_update", h.updates, "what is")
	expect("transcription_complete", h.completes, "what is a goroutine?")
	expect("ai_response_update", h.aiUpdates, "A goroutine")
	expect("ai_response", h.aiComplete, "A goroutine is a lightweight thread.")
}

func TestClient_SendAudio(t *testing.T) {
	payload := make(chan string, 1)
	url := startTestBackend(t, func(conn *websocket.Conn, incoming <-chan []byte) {
		<-incoming // setup
		raw := <-incoming
		var msg map[string]string
		if err := json.Unmarshal(raw, &msg); err == nil && msg["type"] == "audio" {
			payload <- msg["payload"]
		}
	})

	c := NewClient(url, time.Second, fastRetry(), zerolog.Nop())
	c.SetHandler(newRecordingHandler())
	if err := c.InitializeAI(context.Background(), "k", "", "", ""); err != nil {
		t.Fatalf("InitializeAI failed: %v", err)
	}
	defer c.Close()

	chunk := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := c.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	select {
	case got := <-payload:
		decoded, err := base64.StdEncoding.DecodeString(got)
		if err != nil {
			t.Fatalf("payload not base64: %v", err)
		}
		if string(decoded) != string(chunk) {
			t.Errorf("payload round trip mismatch: %v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio message not received")
	}
}

func TestClient_SendAudioWithoutSession(t *testing.T) {
	c := NewClient("ws://localhost:1/session", time.Second, fastRetry(), zerolog.Nop())
	if err := c.SendAudio([]byte{0, 0, 0, 0}); err == nil {
		t.Error("Expected error sending audio before InitializeAI")
	}
}

func TestClient_DialFailure(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/session", 100*time.Millisecond, fastRetry(), zerolog.Nop())
	c.SetHandler(newRecordingHandler())

	if err := c.InitializeAI(context.Background(), "k", "", "", ""); err == nil {
		t.Error("Expected dial failure")
	}
}

func TestClient_ServerCloseDispatchesClosed(t *testing.T) {
	url := startTestBackend(t, func(conn *websocket.Conn, incoming <-chan []byte) {
		<-incoming // setup
		conn.Close()
	})

	c := NewClient(url, time.Second, fastRetry(), zerolog.Nop())
	h := newRecordingHandler()
	c.SetHandler(h)
	if err := c.InitializeAI(context.Background(), "k", "", "", ""); err != nil {
		t.Fatalf("InitializeAI failed: %v", err)
	}

	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnSessionClosed not dispatched after server close")
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	c := NewClient("ws://localhost:1/session", time.Second, fastRetry(), zerolog.Nop())
	if err := c.Close(); err != nil {
		t.Errorf("Close on unopened client: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Second close: %v", err)
	}
}
