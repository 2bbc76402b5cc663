// Package backend implements the websocket client for the AI
// collaboration backend: one setup handshake, PCM audio upstream, and a
// JSON event stream downstream.
package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/copilotlabs/interview-gateway/internal/resilience"
)

// EventHandler receives the backend's event stream. Methods are invoked
// from the client's read loop goroutine, one at a time.
type EventHandler interface {
	OnSessionReady()
	OnSessionError(message string)
	OnSessionClosed()
	OnTranscriptionUpdate(text string)
	OnTranscriptionComplete(text string)
	OnAIResponseUpdate(text string)
	OnAIResponse(text string)
}

// serverEvent is one message from the backend event stream
type serverEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// setupMessage opens a collaboration session after dialing
type setupMessage struct {
	Type         string `json:"type"`
	APIKey       string `json:"api_key"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
	Purpose      string `json:"purpose,omitempty"`
	Language     string `json:"language,omitempty"`
}

// audioMessage carries one aligned PCM chunk upstream
type audioMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload"` // base64 PCM
}

// Client connects to the AI backend over websocket. Safe for concurrent
// use; writes are serialized.
type Client struct {
	url         string
	dialTimeout time.Duration
	retryCfg    *resilience.RetryConfig
	logger      zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler EventHandler

	wmu sync.Mutex // serializes websocket writes
}

// NewClient creates a backend client for the given websocket URL
func NewClient(url string, dialTimeout time.Duration, retryCfg *resilience.RetryConfig, logger zerolog.Logger) *Client {
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	return &Client{
		url:         url,
		dialTimeout: dialTimeout,
		retryCfg:    retryCfg,
		logger:      logger.With().Str("component", "backend").Logger(),
	}
}

// SetHandler registers the event handler. Must be called before
// InitializeAI; last registration wins.
func (c *Client) SetHandler(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// InitializeAI dials the backend (with bounded retry on transient network
// errors), sends the setup handshake, and starts the event read loop.
// Calling it again replaces any previous connection.
func (c *Client) InitializeAI(ctx context.Context, apiKey, customPrompt, purpose, language string) error {
	var conn *websocket.Conn

	dial := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()

		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
		return err
	}
	if err := resilience.Retry(dial, c.retryCfg, resilience.IsRetryableNetworkError); err != nil {
		return fmt.Errorf("connecting to AI backend: %w", err)
	}

	setup := setupMessage{
		Type:         "setup",
		APIKey:       apiKey,
		CustomPrompt: customPrompt,
		Purpose:      purpose,
		Language:     language,
	}
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return fmt.Errorf("sending session setup: %w", err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go c.readLoop(conn)

	c.logger.Info().Str("url", c.url).Msg("AI backend session opened")
	return nil
}

// SendAudio ships one frame-aligned PCM chunk upstream. Best effort:
// delivery is not acknowledged.
func (c *Client) SendAudio(chunk []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("backend session not open")
	}

	msg := audioMessage{
		Type:    "audio",
		Payload: base64.StdEncoding.EncodeToString(chunk),
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(msg)
}

// Close tears down the connection. The read loop still dispatches
// OnSessionClosed; the session layer classifies whether the close was
// deliberate.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// readLoop dispatches the event stream until the connection dies. Every
// termination ends with exactly one OnSessionClosed.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		handler := c.handler
		c.mu.Unlock()

		if handler != nil {
			handler.OnSessionClosed()
		}
	}()

	for {
		var ev serverEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("backend read error")
			}
			return
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler == nil {
			continue
		}

		switch ev.Type {
		case "session_ready":
			handler.OnSessionReady()
		case "session_error":
			handler.OnSessionError(ev.Message)
		case "session_closed":
			return
		case "transcription_update":
			handler.OnTranscriptionUpdate(ev.Text)
		case "transcription_complete":
			handler.OnTranscriptionComplete(ev.Text)
		case "ai_response_update":
			handler.OnAIResponseUpdate(ev.Text)
		case "ai_response":
			handler.OnAIResponse(ev.Text)
		default:
			c.logger.Debug().Str("type", ev.Type).Msg("unknown backend event")
		}
	}
}
