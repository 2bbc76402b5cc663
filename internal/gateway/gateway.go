// Package gateway is the transport boundary between the desktop UI and
// the collaboration core. One websocket connection carries UI commands
// in and state snapshots, toasts and exit signals out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/copilotlabs/interview-gateway/internal/backend"
	"github.com/copilotlabs/interview-gateway/internal/capture"
	"github.com/copilotlabs/interview-gateway/internal/config"
	"github.com/copilotlabs/interview-gateway/internal/conversation"
	"github.com/copilotlabs/interview-gateway/internal/observability"
	"github.com/copilotlabs/interview-gateway/internal/resilience"
	"github.com/copilotlabs/interview-gateway/internal/session"
)

var upgrader = websocket.Upgrader{
	// The UI is a local desktop shell; origin checks add nothing here.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ProviderSource yields the capture provider; *capture.Factory satisfies it
type ProviderSource interface {
	Create() (capture.Provider, error)
}

// BackendClient is the slice of backend.Client the gateway needs
type BackendClient interface {
	SetHandler(h backend.EventHandler)
	InitializeAI(ctx context.Context, apiKey, customPrompt, purpose, language string) error
	SendAudio(chunk []byte) error
	Close() error
}

// uiCommand is a message from the UI
type uiCommand struct {
	Type string `json:"type"` // initialize | reconnect | exit
}

// uiEvent is a message to the UI
type uiEvent struct {
	Type  string         `json:"type"` // state | toast | exit
	State *stateSnapshot `json:"state,omitempty"`
	Toast *toastPayload  `json:"toast,omitempty"`
}

type toastPayload struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// stateSnapshot is the full UI-visible state, pushed on every change
type stateSnapshot struct {
	Status            string               `json:"status"`
	IsConnected       bool                 `json:"isConnected"`
	IsInitializing    bool                 `json:"isInitializing"`
	IsExiting         bool                 `json:"isExiting"`
	Error             *errorPayload        `json:"error,omitempty"`
	History           []conversation.Entry `json:"conversationHistory"`
	CurrentVoiceInput string               `json:"currentVoiceInput"`
	CurrentAIResponse string               `json:"currentAIResponse"`
	IsWaitingForAI    bool                 `json:"isWaitingForAI"`
	IsInitialState    bool                 `json:"isInitialState"`
}

// Gateway builds one ClientSession per UI connection
type Gateway struct {
	cfg        *config.Config
	providers  ProviderSource
	newBackend func() BackendClient
	logger     zerolog.Logger
}

// New creates a gateway. newBackend is called once per UI connection so
// every collaboration attempt gets its own backend session.
func New(cfg *config.Config, providers ProviderSource, newBackend func() BackendClient, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:        cfg,
		providers:  providers,
		newBackend: newBackend,
		logger:     logger,
	}
}

// Handler upgrades UI connections and runs their sessions to completion
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		s, err := g.newClientSession(conn)
		if err != nil {
			g.logger.Error().Err(err).Msg("session setup failed")
			payload, _ := json.Marshal(uiEvent{Type: "toast", Toast: &toastPayload{Message: err.Error(), Severity: "error"}})
			conn.WriteMessage(websocket.TextMessage, payload)
			return
		}
		s.run()
	}
}

// ClientSession owns everything behind one UI connection: the capture
// provider, the backend client, the session state machine and the
// conversation history.
type ClientSession struct {
	conn         *websocket.Conn
	cfg          *config.Config
	provider     capture.Provider
	client       BackendClient
	session      *session.Manager
	convo        *conversation.Engine
	reconnectCfg *resilience.ReconnectConfig
	metrics      *observability.Metrics
	logger       zerolog.Logger

	wmu  sync.Mutex // serializes websocket writes
	done chan struct{}
	once sync.Once
}

func (g *Gateway) newClientSession(conn *websocket.Conn) (*ClientSession, error) {
	provider, err := g.providers.Create()
	if err != nil {
		return nil, fmt.Errorf("audio capture unavailable: %w", err)
	}

	sessionID := observability.NewSessionID()
	logger := g.logger.With().Str("session_id", sessionID).Logger()
	metrics := observability.NewSessionMetrics(sessionID)

	client := g.newBackend()

	captureCfg := capture.Config{
		SampleRate: g.cfg.CaptureSampleRate,
		Channels:   g.cfg.CaptureChannels,
		BitDepth:   g.cfg.CaptureBitDepth,
	}
	delays := session.Delays{
		ConnectExit: time.Duration(g.cfg.ConnectExitDelay) * time.Millisecond,
		ClosedExit:  time.Duration(g.cfg.ClosedExitDelay) * time.Millisecond,
	}
	reconnectCfg := resilience.DefaultReconnectConfig()
	if g.cfg.ReconnectMaxAttempts > 0 {
		reconnectCfg.MaxAttempts = g.cfg.ReconnectMaxAttempts
	}
	if g.cfg.ReconnectBackoff > 0 {
		reconnectCfg.Backoff = time.Duration(g.cfg.ReconnectBackoff) * time.Millisecond
	}

	s := &ClientSession{
		conn:         conn,
		cfg:          g.cfg,
		provider:     provider,
		client:       client,
		convo:        conversation.NewEngine(g.cfg.HistoryCapacity),
		reconnectCfg: reconnectCfg,
		metrics:      metrics,
		logger:       logger,
		done:         make(chan struct{}),
	}
	s.session = session.NewManager(client, g.cfg, s, provider, captureCfg, g.cfg.BackendAPIKey, delays, metrics, logger)

	// Wire the pipeline before anything can start: aligned capture audio
	// flows straight to the backend, capture faults surface as toasts.
	provider.OnData(s.handleAudio)
	provider.OnError(s.handleCaptureError)
	client.SetHandler(s)

	metrics.RecordSessionStart()
	logger.Info().Msg("UI session connected")
	return s, nil
}

// run processes UI commands until the connection dies
func (s *ClientSession) run() {
	defer s.teardown()

	for {
		var cmd uiCommand
		if err := s.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("UI connection lost")
			}
			return
		}

		switch cmd.Type {
		case "initialize":
			// Connect may block on dial retries; keep the command loop live.
			go func() {
				s.session.Initialize(context.Background(), s.requestExit)
				s.pushState()
			}()

		case "reconnect":
			// A user-requested reconnect retries with backoff before
			// giving up; each attempt re-arms the audio rendezvous.
			go func() {
				err := resilience.Reconnect(context.Background(), func() error {
					return s.session.Reconnect(context.Background())
				}, s.reconnectCfg)
				if err != nil {
					s.logger.Warn().Err(err).Msg("reconnect abandoned")
					s.ShowToast("Reconnect failed. You can try again.", "error")
				}
				s.pushState()
			}()

		case "exit":
			// Ordering matters: mark the exit as deliberate before the
			// teardown closes the backend connection.
			s.session.PrepareExit()
			s.pushState()
			return

		default:
			s.logger.Debug().Str("type", cmd.Type).Msg("unknown UI command")
		}
	}
}

func (s *ClientSession) teardown() {
	s.once.Do(func() { close(s.done) })
	s.client.Close()
	s.provider.Stop()
	s.provider.RemoveAllListeners()
	s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("UI session ended")
}

// requestExit is the session manager's exit callback: tell the UI to
// navigate away, then let the read loop wind the session down.
func (s *ClientSession) requestExit() {
	s.writeEvent(uiEvent{Type: "exit"})
	s.conn.Close()
}

// handleAudio forwards one aligned PCM chunk to the backend
func (s *ClientSession) handleAudio(chunk []byte) {
	s.metrics.RecordAudioChunk(len(chunk))
	if err := s.client.SendAudio(chunk); err != nil {
		// Best-effort transport; dropped chunks are not an error state
		s.logger.Debug().Err(err).Msg("audio chunk not delivered")
	}
}

// handleCaptureError surfaces capture-layer faults to the UI
func (s *ClientSession) handleCaptureError(err error) {
	s.logger.Error().Err(err).Msg("capture fault")

	kind := "capture"
	var fault *capture.Fault
	if errors.As(err, &fault) {
		kind = string(fault.Kind)
	}
	s.metrics.RecordError(kind, "capture")
	s.ShowToast("Audio capture was interrupted", "error")
	s.pushState()
}

// ShowToast implements session.Notifier by forwarding to the UI
func (s *ClientSession) ShowToast(message, severity string) {
	s.writeEvent(uiEvent{Type: "toast", Toast: &toastPayload{Message: message, Severity: severity}})
}

// Backend event stream (backend.EventHandler). Session bookkeeping first,
// then a state push so the UI always sees the post-transition state.

func (s *ClientSession) OnSessionReady() {
	s.session.HandleSessionReady()
	s.pushState()
}

func (s *ClientSession) OnSessionError(message string) {
	s.session.HandleSessionError(message)
	sentry.CaptureException(fmt.Errorf("session error: %s", message))
	s.pushState()
}

func (s *ClientSession) OnSessionClosed() {
	s.session.HandleSessionClosed()
	s.pushState()
}

func (s *ClientSession) OnTranscriptionUpdate(text string) {
	if s.convo.UpdateVoiceInput(text) {
		s.pushState()
	}
}

func (s *ClientSession) OnTranscriptionComplete(text string) {
	if s.convo.HandleTranscriptionComplete(text) {
		s.metrics.RecordConversationEntry(string(conversation.RoleUser))
		s.pushState()
	}
}

func (s *ClientSession) OnAIResponseUpdate(text string) {
	if s.convo.UpdateAIResponse(text) {
		s.pushState()
	}
}

func (s *ClientSession) OnAIResponse(text string) {
	if s.convo.HandleAIResponseComplete(text) {
		s.metrics.RecordConversationEntry(string(conversation.RoleAI))
		s.pushState()
	}
}

// pushState sends the full UI-visible state
func (s *ClientSession) pushState() {
	snap := s.snapshot()
	s.writeEvent(uiEvent{Type: "state", State: &snap})
}

func (s *ClientSession) snapshot() stateSnapshot {
	snap := stateSnapshot{
		Status:            s.session.Status(),
		IsConnected:       s.session.IsConnected(),
		IsInitializing:    s.session.IsInitializing(),
		IsExiting:         s.session.IsExiting(),
		History:           s.convo.History(),
		CurrentVoiceInput: s.convo.CurrentVoiceInput(),
		CurrentAIResponse: s.convo.CurrentAIResponse(),
		IsWaitingForAI:    s.convo.IsWaitingForAI(),
		IsInitialState:    s.convo.IsInitialState(),
	}
	if cerr := s.session.CurrentError(); cerr != nil {
		snap.Error = &errorPayload{Kind: string(cerr.Kind), Message: cerr.Message}
	}
	return snap
}

func (s *ClientSession) writeEvent(ev uiEvent) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteJSON(ev); err != nil {
		s.logger.Debug().Err(err).Msg("UI write failed")
	}
}
