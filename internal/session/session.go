// Package session orchestrates the collaboration lifecycle: connect the
// AI backend, rendezvous its readiness signal with local initialization,
// start audio capture exactly once, and classify disconnects.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/copilotlabs/interview-gateway/internal/capture"
	"github.com/copilotlabs/interview-gateway/internal/observability"
)

// State is the session state machine position
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateWaitingReady
	StateAudioStarting
	StateReady
	StateErrored
	StateDisconnected
	StateExiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateWaitingReady:
		return "waiting-ready"
	case StateAudioStarting:
		return "audio-starting"
	case StateReady:
		return "ready"
	case StateErrored:
		return "errored"
	case StateDisconnected:
		return "disconnected"
	case StateExiting:
		return "exiting"
	}
	return "unknown"
}

// ErrorKind distinguishes failure classes so the UI can offer different
// remedies (retry connection vs. check audio device).
type ErrorKind string

const (
	KindAPIConnectionFailed ErrorKind = "api-connection-failed"
	KindAudioDeviceError    ErrorKind = "audio-device-error"
	KindUnknownError        ErrorKind = "unknown-error"
)

// CollaborationError is the session's current error, replaced wholesale
// on each new error and cleared on success.
type CollaborationError struct {
	Kind    ErrorKind
	Message string
}

// Backend is the AI backend connect operation (external collaborator)
type Backend interface {
	InitializeAI(ctx context.Context, apiKey, customPrompt, purpose, language string) error
}

// SelectionStore provides read-only access to persisted UI selections
type SelectionStore interface {
	Selection(key string) string
}

// Notifier is the UI notification sink
type Notifier interface {
	ShowToast(message, severity string)
}

// Delays holds the empirically chosen exit delays; both exist to let the
// error toast render before navigation unmounts it.
type Delays struct {
	ConnectExit time.Duration // after a failed initial connect
	ClosedExit  time.Duration // after an unsolicited close
}

// DefaultDelays returns the stock exit delays
func DefaultDelays() Delays {
	return Delays{
		ConnectExit: 800 * time.Millisecond,
		ClosedExit:  1500 * time.Millisecond,
	}
}

// Manager drives one collaboration attempt. All flag mutations happen
// under one mutex; sessionReady and audioStarted are one-shot latches and
// audioStartPending is the level-triggered flag between them.
type Manager struct {
	backend    Backend
	store      SelectionStore
	notifier   Notifier
	provider   capture.Provider
	captureCfg capture.Config
	apiKey     string
	delays     Delays
	metrics    *observability.Metrics
	logger     zerolog.Logger

	mu                sync.Mutex
	state             State
	hasInitialized    bool
	connected         bool
	sessionReady      bool
	audioStartPending bool
	audioStarted      bool
	userExiting       bool
	exitScheduled     bool
	currentError      *CollaborationError
	onExit            func()
}

// NewManager wires a session manager. The capture provider must come
// from the factory so the single-child invariant holds process-wide.
func NewManager(backend Backend, store SelectionStore, notifier Notifier, provider capture.Provider, captureCfg capture.Config, apiKey string, delays Delays, metrics *observability.Metrics, logger zerolog.Logger) *Manager {
	if delays.ConnectExit == 0 || delays.ClosedExit == 0 {
		d := DefaultDelays()
		if delays.ConnectExit == 0 {
			delays.ConnectExit = d.ConnectExit
		}
		if delays.ClosedExit == 0 {
			delays.ClosedExit = d.ClosedExit
		}
	}
	return &Manager{
		backend:    backend,
		store:      store,
		notifier:   notifier,
		provider:   provider,
		captureCfg: captureCfg,
		apiKey:     apiKey,
		delays:     delays,
		metrics:    metrics,
		logger:     logger,
		state:      StateIdle,
	}
}

// Initialize connects the AI backend and arms the audio-start rendezvous.
// One-shot: a second call while already initialized is a silent no-op.
// onExit is invoked (after a toast-render delay) when the attempt is
// fatal enough to leave the session.
func (m *Manager) Initialize(ctx context.Context, onExit func()) {
	m.mu.Lock()
	if m.hasInitialized {
		m.mu.Unlock()
		return
	}
	m.hasInitialized = true
	m.onExit = onExit
	m.setStateLocked(StateConnecting)
	prompt, purpose, language := m.selectionsLocked()
	m.mu.Unlock()

	err := m.backend.InitializeAI(ctx, m.apiKey, prompt, purpose, language)

	m.mu.Lock()
	if err != nil {
		m.setErrorLocked(KindAPIConnectionFailed, err.Error())
		m.mu.Unlock()
		m.notifier.ShowToast("Failed to connect to the AI session", "error")
		m.scheduleExit(m.delays.ConnectExit)
		return
	}

	m.connected = true
	m.currentError = nil
	m.audioStartPending = true
	m.setStateLocked(StateWaitingReady)
	// The backend may have signaled ready before connect returned; the
	// latch tolerates either ordering.
	ready := m.sessionReady
	m.mu.Unlock()

	if ready {
		m.startAudioOnce(ctx)
	}
}

// HandleSessionReady is invoked by the backend event stream. Idempotent;
// completes the rendezvous when local initialization already armed it.
func (m *Manager) HandleSessionReady() {
	m.mu.Lock()
	m.sessionReady = true
	shouldStart := m.audioStartPending && !m.audioStarted
	m.mu.Unlock()

	if shouldStart {
		m.startAudioOnce(context.Background())
	}
}

// startAudioOnce starts capture at most once per session attempt. The
// latch is set before any asynchronous work to close the race window.
func (m *Manager) startAudioOnce(ctx context.Context) {
	m.mu.Lock()
	if m.audioStarted {
		m.mu.Unlock()
		return
	}
	m.audioStarted = true
	m.audioStartPending = false
	m.setStateLocked(StateAudioStarting)
	m.mu.Unlock()

	res := m.provider.Start(ctx, &m.captureCfg)
	if m.metrics != nil {
		m.metrics.RecordCaptureStart(res.Success)
	}

	m.mu.Lock()
	if !res.Success {
		// Only the audio leg failed; the AI connection stays intact.
		m.setErrorLocked(KindAudioDeviceError, res.Error)
		m.mu.Unlock()
		m.notifier.ShowToast("Audio capture failed to start. Check your audio device.", "error")
		return
	}
	m.currentError = nil
	m.setStateLocked(StateReady)
	m.mu.Unlock()

	m.logger.Info().Int("pid", res.PID).Msg("audio capture running")
}

// Reconnect re-runs the backend connect and re-arms the rendezvous so the
// next readiness signal restarts audio. Failures here are recoverable in
// place, never auto-exit; the error is returned so the caller owns the
// retry policy and the eventual user notification.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.audioStarted = false
	m.sessionReady = false
	m.audioStartPending = true
	m.setStateLocked(StateConnecting)
	prompt, purpose, language := m.selectionsLocked()
	m.mu.Unlock()

	err := m.backend.InitializeAI(ctx, m.apiKey, prompt, purpose, language)

	m.mu.Lock()
	if err != nil {
		m.setErrorLocked(KindAPIConnectionFailed, err.Error())
		m.mu.Unlock()
		return err
	}
	m.connected = true
	m.currentError = nil
	m.setStateLocked(StateWaitingReady)
	ready := m.sessionReady
	m.mu.Unlock()

	if ready {
		m.startAudioOnce(ctx)
	}
	return nil
}

// HandleSessionError records a backend-reported error. It does not decide
// whether to exit; callers and the UI do.
func (m *Manager) HandleSessionError(message string) {
	m.mu.Lock()
	m.setErrorLocked(KindUnknownError, message)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.RecordError(string(KindUnknownError), "session")
	}
}

// HandleSessionClosed handles backend closure. A close after PrepareExit
// is the expected consequence of a deliberate exit and stays silent;
// anything else is unsolicited and schedules navigation away.
func (m *Manager) HandleSessionClosed() {
	m.mu.Lock()
	m.connected = false
	m.sessionReady = false
	m.audioStarted = false
	m.audioStartPending = false
	userExiting := m.userExiting
	if !userExiting {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if userExiting {
		return
	}

	m.logger.Warn().Msg("session closed unexpectedly")
	m.notifier.ShowToast("The session was closed unexpectedly", "error")
	m.scheduleExit(m.delays.ClosedExit)
}

// PrepareExit marks the coming teardown as user-initiated. Must be called
// before the caller disposes the connection, or HandleSessionClosed will
// misclassify the resulting close as unsolicited.
func (m *Manager) PrepareExit() {
	m.mu.Lock()
	m.userExiting = true
	m.setStateLocked(StateExiting)
	m.mu.Unlock()
}

// scheduleExit invokes the exit callback once, after the toast has had
// time to render.
func (m *Manager) scheduleExit(delay time.Duration) {
	m.mu.Lock()
	if m.exitScheduled {
		m.mu.Unlock()
		return
	}
	m.exitScheduled = true
	onExit := m.onExit
	m.mu.Unlock()

	if onExit == nil {
		return
	}
	time.AfterFunc(delay, onExit)
}

func (m *Manager) selectionsLocked() (prompt, purpose, language string) {
	prompt = m.store.Selection("selected-preparation")
	purpose = m.store.Selection("selected-purpose")
	language = m.store.Selection("selected-language")
	return
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.metrics != nil {
		m.metrics.RecordStateTransition(s.String())
	}
	m.logger.Debug().Str("state", s.String()).Msg("session state")
}

func (m *Manager) setErrorLocked(kind ErrorKind, message string) {
	m.currentError = &CollaborationError{Kind: kind, Message: message}
	m.setStateLocked(StateErrored)
}

// State returns the current state machine position
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a human-readable status string for UI binding
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
		return "Not connected"
	case StateConnecting:
		return "Connecting to AI session..."
	case StateWaitingReady:
		return "Waiting for session to become ready..."
	case StateAudioStarting:
		return "Starting audio capture..."
	case StateReady:
		return "Live"
	case StateErrored:
		if m.currentError != nil {
			return m.currentError.Message
		}
		return "Something went wrong"
	case StateDisconnected:
		return "Disconnected"
	case StateExiting:
		return "Ending session..."
	}
	return ""
}

// IsConnected reports whether the AI backend connection is up
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// IsInitializing reports whether a connect attempt is in flight
func (m *Manager) IsInitializing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnecting || m.state == StateWaitingReady || m.state == StateAudioStarting
}

// CurrentError returns a copy of the current error, or nil
func (m *Manager) CurrentError() *CollaborationError {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentError == nil {
		return nil
	}
	e := *m.currentError
	return &e
}

// IsExiting reports whether the user has begun leaving the session
func (m *Manager) IsExiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userExiting
}
