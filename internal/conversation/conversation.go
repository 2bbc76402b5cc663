// Package conversation reconciles streaming transcription and AI response
// events into a stable, append-only conversation history.
package conversation

import (
	"strings"
	"sync"
	"time"
)

// Role identifies which side of the conversation an entry belongs to
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// Source records what triggered a turn
type Source string

const (
	SourceVoice Source = "voice"
	SourceText  Source = "text"
)

// Entry is one finalized item in the conversation history
type Entry struct {
	Role      Role      `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// DefaultCapacity bounds history growth for arbitrarily long sessions
const DefaultCapacity = 100

// Engine merges the backend's incremental transcription and response
// events into history with correct turn boundaries. All methods report
// whether observable state changed, so callers know when to push updates.
type Engine struct {
	mu       sync.RWMutex
	capacity int
	history  []Entry

	// Ephemeral scratch state for the in-flight turn
	currentVoiceInput string
	currentAIResponse string
	pendingUserInput  string
	waitingForAI      bool

	// Duplicate-completion suppression: the backend may emit the same
	// completion signal more than once.
	lastCompletedResponse string
}

// NewEngine creates an engine with the given history capacity
// (DefaultCapacity when zero or negative).
func NewEngine(capacity int) *Engine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Engine{capacity: capacity}
}

// UpdateVoiceInput records a partial transcription of the user's speech.
// Once the assistant has begun answering, further partial updates for the
// same turn are suppressed so the live display does not jitter back to
// "listening" mid-answer.
func (e *Engine) UpdateVoiceInput(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentAIResponse != "" {
		return false
	}

	e.currentVoiceInput = text
	e.waitingForAI = true
	return true
}

// HandleTranscriptionComplete finalizes the user side of the turn. The
// entry is appended immediately; the text is stashed so the eventual AI
// entry can be attributed to it.
func (e *Engine) HandleTranscriptionComplete(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.appendLocked(Entry{
		Role:      RoleUser,
		Content:   text,
		Timestamp: time.Now(),
		Source:    SourceVoice,
	})
	e.currentVoiceInput = ""
	e.waitingForAI = true
	e.pendingUserInput = text
	return true
}

// UpdateAIResponse records the assistant's streaming answer. The backend
// sends full-so-far text each update, not deltas, so this is
// last-write-wins.
func (e *Engine) UpdateAIResponse(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The answer arriving supersedes any lingering partial of the question
	// it answers, even when no transcription-complete ever came.
	e.currentVoiceInput = ""
	e.currentAIResponse = text
	e.waitingForAI = false
	return true
}

// HandleAIResponseComplete folds the finished answer into history and
// clears the turn's scratch state. A completion identical to the
// immediately preceding one is suppressed.
func (e *Engine) HandleAIResponseComplete(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if text == e.lastCompletedResponse {
		return false
	}

	source := SourceVoice
	if e.pendingUserInput != "" {
		source = SourceText
	}
	e.appendLocked(Entry{
		Role:      RoleAI,
		Content:   text,
		Timestamp: time.Now(),
		Source:    source,
	})

	e.lastCompletedResponse = text
	e.currentAIResponse = ""
	e.currentVoiceInput = ""
	e.pendingUserInput = ""
	e.waitingForAI = false
	return true
}

// appendLocked appends with FIFO eviction beyond capacity
func (e *Engine) appendLocked(entry Entry) {
	e.history = append(e.history, entry)
	if len(e.history) > e.capacity {
		over := len(e.history) - e.capacity
		e.history = append(e.history[:0], e.history[over:]...)
	}
}

// History returns a copy of the conversation history, oldest first
func (e *Engine) History() []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Entry, len(e.history))
	copy(out, e.history)
	return out
}

// CurrentVoiceInput returns the in-flight partial transcription
func (e *Engine) CurrentVoiceInput() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentVoiceInput
}

// CurrentAIResponse returns the in-flight partial answer
func (e *Engine) CurrentAIResponse() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentAIResponse
}

// IsWaitingForAI reports whether a user turn is awaiting its answer
func (e *Engine) IsWaitingForAI() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.waitingForAI
}

// IsInitialState distinguishes "never started" from "momentarily idle".
// Derived, not stored: true only when nothing has happened yet.
func (e *Engine) IsInitialState() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.history) == 0 &&
		e.currentVoiceInput == "" &&
		e.currentAIResponse == "" &&
		!e.waitingForAI
}
