// Package capture supervises the platform-specific native audio dump
// executables and exposes their output as whole-frame-aligned PCM buffers.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedPlatform is returned by the factory on platforms without a
// capture implementation.
var ErrUnsupportedPlatform = errors.New("audio capture not supported on this platform")

// Config describes the PCM stream produced by the capture executable
type Config struct {
	SampleRate int // Samples per second
	Channels   int // Interleaved channel count
	BitDepth   int // Bits per sample; only 16 is supported
}

// DefaultConfig returns the stream format the bundled capture tools emit
func DefaultConfig() Config {
	return Config{
		SampleRate: 24000,
		Channels:   2,
		BitDepth:   16,
	}
}

// FrameSize returns the size in bytes of one interleaved sample frame
func (c Config) FrameSize() int {
	return c.Channels * c.BitDepth / 8
}

// Result reports the outcome of a Start or Stop call
type Result struct {
	Success bool
	Error   string // Populated when Success is false
	PID     int    // Child process ID, populated on successful start
}

// FaultKind classifies capture-layer faults
type FaultKind string

const (
	// FaultSpawn means the native process could not be started
	FaultSpawn FaultKind = "spawn-failure"
	// FaultStreamInterruption means a known fault signature was seen on stderr
	FaultStreamInterruption FaultKind = "stream-interruption"
	// FaultProcessError means the child failed at the OS level
	FaultProcessError FaultKind = "process-error"
	// FaultProcessExit means the child exited while capture was still wanted
	FaultProcessExit FaultKind = "process-exit"
)

// Fault is a capture-layer error delivered through the error callback,
// never thrown across the process boundary.
type Fault struct {
	Kind    FaultKind
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Provider is the only surface the rest of the application may use for
// audio capture. Both callbacks are single-slot: the last registration
// wins, there is no fan-out list.
type Provider interface {
	// IsAvailable reports whether this provider can run here: matching OS
	// and an executable capture binary at the resolved path. No side effects.
	IsAvailable() bool

	// Start launches the capture executable. Any stale same-named process
	// is terminated first (best effort, bounded). Start suspends for the
	// kill wait and the post-spawn settle delay, both bounded.
	Start(ctx context.Context, cfg *Config) Result

	// Stop requests graceful termination and drops the handle. Idempotent;
	// always reports success.
	Stop() Result

	// OnData registers the data callback. Buffers are always whole-frame
	// aligned.
	OnData(fn func(chunk []byte))

	// OnError registers the error callback; it receives *Fault values.
	OnError(fn func(err error))

	// RemoveAllListeners clears both callback slots.
	RemoveAllListeners()

	// Dispose stops the child and clears listeners. Idempotent.
	Dispose()

	// Pid returns the child process ID, or 0 when no child is running.
	Pid() int
}

// Paths selects where the capture binaries are resolved from
type Paths struct {
	Packaged     bool   // true in packaged builds
	ResourcesDir string // packaged resource directory
	AssetsDir    string // development assets directory
}

// Options tunes provider behaviour. Zero values fall back to the
// defaults below; the delays are empirical, not invariants.
type Options struct {
	KillWait        time.Duration // bound on the kill-existing step
	SettleDelay     time.Duration // device driver settle time after spawn
	ProcessName     string        // neutral name exported to the child environment
	FaultSignatures []string      // stderr substrings treated as stream interruptions
}

const (
	defaultKillWait    = 2 * time.Second
	defaultSettleDelay = 1 * time.Second
	defaultProcessName = "AudioService"
)

func (o Options) withDefaults(signatures []string) Options {
	if o.KillWait == 0 {
		o.KillWait = defaultKillWait
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = defaultSettleDelay
	}
	if o.ProcessName == "" {
		o.ProcessName = defaultProcessName
	}
	if o.FaultSignatures == nil {
		o.FaultSignatures = signatures
	}
	return o
}
