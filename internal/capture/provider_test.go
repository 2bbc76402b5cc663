package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// testOptions keeps the empirical delays short so tests stay fast
func testOptions() Options {
	return Options{
		KillWait:        100 * time.Millisecond,
		SettleDelay:     20 * time.Millisecond,
		ProcessName:     "AudioService",
		FaultSignatures: []string{"stream stopped with error"},
	}
}

// writeFakeCapture writes an executable shell script standing in for the
// native capture binary.
func writeFakeCapture(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake capture script requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fakecapture")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("writing fake capture script: %v", err)
	}
	return path
}

func newTestProvider(t *testing.T, script string) *provider {
	path := writeFakeCapture(t, script)
	return newProvider(runtime.GOOS, filepath.Base(path), path, false, testOptions(), zerolog.Nop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestProvider_StartStopLifecycle(t *testing.T) {
	p := newTestProvider(t, `printf 'abcdefghij'
printf 'capture running\n' >&2
sleep 10
`)

	dataCh := make(chan []byte, 16)
	p.OnData(func(chunk []byte) { dataCh <- append([]byte(nil), chunk...) })

	res := p.Start(context.Background(), nil)
	if !res.Success {
		t.Fatalf("Start failed: %s", res.Error)
	}
	if res.PID <= 0 {
		t.Errorf("Expected positive PID, got %d", res.PID)
	}
	if p.Pid() != res.PID {
		t.Errorf("Pid() = %d, want %d", p.Pid(), res.PID)
	}

	select {
	case chunk := <-dataCh:
		if len(chunk)%4 != 0 {
			t.Errorf("Data callback received unaligned buffer of %d bytes", len(chunk))
		}
		if string(chunk) != "abcdefgh" {
			t.Errorf("Expected first aligned chunk 'abcdefgh', got %q", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No data received from capture process")
	}

	stop := p.Stop()
	if !stop.Success {
		t.Error("Stop reported failure")
	}
	if p.Pid() != 0 {
		t.Errorf("Pid() after stop = %d, want 0", p.Pid())
	}
}

func TestProvider_StreamInterruptionDetected(t *testing.T) {
	p := newTestProvider(t, `printf 'HAL: stream stopped with error -10851\n' >&2
sleep 10
`)

	errCh := make(chan error, 4)
	p.OnError(func(err error) { errCh <- err })

	res := p.Start(context.Background(), nil)
	if !res.Success {
		t.Fatalf("Start failed: %s", res.Error)
	}
	defer p.Dispose()

	select {
	case err := <-errCh:
		var fault *Fault
		if !errors.As(err, &fault) {
			t.Fatalf("Expected *Fault, got %T", err)
		}
		if fault.Kind != FaultStreamInterruption {
			t.Errorf("Expected stream-interruption, got %s", fault.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No fault reported for matching stderr line")
	}
}

func TestProvider_UnexpectedExitReported(t *testing.T) {
	// The child survives the settle window, then dies on its own
	p := newTestProvider(t, `sleep 1
exit 3
`)

	errCh := make(chan error, 4)
	p.OnError(func(err error) { errCh <- err })

	res := p.Start(context.Background(), nil)
	if !res.Success {
		t.Fatalf("Start failed: %s", res.Error)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		select {
		case err := <-errCh:
			var fault *Fault
			return errors.As(err, &fault) && fault.Kind == FaultProcessExit
		default:
			return false
		}
	})
	if !ok {
		t.Error("Expected a process-exit fault after the child died")
	}
}

func TestProvider_DeliberateStopStaysSilent(t *testing.T) {
	p := newTestProvider(t, `sleep 10
`)

	errCh := make(chan error, 4)
	p.OnError(func(err error) { errCh <- err })

	if res := p.Start(context.Background(), nil); !res.Success {
		t.Fatalf("Start failed: %s", res.Error)
	}
	p.Stop()

	time.Sleep(200 * time.Millisecond)
	select {
	case err := <-errCh:
		t.Errorf("Deliberate stop produced an error: %v", err)
	default:
	}
}

func TestProvider_SingleFlight(t *testing.T) {
	p := newTestProvider(t, `sleep 10
`)
	defer p.Dispose()

	res1 := p.Start(context.Background(), nil)
	if !res1.Success {
		t.Fatalf("First start failed: %s", res1.Error)
	}
	res2 := p.Start(context.Background(), nil)
	if !res2.Success {
		t.Fatalf("Second start failed: %s", res2.Error)
	}
	if res1.PID == res2.PID {
		t.Error("Expected a fresh child process on restart")
	}

	// The first child must be gone; at most one live child per provider.
	gone := waitFor(t, 2*time.Second, func() bool {
		exists, err := process.PidExists(int32(res1.PID))
		return err == nil && !exists
	})
	if !gone {
		t.Errorf("First child (pid %d) still alive after restart", res1.PID)
	}
}

func TestProvider_StopResponsiveDuringStart(t *testing.T) {
	path := writeFakeCapture(t, `sleep 10
`)
	opts := testOptions()
	opts.SettleDelay = 500 * time.Millisecond
	p := newProvider(runtime.GOOS, filepath.Base(path), path, false, opts, zerolog.Nop())

	resCh := make(chan Result, 1)
	go func() { resCh <- p.Start(context.Background(), nil) }()

	// The handle is published before the settle window.
	if !waitFor(t, 2*time.Second, func() bool { return p.Pid() > 0 }) {
		t.Fatal("Child never spawned")
	}

	began := time.Now()
	if res := p.Stop(); !res.Success {
		t.Error("Stop reported failure")
	}
	if elapsed := time.Since(began); elapsed > 200*time.Millisecond {
		t.Errorf("Stop blocked for %v behind the startup settle window", elapsed)
	}

	res := <-resCh
	if res.Success {
		t.Error("Start interrupted by Stop must not report success")
	}
	if !strings.Contains(res.Error, "before startup settled") {
		t.Errorf("Unexpected error for interrupted start: %q", res.Error)
	}
	if p.Pid() != 0 {
		t.Errorf("Pid() after stop = %d, want 0", p.Pid())
	}
}

func TestProvider_SpawnFailure(t *testing.T) {
	p := newProvider(runtime.GOOS, "missing-binary", filepath.Join(t.TempDir(), "missing-binary"), false, testOptions(), zerolog.Nop())

	res := p.Start(context.Background(), nil)
	if res.Success {
		t.Fatal("Expected spawn failure for missing binary")
	}
	if !strings.Contains(res.Error, string(FaultSpawn)) {
		t.Errorf("Expected spawn-failure error, got %q", res.Error)
	}
	if p.Pid() != 0 {
		t.Errorf("Expected no dangling handle, Pid() = %d", p.Pid())
	}
}

func TestProvider_WrongPlatform(t *testing.T) {
	other := "windows"
	if runtime.GOOS == "windows" {
		other = "darwin"
	}
	p := newProvider(other, "whatever", "/nonexistent/whatever", false, testOptions(), zerolog.Nop())

	if p.IsAvailable() {
		t.Error("IsAvailable must be false on a mismatched OS")
	}
	res := p.Start(context.Background(), nil)
	if res.Success {
		t.Fatal("Start must fail on a mismatched OS")
	}
}

func TestProvider_StopIdempotent(t *testing.T) {
	p := newProvider(runtime.GOOS, "never-started", "/nonexistent/never-started", false, testOptions(), zerolog.Nop())

	for i := 0; i < 3; i++ {
		if res := p.Stop(); !res.Success {
			t.Errorf("Stop call %d reported failure", i+1)
		}
	}
	p.Dispose()
	p.Dispose()
}

func TestProvider_SingleSlotCallbacks(t *testing.T) {
	p := newProvider(runtime.GOOS, "x", "/nonexistent/x", false, testOptions(), zerolog.Nop())

	var first, second int
	p.OnData(func([]byte) { first++ })
	p.OnData(func([]byte) { second++ })

	p.emitData([]byte{0, 0, 0, 0})
	if first != 0 {
		t.Error("Earlier data callback fired; last registration must win")
	}
	if second != 1 {
		t.Errorf("Expected last data callback to fire once, got %d", second)
	}

	p.RemoveAllListeners()
	p.emitData([]byte{0, 0, 0, 0})
	p.emitError(errors.New("ignored"))
	if second != 1 {
		t.Error("Callback fired after RemoveAllListeners")
	}
}
