package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// provider is the shared supervision logic behind both platform variants.
// It owns at most one live child process at a time.
type provider struct {
	platform         string // required runtime.GOOS
	binaryName       string
	binaryPath       string
	requireAvailable bool // Start refuses unless IsAvailable (optional-download binaries)
	opts             Options
	logger           zerolog.Logger

	startMu sync.Mutex // serializes whole Start attempts

	mu        sync.Mutex // guards the live-child state below
	cmd       *exec.Cmd
	pid       int
	realigner *Realigner

	cbMu    sync.RWMutex
	onData  func([]byte)
	onError func(error)
}

func newProvider(platform, binaryName, binaryPath string, requireAvailable bool, opts Options, logger zerolog.Logger) *provider {
	return &provider{
		platform:         platform,
		binaryName:       binaryName,
		binaryPath:       binaryPath,
		requireAvailable: requireAvailable,
		opts:             opts,
		logger:           logger.With().Str("binary", binaryName).Logger(),
		realigner:        NewRealigner(DefaultConfig().FrameSize()),
	}
}

func (p *provider) IsAvailable() bool {
	if runtime.GOOS != p.platform {
		return false
	}
	info, err := os.Stat(p.binaryPath)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return false
	}
	return true
}

func (p *provider) Start(ctx context.Context, cfg *Config) Result {
	if runtime.GOOS != p.platform {
		return Result{Error: fmt.Sprintf("capture requires %s, running on %s", p.platform, runtime.GOOS)}
	}
	if p.requireAvailable && !p.IsAvailable() {
		return Result{Error: fmt.Sprintf("capture binary not installed at %s", p.binaryPath)}
	}
	if cfg == nil {
		c := DefaultConfig()
		cfg = &c
	}

	// Start attempts are serialized on their own mutex; the state mutex is
	// only taken for short sections so Stop stays responsive through the
	// kill wait and the settle delay.
	p.startMu.Lock()
	defer p.startMu.Unlock()

	// Single-flight: drop our own handle first so the exit watcher stays
	// quiet, then clear any stale same-named process system-wide.
	p.Stop()
	killByName(p.binaryName, p.opts.KillWait, p.logger)

	cmd := exec.Command(p.binaryPath)
	// The child reports a neutral process name; the binary reads this at
	// startup. Stdin is left unconnected, the capture tools take no input.
	cmd.Env = append(os.Environ(), "PROCESS_NAME="+p.opts.ProcessName)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Error: (&Fault{Kind: FaultSpawn, Message: err.Error()}).Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Error: (&Fault{Kind: FaultSpawn, Message: err.Error()}).Error()}
	}

	if err := cmd.Start(); err != nil {
		return Result{Error: (&Fault{Kind: FaultSpawn, Message: err.Error()}).Error()}
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return Result{Error: (&Fault{Kind: FaultSpawn, Message: "no process id after spawn"}).Error()}
	}

	realigner := NewRealigner(cfg.FrameSize())
	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.realigner = realigner
	p.mu.Unlock()

	// Handlers are wired before Start returns.
	go p.readStdout(stdout, realigner)
	go p.scanStderr(stderr)
	go p.waitExit(cmd)

	p.logger.Info().Int("pid", cmd.Process.Pid).Int("frame_size", cfg.FrameSize()).Msg("capture process started")

	// Let the device driver settle before declaring success.
	select {
	case <-ctx.Done():
		p.Stop()
		return Result{Error: ctx.Err().Error()}
	case <-time.After(p.opts.SettleDelay):
	}

	// A concurrent Stop (or early child death) during the settle window
	// dropped the handle; that attempt must not report success.
	p.mu.Lock()
	alive := p.cmd == cmd
	pid := p.pid
	p.mu.Unlock()
	if !alive {
		return Result{Error: "capture process gone before startup settled"}
	}
	return Result{Success: true, PID: pid}
}

func (p *provider) Stop() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return Result{Success: true}
}

// stopLocked requests graceful termination and drops the handle
// immediately. Safe to call with no child running.
func (p *provider) stopLocked() {
	if p.cmd == nil {
		return
	}
	if p.cmd.Process != nil {
		if err := terminate(p.cmd.Process); err != nil {
			p.logger.Debug().Err(err).Int("pid", p.pid).Msg("terminate on stop failed")
		}
	}
	p.logger.Info().Int("pid", p.pid).Msg("capture process stopped")
	p.cmd = nil
	p.pid = 0
}

func (p *provider) OnData(fn func(chunk []byte)) {
	p.cbMu.Lock()
	p.onData = fn
	p.cbMu.Unlock()
}

func (p *provider) OnError(fn func(err error)) {
	p.cbMu.Lock()
	p.onError = fn
	p.cbMu.Unlock()
}

func (p *provider) RemoveAllListeners() {
	p.cbMu.Lock()
	p.onData = nil
	p.onError = nil
	p.cbMu.Unlock()
}

func (p *provider) Dispose() {
	p.Stop()
	p.RemoveAllListeners()
}

func (p *provider) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *provider) emitData(chunk []byte) {
	p.cbMu.RLock()
	fn := p.onData
	p.cbMu.RUnlock()
	if fn != nil {
		fn(chunk)
	}
}

func (p *provider) emitError(err error) {
	p.cbMu.RLock()
	fn := p.onError
	p.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// readStdout pumps raw PCM from the child through the realigner. Each
// child gets its own realigner, so a reader draining after a restart
// cannot corrupt the new stream's remainder.
func (p *provider) readStdout(r io.Reader, realigner *Realigner) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if aligned := realigner.Push(buf[:n]); len(aligned) > 0 {
				p.emitData(aligned)
			}
		}
		if err != nil {
			return
		}
	}
}

// scanStderr watches the child's diagnostic output for known fault
// signatures. This is heuristic text matching, not exit-code handling;
// the signature list is configurable per platform.
func (p *provider) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.logger.Debug().Str("stderr", line).Msg("capture diagnostic")
		for _, sig := range p.opts.FaultSignatures {
			if strings.Contains(line, sig) {
				p.emitError(&Fault{Kind: FaultStreamInterruption, Message: line})
				break
			}
		}
	}
}

// waitExit reaps the child and reports unexpected exits. An exit after
// Stop dropped the handle is the deliberate case and stays silent.
func (p *provider) waitExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	unexpected := p.cmd == cmd
	if unexpected {
		p.cmd = nil
		p.pid = 0
	}
	p.mu.Unlock()

	if !unexpected {
		return
	}

	msg := "capture process exited"
	if err != nil {
		msg = err.Error()
	}
	p.logger.Warn().Str("reason", msg).Msg("capture process exited unexpectedly")
	p.emitError(&Fault{Kind: FaultProcessExit, Message: msg})
}
