package capture

import (
	"os"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// killByName terminates every process whose name matches name, waiting up
// to wait for them to die before escalating to a hard kill. Best effort:
// failures are logged, never returned, and a stale process simply being
// absent is the common case.
func killByName(name string, wait time.Duration, logger zerolog.Logger) {
	procs, err := process.Processes()
	if err != nil {
		logger.Debug().Err(err).Msg("process enumeration failed, skipping kill-existing")
		return
	}

	var targets []*process.Process
	for _, pr := range procs {
		n, err := pr.Name()
		if err != nil || n == "" {
			continue
		}
		if strings.EqualFold(n, name) {
			targets = append(targets, pr)
			if err := pr.Terminate(); err != nil {
				logger.Debug().Err(err).Int32("pid", pr.Pid).Msg("terminate failed")
			}
		}
	}
	if len(targets) == 0 {
		return
	}

	logger.Debug().Int("count", len(targets)).Str("name", name).Msg("terminating stale capture processes")

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		alive := false
		for _, pr := range targets {
			if running, _ := pr.IsRunning(); running {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Still alive after the bounded wait: escalate.
	for _, pr := range targets {
		if running, _ := pr.IsRunning(); running {
			if err := pr.Kill(); err != nil {
				logger.Debug().Err(err).Int32("pid", pr.Pid).Msg("kill failed")
			}
		}
	}
}

// terminate requests graceful termination of a child process
func terminate(proc *os.Process) error {
	if runtime.GOOS == "windows" {
		// No SIGTERM delivery on Windows
		return proc.Kill()
	}
	return proc.Signal(syscall.SIGTERM)
}
