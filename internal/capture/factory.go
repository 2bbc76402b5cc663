package capture

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// Factory owns the single provider instance for this process. Consumers
// must go through the factory rather than constructing providers
// directly, which preserves the at-most-one-live-child invariant. The
// factory is injected into its consumers, not package-level state.
type Factory struct {
	mu       sync.Mutex
	provider Provider
	paths    Paths
	opts     Options
	logger   zerolog.Logger
}

// NewFactory creates a factory. Paths and options apply to the first
// Create only; later calls return the cached provider unchanged.
func NewFactory(paths Paths, opts Options, logger zerolog.Logger) *Factory {
	return &Factory{paths: paths, opts: opts, logger: logger}
}

// Create returns the provider for the running platform, constructing it
// on first use. Unsupported platforms fail fast and construct nothing.
func (f *Factory) Create() (Provider, error) {
	return f.createFor(runtime.GOOS)
}

func (f *Factory) createFor(goos string) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.provider != nil {
		return f.provider, nil
	}

	switch goos {
	case "darwin":
		f.provider = NewSystemAudioDump(f.paths, f.opts, f.logger)
	case "windows":
		f.provider = NewWasapiLoopback(f.paths, f.opts, f.logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
	return f.provider, nil
}

// Get returns the cached provider without creating one
func (f *Factory) Get() Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provider
}

// Dispose disposes and clears the cached provider. A later Create
// constructs a fresh instance.
func (f *Factory) Dispose() {
	f.mu.Lock()
	p := f.provider
	f.provider = nil
	f.mu.Unlock()

	if p != nil {
		p.Dispose()
	}
}
