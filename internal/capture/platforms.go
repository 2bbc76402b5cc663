package capture

import (
	"path/filepath"

	"github.com/rs/zerolog"
)

const (
	systemAudioDumpBinary = "SystemAudioDump"
	wasapiLoopbackBinary  = "WasapiLoopback.exe"
)

// Default stderr fault signatures per platform. Substring matches against
// the native tool's diagnostic text; override via Options when the tool
// version or locale changes what it prints.
var (
	darwinFaultSignatures = []string{
		"stream stopped with error",
		"kAudioHardwareBadDeviceError",
		"HALC_ProxyIOContext",
	}
	windowsFaultSignatures = []string{
		"AUDCLNT_E_DEVICE_INVALIDATED",
		"device lost",
		"stream stopped with error",
	}
)

// NewSystemAudioDump creates the macOS provider supervising the bundled
// SystemAudioDump executable.
func NewSystemAudioDump(paths Paths, opts Options, logger zerolog.Logger) Provider {
	return newProvider(
		"darwin",
		systemAudioDumpBinary,
		resolveBinary(paths, systemAudioDumpBinary),
		false,
		opts.withDefaults(darwinFaultSignatures),
		logger,
	)
}

// NewWasapiLoopback creates the Windows provider supervising the WASAPI
// loopback executable. The binary is an optional external download, so
// Start additionally requires IsAvailable.
func NewWasapiLoopback(paths Paths, opts Options, logger zerolog.Logger) Provider {
	return newProvider(
		"windows",
		wasapiLoopbackBinary,
		resolveBinary(paths, wasapiLoopbackBinary),
		true,
		opts.withDefaults(windowsFaultSignatures),
		logger,
	)
}

// resolveBinary picks the packaged-resource path or the development
// assets path for a capture binary.
func resolveBinary(paths Paths, name string) string {
	if paths.Packaged {
		return filepath.Join(paths.ResourcesDir, name)
	}
	return filepath.Join(paths.AssetsDir, name)
}
