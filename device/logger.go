package device

import wgdevice "golang.zx2c4.com/wireguard/device"

// Logger is the ambient logging type for this module. It is not
// reimplemented here: golang.zx2c4.com/wireguard/device already exports a
// Verbosef/Errorf function-field logger, so every package in this module
// logs through it instead of growing a bespoke logging type.
type Logger = wgdevice.Logger

// NewLogger builds a Logger at the given level with the given log-line
// prefix.
var NewLogger = wgdevice.NewLogger

// Log levels, re-exported for callers that don't want to import the
// underlying wireguard device package directly.
const (
	LogLevelSilent  = wgdevice.LogLevelSilent
	LogLevelError   = wgdevice.LogLevelError
	LogLevelVerbose = wgdevice.LogLevelVerbose
)
