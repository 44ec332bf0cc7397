package main

import (
	"errors"

	"github.com/srg/btlink/internal/device"
)

// Command-level errors
var (
	// ErrLinkLost reports a link that dropped while a command still needed it and
	// reconnection was disabled.
	ErrLinkLost = errors.New("link lost")
	// ErrNoResponse reports a --send whose reply window passed without data.
	ErrNoResponse = errors.New("no response")
)

var userHints = []struct {
	target error
	hint   string
}{
	{device.ErrPermissionDenied, "permission denied; check that the user may access the Bluetooth adapter"},
	{device.ErrUnsupported, "not supported by this platform or link type"},
	{device.ErrInvalidAddress, "invalid device address"},
	{device.ErrNotFound, "device not known to the adapter; run 'btlink scan' first"},
	{device.ErrTimeout, "timed out"},
}

// FormatUserError turns err into a one-line message with a hint for well-known causes.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if device.IsKind(err, device.Cancelled) {
		return "operation cancelled"
	}
	for _, h := range userHints {
		if errors.Is(err, h.target) {
			return h.hint + " (" + err.Error() + ")"
		}
	}
	return err.Error()
}
