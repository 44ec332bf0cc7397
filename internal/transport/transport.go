// Package transport moves bytes over a link produced by a connector.
package transport

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
)

// Transport streams data over an attached channel until it is detached or the channel
// dies underneath it.
type Transport interface {
	// Attach detaches any previous channel and starts using ch.
	Attach(ch device.Channel) error
	// Detach releases the current channel. Safe to call concurrently and repeatedly.
	Detach()
	// Send writes data synchronously. It never panics; a nil error means sent.
	Send(data []byte) error
	OnData(fn func([]byte)) func()
	// OnClosed fires at most once per attachment, when the channel was lost without a
	// Detach.
	OnClosed(fn func(device.Channel)) func()
}

// attachment states
const (
	stateAttached int32 = iota
	stateDetached
	stateLost
)

func nopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
