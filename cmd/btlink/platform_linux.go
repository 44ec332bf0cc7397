//go:build linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/connector"
	"github.com/srg/btlink/internal/platform/bluez"
	"github.com/srg/btlink/internal/platform/goble"
	"github.com/srg/btlink/internal/transport"
	"github.com/srg/btlink/pkg/config"
	"github.com/srg/btlink/scanner"
)

const (
	exampleDeviceAddress = "AA:BB:CC:DD:EE:FF"
	deviceAddressNote    = "Device address format: XX:XX:XX:XX:XX:XX\n  Use 'btlink scan' to discover devices"
)

// openPlatformSession runs discovery, bonding and adapter state on BlueZ. Classic links
// use BlueZ RFCOMM sockets, attribute links go through go-ble on the HCI socket.
func openPlatformSession(cfg *config.Config, scanOpts *scanner.Options, logger *logrus.Logger) (*session, error) {
	bz, err := bluez.New(bluez.Options{
		Adapter:         cfg.Adapter,
		RFCOMMChannel:   uint8(cfg.RFCOMMChannel),
		FallbackChannel: uint8(cfg.FallbackRFCOMMChannel),
		DiscoveryWindow: cfg.ScanTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	sess := &session{cfg: cfg, logger: logger, closers: []func() error{bz.Close}}

	var (
		conn connector.Connector
		tr   transport.Transport
	)
	switch cfg.Transport {
	case config.ModeAttribute:
		gb := goble.New(logger)
		sess.closers = append(sess.closers, gb.Close)
		conn, tr, err = attributeStack(gb, cfg, logger)
	default:
		conn, err = connector.NewClassic(bz, logger)
		tr = transport.NewStream(0, logger)
	}
	if err != nil {
		sess.closeBackends()
		return nil, err
	}

	if err := sess.assemble(bz, bz, conn, tr, scanOpts); err != nil {
		sess.closeBackends()
		return nil, err
	}
	return sess, nil
}
