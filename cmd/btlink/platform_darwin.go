//go:build darwin

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/platform/goble"
	"github.com/srg/btlink/pkg/config"
	"github.com/srg/btlink/scanner"
)

const (
	exampleDeviceAddress = "01234567-89AB-CDEF-0123-456789ABCDEF"
	deviceAddressNote    = "Device address format: 128-bit UUID, with or without dashes\n  Examples: 01234567-89AB-CDEF-0123-456789ABCDEF or 0123456789ABCDEF0123456789ABCDEF\n  Use 'btlink scan' to discover devices"
)

// openPlatformSession runs everything on CoreBluetooth through go-ble, which only
// offers attribute links.
func openPlatformSession(cfg *config.Config, scanOpts *scanner.Options, logger *logrus.Logger) (*session, error) {
	if cfg.Transport != config.ModeAttribute {
		return nil, fmt.Errorf("%s links: %w on macOS, use --transport=%s", cfg.Transport, device.ErrUnsupported, config.ModeAttribute)
	}
	gb := goble.New(logger)
	sess := &session{cfg: cfg, logger: logger, closers: []func() error{gb.Close}}

	conn, tr, err := attributeStack(gb, cfg, logger)
	if err != nil {
		sess.closeBackends()
		return nil, err
	}
	if err := sess.assemble(gb, gb, conn, tr, scanOpts); err != nil {
		sess.closeBackends()
		return nil, err
	}
	return sess, nil
}
