//go:build !linux && !darwin

package main

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/pkg/config"
	"github.com/srg/btlink/scanner"
)

const (
	exampleDeviceAddress = "AA:BB:CC:DD:EE:FF"
	deviceAddressNote    = "Device address format: XX:XX:XX:XX:XX:XX"
)

func openPlatformSession(*config.Config, *scanner.Options, *logrus.Logger) (*session, error) {
	return nil, fmt.Errorf("%s: %w", runtime.GOOS, device.ErrUnsupported)
}
