package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/btlink/client"
	"github.com/srg/btlink/internal/connector"
	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/status"
	"github.com/srg/btlink/internal/transport"
	"github.com/srg/btlink/pkg/config"
	"github.com/srg/btlink/scanner"
)

// session is a client wired to the platform backends for one command run.
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	client *client.Client

	closers []func() error
}

// Close shuts the client down, then releases the backends in reverse order.
func (s *session) Close() {
	if s.client != nil {
		s.client.Shutdown()
	}
	s.closeBackends()
}

func (s *session) closeBackends() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.WithError(err).Debug("Backend close failed")
		}
	}
}

// openSession builds the platform stack. Tests replace it with an in-memory one.
var openSession = openPlatformSession

// loadConfig reads --config and applies the flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if mode, _ := cmd.Flags().GetString("transport"); mode != "" {
		cfg.Transport = mode
	}
	if adapter, _ := cmd.Flags().GetString("adapter"); adapter != "" {
		cfg.Adapter = adapter
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// startSession loads the configuration, configures logging and opens the stack.
func startSession(cmd *cobra.Command, scanOpts *scanner.Options) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sess, err := openSession(cfg, scanOpts, logger)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// assemble wires the components into the session client.
func (s *session) assemble(platform scanner.Platform, monitor device.AdapterMonitor, conn connector.Connector,
	tr transport.Transport, scanOpts *scanner.Options) error {
	sc, err := scanner.New(platform, scanOpts, s.logger)
	if err != nil {
		return err
	}
	st, err := status.New(monitor, s.logger)
	if err != nil {
		sc.Close()
		return err
	}
	s.closers = append(s.closers,
		func() error { sc.Close(); return nil },
		func() error { st.Close(); return nil },
	)
	s.client, err = client.New(sc, conn, tr, st, clientOptions(s.cfg), s.logger)
	return err
}

// attributeStack builds the attribute connector and transport over dialer.
func attributeStack(dialer device.AttributeDialer, cfg *config.Config, logger *logrus.Logger) (connector.Connector, transport.Transport, error) {
	attrOpts, err := cfg.AttributeOptions()
	if err != nil {
		return nil, nil, err
	}
	registry := transport.NewRegistry()
	conn, err := connector.NewAttribute(dialer, registry, cfg.ConnectTimeout, logger)
	if err != nil {
		return nil, nil, err
	}
	tr, err := transport.NewAttribute(registry, attrOpts, logger)
	if err != nil {
		return nil, nil, err
	}
	return conn, tr, nil
}

func clientOptions(cfg *config.Config) client.Options {
	opts := client.DefaultOptions()
	opts.ReconnectBaseDelay = cfg.ReconnectBaseDelay
	opts.ReconnectMaxDelay = cfg.ReconnectMaxDelay
	opts.PairTimeout = cfg.PairTimeout
	opts.MinScanTimeout = cfg.MinScanTimeout
	return opts
}

// interruptible returns a context cancelled by Ctrl+C or SIGTERM.
func interruptible(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
