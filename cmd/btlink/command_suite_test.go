package main

import (
	"bytes"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/btlink/internal/connector"
	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/testutils"
	"github.com/srg/btlink/internal/transport"
	"github.com/srg/btlink/pkg/config"
	"github.com/srg/btlink/scanner"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// syncBuffer is a bytes.Buffer safe for writes from callback goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against an in-memory classic stack. All cmd/btlink
// suites embed it.
type CommandTestSuite struct {
	suite.Suite

	Discovery *testutils.FakeDiscovery
	Adapter   *testutils.FakeAdapter
	Handle    *testutils.FakeHandle
	Registry  *testutils.FakeRegistry

	// LastConfig is the configuration the latest session was opened with.
	LastConfig *config.Config
	Sessions   int

	origOpen func(*config.Config, *scanner.Options, *logrus.Logger) (*session, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.Discovery = testutils.NewFakeDiscovery()
	s.Adapter = testutils.NewFakeAdapter(device.AdapterEnabled)
	s.Handle = testutils.NewFakeHandle(TestDeviceAddress1)
	s.Registry = testutils.NewFakeRegistry(s.Handle)
	s.LastConfig = nil
	s.Sessions = 0

	s.origOpen = openSession
	openSession = s.openFakeSession
}

func (s *CommandTestSuite) TearDownTest() {
	openSession = s.origOpen
}

func (s *CommandTestSuite) openFakeSession(cfg *config.Config, scanOpts *scanner.Options, logger *logrus.Logger) (*session, error) {
	s.LastConfig = cfg
	s.Sessions++

	sess := &session{cfg: cfg, logger: logger}
	conn, err := connector.NewClassic(s.Registry, logger)
	if err != nil {
		return nil, err
	}
	if err := sess.assemble(s.Discovery, s.Adapter, conn, transport.NewStream(0, logger), scanOpts); err != nil {
		return nil, err
	}
	return sess, nil
}

// ExecuteCommand runs the root command with args and returns stdout, stderr and the
// error.
func (s *CommandTestSuite) ExecuteCommand(stdin io.Reader, args ...string) (string, string, error) {
	out, errOut := &syncBuffer{}, &syncBuffer{}
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

type commandResult struct {
	out, errOut string
	err         error
}

// ExecuteAsync runs the command in the background for tests that drive the fakes while
// it runs.
func (s *CommandTestSuite) ExecuteAsync(stdin io.Reader, args ...string) <-chan commandResult {
	done := make(chan commandResult, 1)
	go func() {
		out, errOut, err := s.ExecuteCommand(stdin, args...)
		done <- commandResult{out: out, errOut: errOut, err: err}
	}()
	return done
}

// Await returns the result of an async command or fails the test.
func (s *CommandTestSuite) Await(done <-chan commandResult) commandResult {
	select {
	case r := <-done:
		return r
	case <-timeAfterWait():
		s.FailNow("command did not finish")
		return commandResult{}
	}
}
