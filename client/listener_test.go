package client_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/btlink/client"
	"github.com/srg/btlink/internal/connector"
	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/executor"
	"github.com/srg/btlink/internal/testutils"
)

func refusingHandle(address string) *testutils.FakeHandle {
	h := testutils.NewFakeHandle(address)
	h.SecureConnectErr = errors.New("refused")
	h.InsecureConnectErr = errors.New("refused")
	return h
}

// forEachExecutor runs fn once with inline callbacks and once with callbacks on a
// dedicated goroutine.
func (suite *ClientTestSuite) forEachExecutor(fn func(exec executor.Executor)) {
	suite.Run("direct", func() {
		fn(executor.Direct{})
	})
	suite.Run("serial", func() {
		exec := executor.NewSerial("test-callbacks", suite.helper.Logger)
		defer exec.Close()
		fn(exec)
	})
}

func (suite *ClientTestSuite) await(ch <-chan struct{}, msg string) {
	select {
	case <-ch:
	case <-time.After(testutils.DefaultWait):
		suite.FailNow(msg)
	}
}

func (suite *ClientTestSuite) awaitErr(ch <-chan error, msg string) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(testutils.DefaultWait):
		suite.FailNow(msg)
		return nil
	}
}

func (suite *ClientTestSuite) TestDisconnectFromFailedListener() {
	// GOAL: Verify Disconnect called from a FAILED callback returns and halts reconnection
	//
	// TEST SCENARIO: both sockets refuse → FAILED callback disconnects while the loop runs → Connect returns → no attempt afterwards

	suite.forEachExecutor(func(exec executor.Executor) {
		registry := testutils.NewFakeRegistry(refusingHandle(peerAddress))
		c := suite.newClientOn(registry, exec)
		defer c.Shutdown()

		acted := make(chan struct{})
		var once sync.Once
		c.OnConnectionStatusChanged(func(s device.ConnectionStatus) {
			if s != device.StatusFailed {
				return
			}
			once.Do(func() {
				time.Sleep(50 * time.Millisecond)
				c.Disconnect()
				close(acted)
			})
		})

		done := make(chan error, 1)
		go func() { done <- c.Connect(peerAddress) }()

		suite.Error(suite.awaitErr(done, "Connect MUST NOT deadlock"))
		suite.await(acted, "Disconnect from the callback MUST return")

		suite.False(c.IsReconnecting(), "Disconnect MUST stop the loop")
		suite.False(c.AutoReconnectEnabled())
		attempts := len(registry.Resolved())
		time.Sleep(100 * time.Millisecond)
		suite.Equal(attempts, len(registry.Resolved()), "no connect attempt MUST happen after Disconnect returns")
	})
}

func (suite *ClientTestSuite) TestConnectFromFailedListener() {
	// GOAL: Verify Connect called from a FAILED callback takes over from the reconnect loop
	//
	// TEST SCENARIO: first target refuses → FAILED callback connects to a second target → link up → loop gone

	suite.forEachExecutor(func(exec executor.Executor) {
		other := testutils.NewFakeHandle(otherAddress)
		registry := testutils.NewFakeRegistry(refusingHandle(peerAddress), other)
		c := suite.newClientOn(registry, exec)
		defer c.Shutdown()

		retried := make(chan error, 1)
		var once sync.Once
		c.OnConnectionStatusChanged(func(s device.ConnectionStatus) {
			if s != device.StatusFailed {
				return
			}
			once.Do(func() { retried <- c.Connect(otherAddress) })
		})

		done := make(chan error, 1)
		go func() { done <- c.Connect(peerAddress) }()

		suite.Error(suite.awaitErr(done, "Connect MUST NOT deadlock"))
		suite.NoError(suite.awaitErr(retried, "Connect from the callback MUST return"))

		suite.Require().Eventually(func() bool {
			return c.IsConnected() && !c.IsReconnecting()
		}, testutils.DefaultWait, 5*time.Millisecond, "client MUST settle on the second target")
		suite.Len(other.Sockets(), 1)
	})
}

func (suite *ClientTestSuite) TestShutdownFromFailedListener() {
	// GOAL: Verify Shutdown called from a FAILED callback of an async connect completes
	//
	// TEST SCENARIO: async connect fails → FAILED callback shuts down → one result → no attempt afterwards

	suite.forEachExecutor(func(exec executor.Executor) {
		registry := testutils.NewFakeRegistry(refusingHandle(peerAddress))
		c := suite.newClientOn(registry, exec)

		acted := make(chan struct{})
		var once sync.Once
		c.OnConnectionStatusChanged(func(s device.ConnectionStatus) {
			if s != device.StatusFailed {
				return
			}
			once.Do(func() {
				c.Shutdown()
				close(acted)
			})
		})

		results := testutils.NewRecorder[device.Result[struct{}]]()
		c.ConnectAsync(peerAddress, results.Record)

		suite.await(acted, "Shutdown from the callback MUST return")
		suite.Require().True(results.WaitFor(1, testutils.DefaultWait), "async connect MUST complete")
		suite.False(results.Values()[0].IsSuccess())

		suite.False(c.IsReconnecting())
		attempts := len(registry.Resolved())
		time.Sleep(100 * time.Millisecond)
		suite.Equal(attempts, len(registry.Resolved()), "no connect attempt MUST happen after Shutdown returns")
		suite.Equal(1, results.Len(), "result MUST be delivered once")
	})
}

func (suite *ClientTestSuite) TestCallsFromConnectedListener() {
	// GOAL: Verify client calls made from a CONNECTED callback neither deadlock nor reconnect
	//
	// TEST SCENARIO: connect → CONNECTED callback runs the action → Connect returns → expected link state

	tests := []struct {
		name      string
		act       func(c *client.Client)
		connected bool
	}{
		{name: "disconnect", act: func(c *client.Client) { c.Disconnect() }},
		{name: "shutdown", act: func(c *client.Client) { c.Shutdown() }},
		{name: "connect", act: func(c *client.Client) { _ = c.Connect(otherAddress) }, connected: true},
	}

	suite.forEachExecutor(func(exec executor.Executor) {
		for _, tt := range tests {
			suite.Run(tt.name, func() {
				peer := testutils.NewFakeHandle(peerAddress)
				other := testutils.NewFakeHandle(otherAddress)
				c := suite.newClientOn(testutils.NewFakeRegistry(peer, other), exec)
				defer c.Shutdown()

				acted := make(chan struct{})
				var once sync.Once
				c.OnConnectionStatusChanged(func(s device.ConnectionStatus) {
					if s != device.StatusConnected {
						return
					}
					once.Do(func() {
						tt.act(c)
						close(acted)
					})
				})

				done := make(chan error, 1)
				go func() { done <- c.Connect(peerAddress) }()

				suite.NoError(suite.awaitErr(done, "Connect MUST NOT deadlock"))
				suite.await(acted, tt.name+" from the callback MUST return")

				suite.Require().Eventually(func() bool {
					return c.IsConnected() == tt.connected && !c.IsReconnecting()
				}, testutils.DefaultWait, 5*time.Millisecond)
				time.Sleep(80 * time.Millisecond)
				suite.Len(peer.Sockets(), 1, "peer MUST NOT be reconnected")
				suite.Equal(1, peer.Last().Closes(), "peer link MUST be released")
				if tt.connected {
					suite.Len(other.Sockets(), 1)
				}
			})
		}
	})
}

// droppingConnector tears the link down the first time it is seen connected after
// being armed, while still answering true for that one call.
type droppingConnector struct {
	connector.Connector
	armed   atomic.Bool
	dropped atomic.Bool
}

func (d *droppingConnector) IsConnected() bool {
	connected := d.Connector.IsConnected()
	if connected && d.armed.Load() && d.dropped.CompareAndSwap(false, true) {
		d.Connector.Disconnect()
		return true
	}
	return connected
}

func (suite *ClientTestSuite) TestLossRightAfterReconnectIsRetried() {
	// GOAL: Verify a link lost while the reconnect loop is finishing is reconnected
	//
	// TEST SCENARIO: connect → peer hangs up → loop reconnects → link drops as the loop exits → loop rescheduled → connected

	inner, err := connector.NewClassic(suite.registry, suite.helper.Logger)
	suite.Require().NoError(err)
	conn := &droppingConnector{Connector: inner}
	c := suite.newClientWith(conn, suite.exec)
	defer c.Shutdown()

	suite.Require().NoError(c.Connect(peerAddress))
	conn.armed.Store(true)
	suite.handle.Last().RemoteClose()

	suite.Require().Eventually(func() bool {
		return len(suite.handle.Sockets()) == 3 && c.IsConnected()
	}, testutils.DefaultWait, 5*time.Millisecond, "loss during the loop's exit MUST be reconnected")
	suite.True(conn.dropped.Load())
	suite.Eventually(func() bool { return !c.IsReconnecting() }, testutils.DefaultWait, 5*time.Millisecond)
}
