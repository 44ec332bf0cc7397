package transport_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/testutils"
	"github.com/srg/btlink/internal/transport"
)

type AttributeTransportTestSuite struct {
	suite.Suite

	helper    *testutils.TestHelper
	registry  *transport.Registry
	channel   *testutils.FakeAttributeChannel
	transport *transport.Attribute
	data      *testutils.Recorder[[]byte]
	closed    *testutils.Recorder[device.Channel]
}

func (suite *AttributeTransportTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.registry = transport.NewRegistry()
	suite.channel = testutils.NewFakeAttributeChannel("gatt-1", testutils.UARTProfile())
	suite.transport = suite.newTransport(transport.DefaultAttributeOptions())
}

func (suite *AttributeTransportTestSuite) newTransport(opts transport.AttributeOptions) *transport.Attribute {
	t, err := transport.NewAttribute(suite.registry, opts, suite.helper.Logger)
	suite.Require().NoError(err)
	suite.data = testutils.NewRecorder[[]byte]()
	suite.closed = testutils.NewRecorder[device.Channel]()
	t.OnData(suite.data.Record)
	t.OnClosed(suite.closed.Record)
	return t
}

func (suite *AttributeTransportTestSuite) TestNewValidatesOptions() {
	_, err := transport.NewAttribute(nil, transport.DefaultAttributeOptions(), nil)
	suite.Error(err)

	_, err = transport.NewAttribute(suite.registry, transport.AttributeOptions{RX: testutils.UARTRX}, nil)
	suite.Error(err, "missing TX MUST be rejected")
}

func (suite *AttributeTransportTestSuite) TestAttachEnablesNotifications() {
	// GOAL: Verify attach subscribes to RX and writes the enable value to its configuration descriptor
	//
	// TEST SCENARIO: attach → RX notify on → CCCD written with 0x01 0x00 → channel bound in registry

	suite.Require().NoError(suite.transport.Attach(suite.channel))

	suite.True(suite.channel.NotifyEnabled(testutils.UARTRX), "RX notifications MUST be enabled")
	writes := suite.channel.DescriptorWrites()
	suite.Require().Len(writes, 1)
	suite.Equal(testutils.UARTRX, writes[0].Characteristic)
	suite.Equal(device.ClientCharacteristicConfig, writes[0].Descriptor)
	suite.Equal([]byte{0x01, 0x00}, writes[0].Value)

	bound, ok := suite.registry.Lookup(suite.channel)
	suite.True(ok)
	suite.Same(suite.transport, bound)
}

func (suite *AttributeTransportTestSuite) TestAttachFailures() {
	tests := []struct {
		name    string
		channel func() *testutils.FakeAttributeChannel
		wantErr error
	}{
		{
			name: "missing characteristics",
			channel: func() *testutils.FakeAttributeChannel {
				return testutils.NewFakeAttributeChannel("gatt-2", []*device.Service{{UUID: testutils.UARTService}})
			},
			wantErr: device.ErrNotFound,
		},
		{
			name: "notification rejected",
			channel: func() *testutils.FakeAttributeChannel {
				ch := testutils.NewFakeAttributeChannel("gatt-3", testutils.UARTProfile())
				ch.NotifyErr = errors.New("not permitted")
				return ch
			},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			err := suite.transport.Attach(tt.channel())
			suite.Require().Error(err)
			if tt.wantErr != nil {
				suite.ErrorIs(err, tt.wantErr)
			}
			suite.ErrorIs(suite.transport.Send([]byte("x")), device.ErrNotAttached, "failed attach MUST leave the transport detached")
			suite.Equal(0, suite.registry.Len())
		})
	}

	suite.ErrorIs(suite.transport.Attach(testutils.NewFakeStreamSocket(peerAddress, "secure")), device.ErrUnsupported)
}

func (suite *AttributeTransportTestSuite) TestNotificationsDelivered() {
	// GOAL: Verify RX notifications dispatched through the registry reach data listeners
	//
	// TEST SCENARIO: attach → RX value dispatched → delivered; other characteristic → ignored; unknown channel → not taken

	suite.Require().NoError(suite.transport.Attach(suite.channel))

	suite.True(suite.registry.Dispatch(suite.channel, testutils.UARTRX, []byte("abc")))
	suite.True(suite.registry.Dispatch(suite.channel, uuid.New(), []byte("noise")))

	other := testutils.NewFakeAttributeChannel("gatt-9", testutils.UARTProfile())
	suite.False(suite.registry.Dispatch(other, testutils.UARTRX, []byte("lost")), "unbound channel MUST NOT be taken")

	suite.Equal([][]byte{[]byte("abc")}, suite.data.Values())
}

func (suite *AttributeTransportTestSuite) TestSendUsesWriteMode() {
	tests := []struct {
		name         string
		mode         transport.WriteMode
		withResponse bool
	}{
		{name: "with response", mode: transport.WriteWithResponse, withResponse: true},
		{name: "without response", mode: transport.WriteWithoutResponse, withResponse: false},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			opts := transport.DefaultAttributeOptions()
			opts.WriteMode = tt.mode
			t := suite.newTransport(opts)
			ch := testutils.NewFakeAttributeChannel("gatt-"+tt.name, testutils.UARTProfile())
			suite.Require().NoError(t.Attach(ch))
			defer t.Detach()

			suite.Require().NoError(t.Send([]byte("cmd")))

			writes := ch.CharWrites()
			suite.Require().Len(writes, 1)
			suite.Equal(testutils.UARTTX, writes[0].Characteristic)
			suite.Equal([]byte("cmd"), writes[0].Value)
			suite.Equal(tt.withResponse, writes[0].WithResponse)
		})
	}
}

func (suite *AttributeTransportTestSuite) TestSendWriteError() {
	suite.Require().NoError(suite.transport.Attach(suite.channel))
	suite.channel.WriteErr = errors.New("gatt write failed")

	suite.Error(suite.transport.Send([]byte("x")))
}

func (suite *AttributeTransportTestSuite) TestLinkLossFiresClosedOnce() {
	// GOAL: Verify a lost link fires closed once and unbinds the channel
	//
	// TEST SCENARIO: attach → registry reports closed → closed fires → second report not taken → detach silent

	suite.Require().NoError(suite.transport.Attach(suite.channel))

	suite.True(suite.registry.DispatchClosed(suite.channel), "bound transport MUST take the loss")
	suite.False(suite.registry.DispatchClosed(suite.channel), "loss MUST be handled once")

	suite.Require().Equal(1, suite.closed.Len())
	suite.Equal(device.Channel(suite.channel), suite.closed.Values()[0])
	suite.Equal(1, suite.channel.Closes())
	suite.Equal(0, suite.registry.Len())

	suite.transport.Detach()
	suite.Equal(1, suite.closed.Len())
}

func (suite *AttributeTransportTestSuite) TestDetachIsSilent() {
	suite.Require().NoError(suite.transport.Attach(suite.channel))

	suite.transport.Detach()
	suite.transport.Detach()

	suite.Equal(0, suite.closed.Len(), "detach MUST NOT fire closed")
	suite.False(suite.channel.NotifyEnabled(testutils.UARTRX), "detach MUST turn notifications off")
	suite.Equal(1, suite.channel.Closes())
	suite.False(suite.registry.DispatchClosed(suite.channel))
}

func (suite *AttributeTransportTestSuite) TestParseWriteMode() {
	m, err := transport.ParseWriteMode("without-response")
	suite.NoError(err)
	suite.Equal(transport.WriteWithoutResponse, m)

	m, err = transport.ParseWriteMode("")
	suite.NoError(err)
	suite.Equal(transport.WriteWithResponse, m)

	_, err = transport.ParseWriteMode("sometimes")
	suite.Error(err)
}

func TestAttributeTransportTestSuite(t *testing.T) {
	suite.Run(t, new(AttributeTransportTestSuite))
}
