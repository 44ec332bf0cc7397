package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/testutils"
)

const peer = "AA:BB:CC:DD:EE:01"

// mockClient implements bleClient for testing
type mockClient struct {
	mock.Mock

	disconnected chan struct{}
	closeOnce    sync.Once
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	return m.Called(d, v).Error(0)
}

func (m *mockClient) CancelConnection() error {
	err := m.Called().Error(0)
	m.drop()
	return err
}

func (m *mockClient) Disconnected() <-chan struct{} { return m.disconnected }

func (m *mockClient) drop() {
	m.closeOnce.Do(func() { close(m.disconnected) })
}

// fakeAdvertisement implements advertisement for testing
type fakeAdvertisement struct {
	name string
	addr string
}

func (a fakeAdvertisement) LocalName() string { return a.name }
func (a fakeAdvertisement) Addr() ble.Addr    { return ble.NewAddr(a.addr) }
func (a fakeAdvertisement) Connectable() bool { return true }

type stateEvent struct {
	connected bool
	err       error
}

var (
	uartRX = ble.MustParse("6e400003b5a3f393e0a9e50e24dcca9e")
	uartTX = ble.MustParse("6e400002b5a3f393e0a9e50e24dcca9e")
)

func uartProfile() (*ble.Profile, *ble.Characteristic, *ble.Characteristic) {
	cccd := &ble.Descriptor{UUID: ble.UUID16(0x2902)}
	rx := &ble.Characteristic{
		UUID:        uartRX,
		Property:    ble.CharNotify,
		Descriptors: []*ble.Descriptor{cccd},
		CCCD:        cccd,
	}
	tx := &ble.Characteristic{
		UUID:     uartTX,
		Property: ble.CharWrite | ble.CharWriteNR,
	}
	return &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.MustParse("6e400001b5a3f393e0a9e50e24dcca9e"),
		Characteristics: []*ble.Characteristic{rx, tx},
	}}}, rx, tx
}

type BackendTestSuite struct {
	suite.Suite

	helper        *testutils.TestHelper
	backend       *Backend
	client        *mockClient
	dialErr       error
	dialGate      chan struct{}
	states        *testutils.Recorder[stateEvent]
	notifications *testutils.Recorder[[]byte]
}

func (suite *BackendTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.client = newMockClient()
	suite.dialErr = nil
	suite.dialGate = nil
	suite.states = testutils.NewRecorder[stateEvent]()
	suite.notifications = testutils.NewRecorder[[]byte]()

	suite.backend = New(suite.helper.Logger)
	suite.backend.ready = func() error { return nil }
	suite.backend.dial = func(ctx context.Context, address string) (bleClient, error) {
		if suite.dialGate != nil {
			<-suite.dialGate
		}
		if suite.dialErr != nil {
			return nil, suite.dialErr
		}
		return suite.client, nil
	}
}

func (suite *BackendTestSuite) events() device.AttributeEvents {
	return device.AttributeEvents{
		OnConnectionState: func(_ device.AttributeChannel, connected bool, err error) {
			suite.states.Record(stateEvent{connected: connected, err: err})
		},
		OnNotification: func(_ device.AttributeChannel, _ uuid.UUID, value []byte) {
			suite.notifications.Record(value)
		},
	}
}

func (suite *BackendTestSuite) dialConnected() device.AttributeChannel {
	ch, err := suite.backend.Dial(context.Background(), peer, suite.events())
	suite.Require().NoError(err)
	suite.Require().True(suite.states.WaitFor(1, testutils.DefaultWait), "dial MUST report an outcome")
	suite.Require().True(suite.states.Values()[0].connected, "dial MUST report established")
	return ch
}

func (suite *BackendTestSuite) TestDialEstablishes() {
	// GOAL: Verify Dial returns a pending channel and reports establishment asynchronously
	//
	// TEST SCENARIO: dial → connected event → channel tracked as live → close releases it

	ch := suite.dialConnected()
	suite.Equal(peer, ch.Address())
	suite.NotEmpty(ch.ID())
	suite.Equal(1, suite.backend.Live())

	suite.client.On("CancelConnection").Return(nil).Once()
	suite.NoError(ch.Close())
	suite.NoError(ch.Close(), "second close MUST be a no-op")
	suite.Equal(0, suite.backend.Live())
	suite.client.AssertNumberOfCalls(suite.T(), "CancelConnection", 1)
}

func (suite *BackendTestSuite) TestDialFailureReported() {
	// GOAL: Verify a failed dial reports (false, err) and normalizes known messages

	suite.dialErr = errors.New("connection attempt timed out")

	_, err := suite.backend.Dial(context.Background(), peer, suite.events())
	suite.Require().NoError(err)
	suite.Require().True(suite.states.WaitFor(1, testutils.DefaultWait))

	ev := suite.states.Values()[0]
	suite.False(ev.connected)
	suite.ErrorIs(ev.err, device.ErrTimeout, "timeouts MUST map to ErrTimeout")
}

func (suite *BackendTestSuite) TestInvalidAddressRejected() {
	_, err := suite.backend.Dial(context.Background(), "nope", suite.events())
	suite.ErrorIs(err, device.ErrInvalidAddress)
	suite.Equal(0, suite.backend.Live())
}

func (suite *BackendTestSuite) TestCloseWhileDialingDropsLateConnection() {
	// GOAL: Verify a connection that completes after Close is cancelled silently
	//
	// TEST SCENARIO: dial blocked → close → dial completes → CancelConnection, no events

	suite.dialGate = make(chan struct{})
	suite.client.On("CancelConnection").Return(nil).Once()

	ch, err := suite.backend.Dial(context.Background(), peer, suite.events())
	suite.Require().NoError(err)
	suite.NoError(ch.Close())
	close(suite.dialGate)

	suite.Eventually(func() bool {
		select {
		case <-suite.client.disconnected:
			return true
		default:
			return false
		}
	}, testutils.DefaultWait, 5*time.Millisecond, "late connection MUST be cancelled")
	time.Sleep(20 * time.Millisecond)
	suite.Equal(0, suite.states.Len(), "closed channel MUST NOT report events")
}

func (suite *BackendTestSuite) TestPeerDisconnectReportsLoss() {
	// GOAL: Verify a link dropped underneath is reported once as (false, link lost)

	suite.dialConnected()
	suite.client.drop()

	suite.Require().True(suite.states.WaitFor(2, testutils.DefaultWait))
	ev := suite.states.Values()[1]
	suite.False(ev.connected)
	suite.ErrorIs(ev.err, errLinkLost)
}

func (suite *BackendTestSuite) TestProfileAndNotifications() {
	// GOAL: Verify discovery maps the go-ble profile and subscriptions deliver notifications
	//
	// TEST SCENARIO: discover → RX/TX mapped → SetNotify → handler fires → OnNotification;
	// CCCD write is skipped while subscribed; writes map withResponse to noRsp

	prof, rx, tx := uartProfile()
	suite.client.On("DiscoverProfile", true).Return(prof, nil)

	var handler ble.NotificationHandler
	suite.client.On("Subscribe", rx, false, mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(2).(ble.NotificationHandler)
	}).Return(nil)
	suite.client.On("WriteCharacteristic", tx, []byte("ping"), false).Return(nil)
	suite.client.On("WriteCharacteristic", tx, []byte("fast"), true).Return(nil)

	ch := suite.dialConnected()
	suite.Require().NoError(ch.DiscoverServices())

	services := ch.Services()
	suite.Require().Len(services, 1)
	rxChar := device.FindCharacteristic(services, testutils.UARTRX)
	txChar := device.FindCharacteristic(services, testutils.UARTTX)
	suite.Require().NotNil(rxChar, "RX MUST be mapped")
	suite.Require().NotNil(txChar, "TX MUST be mapped")
	suite.True(rxChar.Properties.Has(device.PropNotify))
	suite.True(txChar.Properties.Has(device.PropWriteNoResp))
	suite.NotNil(rxChar.Descriptor(device.ClientCharacteristicConfig))

	suite.Require().NoError(ch.SetNotify(rxChar, true))
	suite.Require().NotNil(handler)
	suite.NoError(ch.WriteDescriptor(rxChar, rxChar.Descriptor(device.ClientCharacteristicConfig), device.EnableNotificationValue))
	suite.client.AssertNotCalled(suite.T(), "WriteDescriptor", mock.Anything, mock.Anything)

	handler([]byte("hello"))
	suite.Require().True(suite.notifications.WaitFor(1, testutils.DefaultWait))
	suite.Equal([]byte("hello"), suite.notifications.Values()[0])

	suite.NoError(ch.WriteCharacteristic(txChar, []byte("ping"), true))
	suite.NoError(ch.WriteCharacteristic(txChar, []byte("fast"), false))
	suite.client.AssertExpectations(suite.T())
}

func (suite *BackendTestSuite) TestOperationsAfterClose() {
	prof, _, _ := uartProfile()
	suite.client.On("DiscoverProfile", true).Return(prof, nil)
	suite.client.On("CancelConnection").Return(nil)

	ch := suite.dialConnected()
	suite.Require().NoError(ch.DiscoverServices())
	tx := device.FindCharacteristic(ch.Services(), testutils.UARTTX)
	suite.Require().NoError(ch.Close())

	suite.ErrorIs(ch.WriteCharacteristic(tx, []byte("x"), true), errClosed)
	suite.ErrorIs(ch.DiscoverServices(), errClosed)
}

func (suite *BackendTestSuite) TestUnknownCharacteristic() {
	suite.client.On("DiscoverProfile", true).Return(&ble.Profile{}, nil)

	ch := suite.dialConnected()
	suite.Require().NoError(ch.DiscoverServices())

	err := ch.SetNotify(&device.Characteristic{UUID: testutils.UARTRX}, true)
	suite.ErrorIs(err, device.ErrNotFound)
}

func (suite *BackendTestSuite) TestDiscoverySession() {
	// GOAL: Verify a scan reports advertisers as attribute devices and finishes once on cancel

	suite.backend.scan = func(ctx context.Context, h func(advertisement)) error {
		h(fakeAdvertisement{name: "Thermo", addr: "aa:bb:cc:dd:ee:02"})
		<-ctx.Done()
		return ctx.Err()
	}

	found := testutils.NewRecorder[device.Device]()
	finished := testutils.NewRecorder[struct{}]()
	suite.Require().NoError(suite.backend.StartDiscovery(device.DiscoveryEvents{
		OnFound:    found.Record,
		OnFinished: func() { finished.Record(struct{}{}) },
	}))
	suite.Require().True(found.WaitFor(1, testutils.DefaultWait))
	suite.Equal(device.Device{Address: "AA:BB:CC:DD:EE:02", Name: "Thermo", Kind: device.KindAttribute}, found.Values()[0])

	suite.Error(suite.backend.StartDiscovery(device.DiscoveryEvents{}), "second session MUST be rejected")

	suite.NoError(suite.backend.CancelDiscovery())
	suite.Require().True(finished.WaitFor(1, testutils.DefaultWait))
	time.Sleep(20 * time.Millisecond)
	suite.Equal(1, finished.Len(), "finished MUST fire once")
}

func (suite *BackendTestSuite) TestDiscoveryNeedsRadio() {
	suite.backend.ready = func() error { return errAdapterOff }

	suite.ErrorIs(suite.backend.StartDiscovery(device.DiscoveryEvents{}), errAdapterOff)

	st, err := suite.backend.AdapterStatus()
	suite.NoError(err)
	suite.Equal(device.AdapterDisabled, st)
}

func TestBackendTestSuite(t *testing.T) {
	suite.Run(t, new(BackendTestSuite))
}

func TestToUUID(t *testing.T) {
	tests := []struct {
		name string
		in   ble.UUID
		want uuid.UUID
		ok   bool
	}{
		{"16-bit", ble.UUID16(0x2902), device.ClientCharacteristicConfig, true},
		{"128-bit", uartRX, testutils.UARTRX, true},
		{"bad length", ble.UUID{0x01, 0x02, 0x03}, uuid.Nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := toUUID(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeError(t *testing.T) {
	assert.NoError(t, normalizeError(nil))
	assert.ErrorIs(t, normalizeError(errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")), errAdapterOff)
	assert.ErrorIs(t, normalizeError(errors.New("device not connected")), errLinkLost)
	assert.ErrorIs(t, normalizeError(errors.New("permission denied")), device.ErrPermissionDenied)
}
