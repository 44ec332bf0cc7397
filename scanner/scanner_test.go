package scanner_test

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/testutils"
	"github.com/srg/btlink/scanner"
)

type ScannerTestSuite struct {
	suite.Suite

	helper   *testutils.TestHelper
	platform *testutils.FakeDiscovery
	scanner  *scanner.Scanner

	found    *testutils.Recorder[device.Device]
	finished *testutils.Recorder[struct{}]
	pairing  *testutils.Recorder[device.PairingStatus]
}

var (
	dev1 = device.Device{Address: "AA:BB:CC:DD:EE:01", Name: "Sensor-1", Kind: device.KindClassic}
	dev2 = device.Device{Address: "AA:BB:CC:DD:EE:02", Name: "Sensor-2", Kind: device.KindAttribute}
	dev3 = device.Device{Address: "AA:BB:CC:DD:EE:03", Kind: device.KindDual}
)

func (suite *ScannerTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.platform = testutils.NewFakeDiscovery()

	s, err := scanner.New(suite.platform, nil, suite.helper.Logger)
	suite.Require().NoError(err)
	suite.scanner = s

	suite.found = testutils.NewRecorder[device.Device]()
	suite.finished = testutils.NewRecorder[struct{}]()
	suite.pairing = testutils.NewRecorder[device.PairingStatus]()
	s.OnDeviceFound(suite.found.Record)
	s.OnDiscoveryFinished(func() { suite.finished.Record(struct{}{}) })
	s.OnPairingStatusChanged(suite.pairing.Record)
}

func (suite *ScannerTestSuite) TestNew() {
	suite.Run("requires a platform", func() {
		s, err := scanner.New(nil, nil, nil)
		suite.Error(err)
		suite.Nil(s)
	})

	suite.Run("nil logger and options use defaults", func() {
		s, err := scanner.New(testutils.NewFakeDiscovery(), nil, nil)
		suite.NoError(err)
		suite.NotNil(s)
		suite.False(s.IsScanning())
	})

	suite.Run("nil logger stays silent", func() {
		r, w, err := os.Pipe()
		suite.Require().NoError(err)
		stderr := os.Stderr
		os.Stderr = w
		s, err := scanner.New(testutils.NewFakeDiscovery(), nil, nil)
		os.Stderr = stderr
		suite.Require().NoError(err)

		suite.Require().NoError(s.StartScan())
		s.StopScan()
		suite.Require().NoError(w.Close())

		out, err := io.ReadAll(r)
		suite.Require().NoError(err)
		suite.Empty(string(out), "scanner without a logger MUST NOT write to stderr")
	})
}

func (suite *ScannerTestSuite) TestStartStopIdempotent() {
	// GOAL: Verify start and stop are idempotent and finished fires once per session
	//
	// TEST SCENARIO: start twice → stop twice → one platform start, one cancel, one finished event

	suite.Require().NoError(suite.scanner.StartScan())
	suite.Require().NoError(suite.scanner.StartScan())
	suite.True(suite.scanner.IsScanning(), "scanner MUST report scanning")

	suite.scanner.StopScan()
	suite.scanner.StopScan()

	suite.Equal(1, suite.platform.Calls("StartDiscovery"), "platform start MUST run once")
	suite.Equal(1, suite.platform.Calls("CancelDiscovery"), "platform cancel MUST run once")
	suite.Equal(1, suite.finished.Len(), "finished MUST fire exactly once")
	suite.False(suite.scanner.IsScanning())
}

func (suite *ScannerTestSuite) TestFinishedOncePerSession() {
	// GOAL: Verify a natural finish followed by stop still yields a single finished event
	//
	// TEST SCENARIO: start → platform finishes → stop → platform finishes again → one event

	suite.Require().NoError(suite.scanner.StartScan())
	suite.platform.Finish()
	suite.scanner.StopScan()
	suite.platform.Finish()

	suite.Equal(1, suite.finished.Len(), "finished MUST fire exactly once per session")
	suite.Equal(0, suite.platform.Calls("CancelDiscovery"), "stop after finish MUST be a no-op")

	suite.Require().NoError(suite.scanner.StartScan())
	suite.scanner.StopScan()
	suite.Equal(2, suite.finished.Len(), "a new session MUST get its own finished event")
}

func (suite *ScannerTestSuite) TestFoundDeduplicated() {
	// GOAL: Verify found events are deduplicated by address within a session
	//
	// TEST SCENARIO: report the same address three times with varying case → one event, discovery order kept

	suite.Require().NoError(suite.scanner.StartScan())
	suite.platform.Found(dev1)
	suite.platform.Found(dev2)
	suite.platform.Found(device.Device{Address: "aa:bb:cc:dd:ee:01", Name: "renamed"})
	suite.platform.Found(dev1)
	suite.platform.Found(dev3)

	found := suite.found.Values()
	suite.Require().Len(found, 3, "each address MUST be reported once")
	suite.Equal([]string{dev1.Address, dev2.Address, dev3.Address},
		[]string{found[0].Address, found[1].Address, found[2].Address}, "events MUST follow discovery order")
	suite.Equal(suite.scanner.Devices(), found, "Devices MUST mirror the reported set in order")
}

func (suite *ScannerTestSuite) TestNewSessionResetsDedupe() {
	suite.Require().NoError(suite.scanner.StartScan())
	suite.platform.Found(dev1)
	suite.scanner.StopScan()

	suite.Require().NoError(suite.scanner.StartScan())
	suite.platform.Found(dev1)

	suite.Equal(2, suite.found.Len(), "a new session MUST report previously seen addresses again")
	suite.Len(suite.scanner.Devices(), 1)
}

func (suite *ScannerTestSuite) TestStaleSessionEventsIgnored() {
	suite.Require().NoError(suite.scanner.StartScan())
	suite.scanner.StopScan()

	suite.platform.Found(dev1)
	suite.Equal(0, suite.found.Len(), "events after stop MUST be ignored")
}

func (suite *ScannerTestSuite) TestInvalidAddressIgnored() {
	suite.Require().NoError(suite.scanner.StartScan())
	suite.platform.Found(device.Device{Address: "not-an-address"})
	suite.platform.Found(device.Device{})
	suite.Equal(0, suite.found.Len())
}

func (suite *ScannerTestSuite) TestStartFailure() {
	// GOAL: Verify a failed platform start opens no session
	//
	// TEST SCENARIO: platform start fails → error returned → not scanning → no finished event

	suite.platform.StartErr = errors.New("adapter busy")

	err := suite.scanner.StartScan()
	suite.Error(err, "MUST return the start failure")
	suite.True(device.IsKind(err, device.ConnectionFailed), "error MUST be ConnectionFailed")
	suite.False(suite.scanner.IsScanning())
	suite.Equal(0, suite.finished.Len(), "failed start MUST NOT emit finished")
}

func (suite *ScannerTestSuite) TestFilters() {
	tests := []struct {
		name     string
		opts     *scanner.Options
		expected []string
	}{
		{name: "no filters", opts: &scanner.Options{}, expected: []string{dev1.Address, dev2.Address, dev3.Address}},
		{name: "block list", opts: &scanner.Options{BlockList: []string{"aa:bb:cc:dd:ee:02"}}, expected: []string{dev1.Address, dev3.Address}},
		{name: "allow list", opts: &scanner.Options{AllowList: []string{dev3.Address}}, expected: []string{dev3.Address}},
		{name: "block wins over allow", opts: &scanner.Options{AllowList: []string{dev1.Address}, BlockList: []string{dev1.Address}}, expected: []string{}},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			platform := testutils.NewFakeDiscovery()
			s, err := scanner.New(platform, tt.opts, suite.helper.Logger)
			suite.Require().NoError(err)

			suite.Require().NoError(s.StartScan())
			platform.Found(dev1)
			platform.Found(dev2)
			platform.Found(dev3)

			got := []string{}
			for _, d := range s.Devices() {
				got = append(got, d.Address)
			}
			suite.Equal(tt.expected, got)
		})
	}
}

func (suite *ScannerTestSuite) TestPairedDevices() {
	suite.platform.Bonded = []device.Device{dev1}
	suite.Equal([]device.Device{dev1}, suite.scanner.PairedDevices())

	suite.platform.BondedErr = errors.New("dbus gone")
	suite.Empty(suite.scanner.PairedDevices(), "platform errors MUST yield an empty list")
}

func (suite *ScannerTestSuite) TestPairingFilteredAndAutoStops() {
	// GOAL: Verify pairing tracking forwards only the target and stops on a final state
	//
	// TEST SCENARIO: pair dev1 → bond events for dev2 and dev1 → only dev1 forwarded → watch released on bonded

	suite.Require().NoError(suite.scanner.PairDevice(dev1))
	suite.Equal([]string{dev1.Address}, suite.platform.BondTargets())
	suite.Equal(1, suite.platform.Watchers(), "bond watch MUST be active while pairing")

	suite.platform.EmitBond(dev2, device.BondBonding)
	suite.platform.EmitBond(dev1, device.BondBonding)
	suite.platform.EmitBond(dev1, device.BondBonded)
	suite.platform.EmitBond(dev1, device.BondNone)

	statuses := suite.pairing.Values()
	suite.Require().Len(statuses, 2, "only target events until the final state MUST be forwarded")
	suite.Equal(device.BondBonding, statuses[0].State)
	suite.False(statuses[0].IsFinal())
	suite.Equal(device.BondBonded, statuses[1].State)
	suite.True(statuses[1].IsFinal())
	suite.True(statuses[1].Device.IsPaired())
	suite.Equal(0, suite.platform.Watchers(), "bond watch MUST be released on a final state")
}

func (suite *ScannerTestSuite) TestPairStartFailure() {
	suite.platform.CreateBondErr = errors.New("org.bluez.Error.Failed")

	err := suite.scanner.PairDevice(dev1)
	suite.Error(err)
	suite.True(device.IsKind(err, device.PairingFailed), "error MUST be PairingFailed")

	statuses := suite.pairing.Values()
	suite.Require().Len(statuses, 1)
	suite.Equal(device.BondFailed, statuses[0].State, "start failure MUST emit a failed status")
	suite.Equal(0, suite.platform.Watchers())
}

func (suite *ScannerTestSuite) TestPairInvalidAddress() {
	err := suite.scanner.PairDevice(device.Device{Address: "bogus"})
	suite.ErrorIs(err, device.ErrInvalidAddress)
	suite.Equal(0, suite.platform.Calls("CreateBond"))
}

func (suite *ScannerTestSuite) TestCancelPairing() {
	// GOAL: Verify cancel tries the graceful path, falls back to unbind, and always emits NONE
	//
	// TEST SCENARIO: table of canceller outcomes → NONE emitted → watch released

	tests := []struct {
		name          string
		cancelOK      bool
		removeOK      bool
		panics        bool
		expectRemoves int
	}{
		{name: "graceful cancel succeeds", cancelOK: true, expectRemoves: 0},
		{name: "falls back to remove bond", cancelOK: false, removeOK: true, expectRemoves: 1},
		{name: "both fail", expectRemoves: 1},
		{name: "cancel panics", panics: true, removeOK: true, expectRemoves: 1},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			platform := testutils.NewFakeDiscovery()
			platform.CancelBondResult = tt.cancelOK
			platform.RemoveBondResult = tt.removeOK
			platform.PanicOnCancel = tt.panics

			s, err := scanner.New(platform, nil, suite.helper.Logger)
			suite.Require().NoError(err)
			rec := testutils.NewRecorder[device.PairingStatus]()
			s.OnPairingStatusChanged(rec.Record)

			suite.Require().NoError(s.PairDevice(dev1))
			suite.NotPanics(s.CancelPairing)

			suite.Equal(1, platform.Calls("CancelBondProcess"))
			suite.Equal(tt.expectRemoves, platform.Calls("RemoveBond"))
			statuses := rec.Values()
			suite.Require().Len(statuses, 1, "cancel MUST emit exactly one status")
			suite.Equal(device.BondNone, statuses[0].State, "cancel MUST emit NONE")
			suite.Equal(dev1.Address, statuses[0].Device.Address)
			suite.Equal(0, platform.Watchers(), "cancel MUST release pairing tracking")
		})
	}
}

func (suite *ScannerTestSuite) TestCancelWithoutPairingIsNoop() {
	suite.scanner.CancelPairing()
	suite.Equal(0, suite.pairing.Len())
	suite.Equal(0, suite.platform.Calls("CancelBondProcess"))
}

func (suite *ScannerTestSuite) TestUnsubscribe() {
	rec := testutils.NewRecorder[device.Device]()
	remove := suite.scanner.OnDeviceFound(rec.Record)

	suite.Require().NoError(suite.scanner.StartScan())
	suite.platform.Found(dev1)
	remove()
	remove()
	suite.platform.Found(dev2)

	suite.Equal(1, rec.Len(), "removed listener MUST NOT receive events")
	suite.Equal(2, suite.found.Len(), "other listeners MUST keep receiving events")
}

func (suite *ScannerTestSuite) TestClose() {
	suite.Require().NoError(suite.scanner.StartScan())
	suite.Require().NoError(suite.scanner.PairDevice(dev1))

	suite.scanner.Close()
	suite.False(suite.scanner.IsScanning())
	suite.Equal(0, suite.platform.Watchers())
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}
