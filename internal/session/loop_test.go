package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/fireboard"
	"github.com/srg/fireble/internal/platform"
	"github.com/srg/fireble/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const waitTimeout = time.Second

// LoopSuite drives the connection loop with a fake clock and mocked radio.
// The sweep interval is pushed out of the way so every pending timer
// belongs to the loop.
type LoopSuite struct {
	suite.Suite
	helper     *testutils.TestHelper
	clock      *testutils.FakeClock
	host       *platform.Memory
	transport  *mockTransport
	link       *mockLink
	m          *Manager
	disconnect chan func()
	notify     chan func([]byte)
}

func TestLoopSuite(t *testing.T) {
	suite.Run(t, new(LoopSuite))
}

func (s *LoopSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.clock = testutils.NewFakeClock(t0)
	s.host = platform.NewMemory()
	s.transport = new(mockTransport)
	s.link = new(mockLink)
	s.disconnect = make(chan func(), 8)
	s.notify = make(chan func([]byte), 8)

	s.transport.On("Watch", testAddr, mock.Anything).Return(func() {})

	var err error
	s.m, err = New(Config{Address: testAddr, Timing: Timing{SweepInterval: time.Hour}},
		s.transport, s.host, WithClock(s.clock), WithLogger(s.helper.Logger))
	s.Require().NoError(err)
}

func (s *LoopSuite) TearDownTest() {
	s.m.Stop()
}

func (s *LoopSuite) start() {
	s.Require().NoError(s.m.Start(context.Background()))
}

func (s *LoopSuite) peer() device.Peer {
	return device.Peer{Address: testAddr, Source: "hci0"}
}

func (s *LoopSuite) reachable() *mock.Call {
	return s.transport.On("Lookup", testAddr).Return(s.peer(), true)
}

func (s *LoopSuite) unreachable() *mock.Call {
	return s.transport.On("Lookup", testAddr).Return(device.Peer{}, false)
}

func (s *LoopSuite) connectFails(err error) *mock.Call {
	return s.transport.On("Connect", mock.Anything, s.peer(), mock.Anything).Return(nil, err)
}

func (s *LoopSuite) connectSucceeds() *mock.Call {
	return s.transport.On("Connect", mock.Anything, s.peer(), mock.Anything).
		Run(func(args mock.Arguments) {
			select {
			case s.disconnect <- args.Get(2).(func()):
			default:
			}
		}).
		Return(s.link, nil)
}

func (s *LoopSuite) streams() {
	s.link.On("Subscribe", fireboard.DataCharUUID, mock.Anything).
		Run(func(args mock.Arguments) {
			select {
			case s.notify <- args.Get(1).(func([]byte)):
			default:
			}
		}).
		Return(nil)
	s.link.On("Write", fireboard.ControlCharUUID, fireboard.StartStreaming).Return(nil)
}

func (s *LoopSuite) healthyLink() {
	s.streams()
	s.link.On("IsConnected").Return(true).Maybe()
	s.link.On("Disconnect").Return(nil).Maybe()
}

func (s *LoopSuite) waitStatus(status string) {
	s.Require().Eventually(func() bool { return s.m.Status() == status }, waitTimeout, 5*time.Millisecond,
		"status stayed %q, want %q", s.m.Status(), status)
}

func (s *LoopSuite) waitState(state ConnState) {
	s.Require().Eventually(func() bool { return s.m.State() == state }, waitTimeout, 5*time.Millisecond,
		"state stayed %s, want %s", s.m.State(), state)
}

func (s *LoopSuite) waitTimer(d time.Duration) {
	s.Require().True(s.clock.WaitFor(d, waitTimeout), "no pending %s timer, have %v", d, s.clock.Waiters())
}

// sawStatus drains the event feed looking for a status change
func (s *LoopSuite) sawStatus(status string) bool {
	for {
		select {
		case ev := <-s.m.Events():
			if ev.Kind == EventStateChanged && ev.Status == status {
				return true
			}
		default:
			return false
		}
	}
}

func (s *LoopSuite) connected() {
	s.waitStatus(StatusConnected)
	s.waitState(StateConnected)
}

func (s *LoopSuite) TestScansUntilReachable() {
	s.unreachable().Twice()
	s.reachable()
	s.connectSucceeds()
	s.healthyLink()

	s.start()
	s.waitStatus(StatusScanning)

	for i := 0; i < 2; i++ {
		s.waitTimer(DefaultTiming().ScanInterval)
		s.clock.Advance(DefaultTiming().ScanInterval)
	}

	s.connected()
	s.transport.AssertNumberOfCalls(s.T(), "Lookup", 3)
}

func (s *LoopSuite) TestConnectActivatesStreaming() {
	s.reachable()
	s.transport.On("Connect", mock.Anything, s.peer(), mock.Anything).
		Run(func(args mock.Arguments) {
			_, bounded := args.Get(0).(context.Context).Deadline()
			s.True(bounded, "dial is bounded by the connect timeout")
		}).
		Return(s.link, nil)
	s.healthyLink()

	s.start()
	s.connected()

	s.link.AssertCalled(s.T(), "Write", fireboard.ControlCharUUID, []byte{0x01})

	var onData func([]byte)
	select {
	case onData = <-s.notify:
	case <-time.After(waitTimeout):
		s.FailNow("data characteristic was never subscribed")
	}
	onData([]byte(`{"channel":1,"temp":150,"degreetype":2}`))

	ch, ok := s.m.Registry().Get(1)
	s.Require().True(ok)
	s.Equal(150.0, ch.Temp)

	var path []ConnState
	for _, tr := range s.m.Snapshot().Transitions {
		path = append(path, tr.To)
	}
	s.Equal([]ConnState{StateConnecting, StateAuthenticating, StateConnected}, path)
	s.Empty(s.m.Snapshot().LastError)
}

func (s *LoopSuite) TestRetriesAfterConnectFailure() {
	s.reachable()
	s.connectFails(errors.New("le-connection-abort-by-local")).Once()
	s.connectSucceeds()
	s.healthyLink()

	s.start()
	s.waitStatus(StatusRetrying(DefaultTiming().RetryDelay))
	s.waitState(StateRetrying)
	s.waitTimer(DefaultTiming().RetryDelay)

	snap := s.m.Snapshot()
	s.Contains(snap.LastError, "connect")
	s.Contains(snap.LastError, "le-connection-abort-by-local")
	s.True(s.helper.Logged(logrus.WarnLevel, "Connection failed"))

	s.clock.Advance(DefaultTiming().RetryDelay)
	s.connected()
	s.Empty(s.m.Snapshot().LastError)
}

func (s *LoopSuite) TestProxyFullWaitsLonger() {
	s.reachable()
	s.connectFails(errors.New("ESP_GATT_CONN_FAIL: no free connection slot")).Once()
	s.connectSucceeds()
	s.healthyLink()

	s.start()
	s.waitStatus("Proxy Full (Waiting 60s)")
	s.waitState(StateProxyFull)
	s.waitTimer(60 * time.Second)
	s.NotContains(s.clock.Waiters(), DefaultTiming().RetryDelay, "saturation never uses the ordinary retry delay")
	s.True(s.helper.Logged(logrus.ErrorLevel, "Proxy full"))

	s.clock.Advance(59 * time.Second)
	s.Equal(StateProxyFull, s.m.State())

	s.clock.Advance(time.Second)
	s.connected()
}

func (s *LoopSuite) TestSubscribeFailureReleasesLink() {
	s.reachable()
	s.connectSucceeds()
	s.link.On("Subscribe", fireboard.DataCharUUID, mock.Anything).Return(errors.New("characteristic not found")).Once()
	s.healthyLink()

	s.start()
	s.waitStatus(StatusRetrying(DefaultTiming().RetryDelay))
	s.link.AssertNumberOfCalls(s.T(), "Disconnect", 1)
	s.link.AssertNotCalled(s.T(), "Write", mock.Anything, mock.Anything)
	s.Contains(s.m.Snapshot().LastError, "subscribe")

	s.waitTimer(DefaultTiming().RetryDelay)
	s.clock.Advance(DefaultTiming().RetryDelay)
	s.connected()
}

func (s *LoopSuite) TestDeviceDisconnectReturnsToScanning() {
	s.reachable().Once()
	s.unreachable()
	s.connectSucceeds()
	s.healthyLink()

	s.start()
	s.connected()

	var onDisconnect func()
	select {
	case onDisconnect = <-s.disconnect:
	case <-time.After(waitTimeout):
		s.FailNow("no disconnect callback")
	}
	onDisconnect()

	s.Eventually(func() bool { return s.sawStatus(StatusDisconnected) }, waitTimeout, 5*time.Millisecond)
	s.waitStatus(StatusScanning)
	s.link.AssertNumberOfCalls(s.T(), "Disconnect", 1)
}

func (s *LoopSuite) TestLivenessCheckDetectsDeadLink() {
	s.reachable().Once()
	s.unreachable()
	s.connectSucceeds()
	s.streams()
	s.link.On("IsConnected").Return(true).Once()
	s.link.On("IsConnected").Return(false)
	s.link.On("Disconnect").Return(nil)

	s.start()
	s.connected()

	s.waitTimer(DefaultTiming().LivenessInterval)
	s.clock.Advance(DefaultTiming().LivenessInterval)
	s.waitTimer(DefaultTiming().LivenessInterval)
	s.Equal(StateConnected, s.m.State())

	s.clock.Advance(DefaultTiming().LivenessInterval)
	s.waitStatus(StatusScanning)
	s.link.AssertNumberOfCalls(s.T(), "Disconnect", 1)
}

func (s *LoopSuite) TestStopWhileConnectedClosesLink() {
	s.reachable()
	s.connectSucceeds()
	s.streams()
	s.link.On("IsConnected").Return(true).Maybe()
	s.link.On("Disconnect").Return(errors.New("already closed"))

	s.start()
	s.connected()

	s.m.Stop()
	s.Equal(StateStopped, s.m.State())
	s.Equal(StatusDisconnected, s.m.Status())
	s.link.AssertNumberOfCalls(s.T(), "Disconnect", 1)
	s.True(s.helper.Logged(logrus.DebugLevel, "Disconnect failed"), "close errors are swallowed")

	rec, ok := s.host.Lookup(fireboard.EntityID(testAddr, fireboard.RoleStatus))
	s.Require().True(ok)
	s.Equal(StatusDisconnected, rec.State.Value)
}

func (s *LoopSuite) TestStopDuringDialDoesNotRetry() {
	s.reachable()
	s.transport.On("Connect", mock.Anything, s.peer(), mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(nil, context.Canceled)

	s.start()
	s.waitStatus(StatusConnecting)

	s.m.Stop()
	s.Equal(StateStopped, s.m.State())
	s.Equal(StatusDisconnected, s.m.Status())
	s.False(s.sawStatus(StatusRetrying(s.m.cfg.Timing.RetryDelay)))
	s.False(s.helper.Logged(logrus.WarnLevel, "Connection failed"))
	s.Empty(s.m.Snapshot().LastError)
}

func (s *LoopSuite) TestStopDuringBackoff() {
	s.reachable()
	s.connectFails(errors.New("no free connection slot"))

	s.start()
	s.waitState(StateProxyFull)

	done := make(chan struct{})
	go func() {
		s.m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		s.FailNow("stop did not interrupt the backoff wait")
	}
	s.Equal(StateStopped, s.m.State())
	s.Equal(StatusDisconnected, s.m.Status())
}

func TestWatchdogSweepsStaleChannels(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	clock := testutils.NewFakeClock(t0)
	tr := new(mockTransport)
	tr.On("Watch", testAddr, mock.Anything).Return(func() {})
	tr.On("Lookup", testAddr).Return(device.Peer{}, false)

	m, err := New(Config{Address: testAddr, Timing: Timing{ScanInterval: time.Hour}}, tr, platform.NewMemory(),
		WithClock(clock), WithLogger(helper.Logger))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	m.HandleNotification([]byte(`{"channel":1,"temp":150}`))

	sweep := DefaultTiming().SweepInterval
	for i := 0; i < 3; i++ {
		require.True(t, clock.WaitFor(sweep, waitTimeout), "watchdog timer missing on round %d", i)
		clock.Advance(sweep)
	}
	require.True(t, clock.WaitFor(sweep, waitTimeout), "watchdog did not rearm")
	_, ok := m.Registry().Get(1)
	require.True(t, ok, "channel removed at exactly the staleness window")

	clock.Advance(sweep)
	assert.Eventually(t, func() bool { return m.Registry().Len() == 0 }, waitTimeout, 5*time.Millisecond)
	assert.True(t, helper.Logged(logrus.WarnLevel, "Probe timed out"))
}
