package goble

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	peerAddr = "AA:BB:CC:DD:9F:3E"
	dataUUID = "c2f780ec-45e1-452b-a879-327e3140d1f1"
	ctrlUUID = "c2f780ec-45e1-452b-a879-327e3140d1e8"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

// notifyingClient reports link loss the way the darwin client does
type notifyingClient struct {
	*mockClient
	disconnected chan struct{}
}

func (c *notifyingClient) Disconnected() <-chan struct{} { return c.disconnected }

type fakeAdv struct {
	ble.Advertisement
	addr        string
	name        string
	rssi        int
	services    []ble.UUID
	connectable bool
}

func (a fakeAdv) Addr() ble.Addr       { return ble.NewAddr(a.addr) }
func (a fakeAdv) LocalName() string    { return a.name }
func (a fakeAdv) RSSI() int            { return a.rssi }
func (a fakeAdv) Services() []ble.UUID { return a.services }
func (a fakeAdv) Connectable() bool    { return a.connectable }

func hubProfile() (*ble.Profile, *ble.Characteristic, *ble.Characteristic) {
	data := &ble.Characteristic{UUID: ble.MustParse(dataUUID), Property: ble.CharNotify}
	ctrl := &ble.Characteristic{UUID: ble.MustParse(ctrlUUID), Property: ble.CharWriteNR}
	return &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.MustParse("c2f780ec-45e1-452b-a879-327e3140d100"),
		Characteristics: []*ble.Characteristic{data, ctrl},
	}}}, data, ctrl
}

func newTestTransport(t *testing.T, dial dialFunc) (*Transport, *time.Time) {
	helper := testutils.NewTestHelper(t)
	now := t0
	tr := newTransport(Options{Source: "hci0"}, helper.Logger, func(ctx context.Context, _ bool, _ func(device.Observation)) error {
		<-ctx.Done()
		return nil
	}, dial)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestObservationFromAdvertisement(t *testing.T) {
	obs := observation(fakeAdv{
		addr:        "aa:bb:cc:dd:9f:3e",
		name:        "FireBoard",
		rssi:        -58,
		services:    []ble.UUID{ble.MustParse(dataUUID), ble.UUID16(0x180f)},
		connectable: true,
	}, "hci0", t0)

	assert.Equal(t, peerAddr, obs.Address)
	assert.Equal(t, "FireBoard", obs.Name)
	assert.Equal(t, -58, obs.RSSI)
	assert.Equal(t, "hci0", obs.Source)
	assert.True(t, obs.Connectable)
	assert.Equal(t, t0, obs.SeenAt)
	assert.True(t, device.ContainsUUID(obs.ServiceUUIDs, dataUUID))
	assert.True(t, device.ContainsUUID(obs.ServiceUUIDs, "180f"))
}

func TestTransport_LookupPresenceWindow(t *testing.T) {
	tr, now := newTestTransport(t, nil)

	_, ok := tr.Lookup(peerAddr)
	assert.False(t, ok, "never seen")

	tr.ingest(device.Observation{Address: "aa:bb:cc:dd:9f:3e", RSSI: -60, Connectable: true})

	peer, ok := tr.Lookup(peerAddr)
	require.True(t, ok)
	assert.Equal(t, device.Peer{Address: peerAddr, Source: "hci0"}, peer, "source defaults to the adapter name")

	*now = t0.Add(DefaultPresenceWindow)
	_, ok = tr.Lookup("aa:bb:cc:dd:9f:3e")
	assert.True(t, ok, "still inside the window")

	*now = t0.Add(DefaultPresenceWindow + time.Second)
	_, ok = tr.Lookup(peerAddr)
	assert.False(t, ok, "window expired")

	t.Run("non connectable advertisements do not make a peer reachable", func(t *testing.T) {
		tr, _ := newTestTransport(t, nil)
		tr.ingest(device.Observation{Address: "11:22:33:44:55:66", SeenAt: t0})
		_, ok := tr.Lookup("11:22:33:44:55:66")
		assert.False(t, ok)
	})
}

func TestTransport_IngestMergesScanResponses(t *testing.T) {
	tr, _ := newTestTransport(t, nil)

	tr.ingest(device.Observation{Address: peerAddr, Name: "FireBoard", Connectable: true, ServiceUUIDs: []string{"c2f780ec45e1452ba879327e3140d1f1"}, SeenAt: t0})
	tr.ingest(device.Observation{Address: peerAddr, RSSI: -71, SeenAt: t0.Add(time.Second)})

	seen := tr.Seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "FireBoard", seen[0].Name)
	assert.True(t, seen[0].Connectable)
	assert.Equal(t, -71, seen[0].RSSI)
	assert.NotEmpty(t, seen[0].ServiceUUIDs)
}

func TestTransport_SeenOrder(t *testing.T) {
	tr, _ := newTestTransport(t, nil)
	tr.ingest(device.Observation{Address: "00:00:00:00:00:02", RSSI: -80})
	tr.ingest(device.Observation{Address: "00:00:00:00:00:01", RSSI: -40})
	tr.ingest(device.Observation{Address: "00:00:00:00:00:03", RSSI: -80})

	var addrs []string
	for _, o := range tr.Seen() {
		addrs = append(addrs, o.Address)
	}
	assert.Equal(t, []string{"00:00:00:00:00:01", "00:00:00:00:00:02", "00:00:00:00:00:03"}, addrs)
}

func TestTransport_Watch(t *testing.T) {
	tr, _ := newTestTransport(t, nil)

	var got []device.Observation
	cancel := tr.Watch("aa:bb:cc:dd:9f:3e", func(o device.Observation) { got = append(got, o) })

	tr.ingest(device.Observation{Address: "11:22:33:44:55:66", RSSI: -50})
	tr.ingest(device.Observation{Address: peerAddr, RSSI: -65, Source: "kitchen-proxy"})
	require.Len(t, got, 1)
	assert.Equal(t, -65, got[0].RSSI)
	assert.Equal(t, "kitchen-proxy", got[0].Source)

	cancel()
	cancel()
	tr.ingest(device.Observation{Address: peerAddr, RSSI: -66})
	assert.Len(t, got, 1, "no callbacks after cancel")
}

func TestTransport_ConnectAndUseLink(t *testing.T) {
	client := new(mockClient)
	profile, data, ctrl := hubProfile()
	client.On("DiscoverProfile", true).Return(profile, nil)
	client.On("WriteCharacteristic", ctrl, []byte{0x01}, true).Return(nil)
	client.On("CancelConnection").Return(nil).Once()

	var handler ble.NotificationHandler
	client.On("Subscribe", data, false, mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(2).(ble.NotificationHandler) }).
		Return(nil)

	var dialled string
	tr, _ := newTestTransport(t, func(_ context.Context, address string) (gattClient, error) {
		dialled = address
		return client, nil
	})

	link, err := tr.Connect(context.Background(), device.Peer{Address: "aa:bb:cc:dd:9f:3e"}, nil)
	require.NoError(t, err)
	assert.Equal(t, peerAddr, dialled)
	assert.Equal(t, peerAddr, link.Address())
	assert.True(t, link.IsConnected())

	var payloads [][]byte
	require.NoError(t, link.Subscribe("C2F780EC-45E1-452B-A879-327E3140D1F1", func(b []byte) { payloads = append(payloads, b) }))
	buf := []byte(`{"channel":1}`)
	handler(buf)
	buf[0] = 'X'
	require.Len(t, payloads, 1)
	assert.Equal(t, `{"channel":1}`, string(payloads[0]), "handler owns a copy of the payload")

	require.NoError(t, link.Write(ctrlUUID, []byte{0x01}), "write-without-response characteristic")

	var nf *device.NotFoundError
	assert.ErrorAs(t, link.Write("2a37", []byte{0x00}), &nf)

	require.NoError(t, link.Disconnect())
	require.NoError(t, link.Disconnect(), "second disconnect is a no-op")
	assert.False(t, link.IsConnected())
	assert.ErrorIs(t, link.Write(ctrlUUID, []byte{0x01}), device.ErrNotConnected)
	client.AssertExpectations(t)
}

func TestTransport_ConnectReusesCachedProfile(t *testing.T) {
	profile, data, _ := hubProfile()

	first := new(mockClient)
	first.On("DiscoverProfile", true).Return(profile, nil).Once()
	first.On("CancelConnection").Return(nil)

	second := new(mockClient)
	second.On("Subscribe", data, false, mock.Anything).Return(nil)
	second.On("CancelConnection").Return(nil)

	clients := []gattClient{first, second}
	tr, _ := newTestTransport(t, func(context.Context, string) (gattClient, error) {
		c := clients[0]
		clients = clients[1:]
		return c, nil
	})

	link, err := tr.Connect(context.Background(), device.Peer{Address: peerAddr}, nil)
	require.NoError(t, err)
	require.NoError(t, link.Disconnect())

	link, err = tr.Connect(context.Background(), device.Peer{Address: peerAddr}, nil)
	require.NoError(t, err)
	require.NoError(t, link.Subscribe(dataUUID, func([]byte) {}), "cached characteristics are usable")
	require.NoError(t, link.Disconnect())

	second.AssertNotCalled(t, "DiscoverProfile", mock.Anything)
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestTransport_StaleProfileIsRediscovered(t *testing.T) {
	profile, data, _ := hubProfile()

	first := new(mockClient)
	first.On("DiscoverProfile", true).Return(profile, nil).Once()
	first.On("CancelConnection").Return(nil)

	second := new(mockClient)
	second.On("Subscribe", data, false, mock.Anything).Return(errors.New("att: invalid handle"))
	second.On("CancelConnection").Return(nil)

	third := new(mockClient)
	third.On("DiscoverProfile", true).Return(profile, nil).Once()
	third.On("CancelConnection").Return(nil)

	clients := []gattClient{first, second, third}
	tr, _ := newTestTransport(t, func(context.Context, string) (gattClient, error) {
		c := clients[0]
		clients = clients[1:]
		return c, nil
	})

	link, err := tr.Connect(context.Background(), device.Peer{Address: peerAddr}, nil)
	require.NoError(t, err)
	require.NoError(t, link.Disconnect())

	link, err = tr.Connect(context.Background(), device.Peer{Address: peerAddr}, nil)
	require.NoError(t, err)
	assert.Error(t, link.Subscribe(dataUUID, func([]byte) {}))
	require.NoError(t, link.Disconnect())

	_, err = tr.Connect(context.Background(), device.Peer{Address: peerAddr}, nil)
	require.NoError(t, err)
	third.AssertExpectations(t)
}

func TestTransport_ConnectErrors(t *testing.T) {
	t.Run("saturated proxy", func(t *testing.T) {
		tr, _ := newTestTransport(t, func(context.Context, string) (gattClient, error) {
			return nil, errors.New("ESP_GATT_CONN_FAIL: no free connection slot")
		})
		_, err := tr.Connect(context.Background(), device.Peer{Address: peerAddr}, nil)
		assert.ErrorIs(t, err, device.ErrBridgeSaturated)
	})

	t.Run("profile discovery failure releases the connection", func(t *testing.T) {
		client := new(mockClient)
		client.On("DiscoverProfile", true).Return(nil, errors.New("att: timeout"))
		client.On("CancelConnection").Return(nil)

		tr, _ := newTestTransport(t, func(context.Context, string) (gattClient, error) { return client, nil })
		_, err := tr.Connect(context.Background(), device.Peer{Address: peerAddr}, nil)
		assert.ErrorContains(t, err, "discover profile")
		client.AssertCalled(t, "CancelConnection")
	})

	t.Run("empty address", func(t *testing.T) {
		tr, _ := newTestTransport(t, nil)
		_, err := tr.Connect(context.Background(), device.Peer{}, nil)
		assert.Error(t, err)
	})
}

func TestLink_RadioReportedDisconnection(t *testing.T) {
	mc := new(mockClient)
	profile, _, _ := hubProfile()
	mc.On("DiscoverProfile", true).Return(profile, nil)
	client := &notifyingClient{mockClient: mc, disconnected: make(chan struct{})}

	tr, _ := newTestTransport(t, func(context.Context, string) (gattClient, error) { return client, nil })

	var calls atomic.Int32
	link, err := tr.Connect(context.Background(), device.Peer{Address: peerAddr}, func() { calls.Add(1) })
	require.NoError(t, err)

	close(client.disconnected)

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, link.IsConnected())
	require.NoError(t, link.Disconnect())
	mc.AssertNotCalled(t, "CancelConnection")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLink_LocalDisconnectSkipsLossCallback(t *testing.T) {
	mc := new(mockClient)
	profile, _, _ := hubProfile()
	mc.On("DiscoverProfile", true).Return(profile, nil)
	mc.On("CancelConnection").Return(errors.New("device not connected"))
	client := &notifyingClient{mockClient: mc, disconnected: make(chan struct{})}

	tr, _ := newTestTransport(t, func(context.Context, string) (gattClient, error) { return client, nil })

	var calls atomic.Int32
	link, err := tr.Connect(context.Background(), device.Peer{Address: peerAddr}, func() { calls.Add(1) })
	require.NoError(t, err)

	assert.ErrorIs(t, link.Disconnect(), device.ErrNotConnected)
	close(client.disconnected)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestTransport_ScanLoopRestarts(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	var scans atomic.Int32
	tr := newTransport(Options{}, helper.Logger, func(ctx context.Context, allowDup bool, h func(device.Observation)) error {
		assert.True(t, allowDup)
		if scans.Add(1) == 1 {
			h(device.Observation{Address: peerAddr, Connectable: true})
			return errors.New("hci: command disallowed")
		}
		<-ctx.Done()
		return nil
	}, nil)
	tr.restartDelay = 10 * time.Millisecond

	tr.Start(context.Background())
	tr.Start(context.Background())

	assert.Eventually(t, func() bool { return scans.Load() == 2 }, time.Second, 5*time.Millisecond)
	peer, ok := tr.Lookup(peerAddr)
	assert.True(t, ok)
	assert.Equal(t, DefaultSource, peer.Source)

	tr.Stop()
	tr.Stop()
	assert.Equal(t, int32(2), scans.Load())
}
