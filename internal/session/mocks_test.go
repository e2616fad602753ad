package session

import (
	"context"
	"sync"

	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/platform"
	"github.com/stretchr/testify/mock"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Lookup(address string) (device.Peer, bool) {
	args := m.Called(address)
	return args.Get(0).(device.Peer), args.Bool(1)
}

func (m *mockTransport) Connect(ctx context.Context, peer device.Peer, onDisconnect func()) (device.Link, error) {
	args := m.Called(ctx, peer, onDisconnect)
	link, _ := args.Get(0).(device.Link)
	return link, args.Error(1)
}

func (m *mockTransport) Watch(address string, fn func(device.Observation)) func() {
	args := m.Called(address, fn)
	if cancel, ok := args.Get(0).(func()); ok {
		return cancel
	}
	return func() {}
}

type mockLink struct {
	mock.Mock
}

func (m *mockLink) Address() string {
	return m.Called().String(0)
}

func (m *mockLink) Subscribe(charUUID string, handler func([]byte)) error {
	return m.Called(charUUID, handler).Error(0)
}

func (m *mockLink) Write(charUUID string, data []byte) error {
	return m.Called(charUUID, data).Error(0)
}

func (m *mockLink) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockLink) Disconnect() error {
	return m.Called().Error(0)
}

type mockHost struct {
	mock.Mock
}

func (m *mockHost) Expose(d platform.Descriptor) (platform.Binding, error) {
	args := m.Called(d)
	b, _ := args.Get(0).(platform.Binding)
	return b, args.Error(1)
}

func (m *mockHost) Lookup(uniqueID string) (platform.Record, bool) {
	args := m.Called(uniqueID)
	return args.Get(0).(platform.Record), args.Bool(1)
}

func (m *mockHost) Remove(uniqueID string) error {
	return m.Called(uniqueID).Error(0)
}

func (m *mockHost) Records() []platform.Record {
	records, _ := m.Called().Get(0).([]platform.Record)
	return records
}

// recordingBinding keeps every pushed state
type recordingBinding struct {
	mu       sync.Mutex
	id       string
	states   []platform.State
	detached int
	err      error
}

func newRecordingBinding(id string) *recordingBinding {
	return &recordingBinding{id: id}
}

func (b *recordingBinding) UniqueID() string { return b.id }

func (b *recordingBinding) Push(s platform.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = append(b.states, s)
}

func (b *recordingBinding) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached++
	return b.err
}

func (b *recordingBinding) States() []platform.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]platform.State(nil), b.states...)
}

func (b *recordingBinding) Detached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}
