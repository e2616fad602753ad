package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/groutine"
)

// gattClient is the part of ble.Client a link uses
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// disconnectNotifier is implemented by clients that report link loss
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// bleLink is one connected peripheral. Characteristics are indexed by
// normalized UUID; the service they belong to does not matter here.
type bleLink struct {
	address string
	client  gattClient
	chars   map[string]*ble.Characteristic
	logger  *logrus.Logger

	// onStale is called when the profile no longer matches the peripheral
	onStale func()

	writeMu sync.Mutex

	mu           sync.Mutex
	connected    bool
	done         chan struct{}
	onDisconnect func()
}

func newLink(address string, client gattClient, profile *ble.Profile, onDisconnect func(), logger *logrus.Logger) *bleLink {
	l := &bleLink{
		address:      address,
		client:       client,
		chars:        make(map[string]*ble.Characteristic),
		logger:       logger,
		connected:    true,
		done:         make(chan struct{}),
		onDisconnect: onDisconnect,
	}

	if profile != nil {
		for _, svc := range profile.Services {
			for _, c := range svc.Characteristics {
				l.chars[device.NormalizeUUID(c.UUID.String())] = c
			}
		}
	}

	if dn, ok := client.(disconnectNotifier); ok {
		groutine.Go(context.Background(), "ble-link-monitor-"+address, func(context.Context) {
			select {
			case <-dn.Disconnected():
				l.lost()
			case <-l.done:
			}
		})
	} else {
		logger.WithField("address", address).Debug("Client does not report disconnection, relying on liveness checks")
	}
	return l
}

func (l *bleLink) Address() string { return l.address }

func (l *bleLink) characteristic(uuid string) (*ble.Characteristic, error) {
	c, ok := l.chars[device.NormalizeUUID(uuid)]
	if !ok {
		l.stale()
		return nil, &device.NotFoundError{Resource: "characteristic", UUID: uuid}
	}
	return c, nil
}

func (l *bleLink) stale() {
	if l.onStale != nil {
		l.onStale()
	}
}

// Subscribe enables notifications; handler receives a private copy of each payload.
func (l *bleLink) Subscribe(charUUID string, handler func([]byte)) error {
	if !l.IsConnected() {
		return device.ErrNotConnected
	}
	c, err := l.characteristic(charUUID)
	if err != nil {
		return err
	}

	err = l.client.Subscribe(c, false, func(data []byte) {
		handler(append([]byte(nil), data...))
	})
	if err != nil {
		// a handle from an outdated profile fails here
		l.stale()
		return device.NormalizeError(err)
	}

	l.logger.WithFields(logrus.Fields{
		"address":   l.address,
		"char_uuid": charUUID,
	}).Debug("Subscribed to notifications")
	return nil
}

// Write writes data, without response when the characteristic only allows that.
func (l *bleLink) Write(charUUID string, data []byte) error {
	if !l.IsConnected() {
		return device.ErrNotConnected
	}
	c, err := l.characteristic(charUUID)
	if err != nil {
		return err
	}

	noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.client.WriteCharacteristic(c, data, noRsp); err != nil {
		return device.NormalizeError(err)
	}
	return nil
}

func (l *bleLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Disconnect closes the link. It does not invoke the loss callback.
func (l *bleLink) Disconnect() error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return nil
	}
	l.connected = false
	close(l.done)
	l.mu.Unlock()

	l.logger.WithField("address", l.address).Info("Disconnecting BLE device...")
	if err := l.client.CancelConnection(); err != nil {
		return device.NormalizeError(err)
	}
	return nil
}

// lost handles a disconnection reported by the radio
func (l *bleLink) lost() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	close(l.done)
	cb := l.onDisconnect
	l.mu.Unlock()

	l.logger.WithField("address", l.address).Warn("Radio reported disconnection")
	if cb != nil {
		cb()
	}
}
