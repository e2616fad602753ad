package goble

import (
	"context"
	"errors"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/fireble/internal/device"
)

// Scanner streams advertisements from the host radio as device observations
type Scanner struct {
	dev    ble.Device
	source string
}

// NewScanner opens the host radio. Observations are tagged with source.
func NewScanner(source string) (*Scanner, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, device.NormalizeError(err)
	}
	return &Scanner{dev: dev, source: source}, nil
}

// Scan runs until ctx ends. Cancellation is not reported as an error.
func (s *Scanner) Scan(ctx context.Context, allowDup bool, handler func(device.Observation)) error {
	err := s.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(observation(adv, s.source, time.Now()))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return device.NormalizeError(err)
	}
	return nil
}

func (s *Scanner) dial(ctx context.Context, address string) (gattClient, error) {
	client, err := s.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// observation converts an advertisement into the radio-neutral form
func observation(adv ble.Advertisement, source string, now time.Time) device.Observation {
	services := adv.Services()
	uuids := make([]string, 0, len(services))
	for _, u := range services {
		uuids = append(uuids, device.NormalizeUUID(u.String()))
	}

	return device.Observation{
		Address:      normalizeAddress(adv.Addr().String()),
		Name:         adv.LocalName(),
		RSSI:         adv.RSSI(),
		Source:       source,
		ServiceUUIDs: uuids,
		Connectable:  adv.Connectable(),
		SeenAt:       now,
	}
}
