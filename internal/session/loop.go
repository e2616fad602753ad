package session

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/fireboard"
)

// run is the connection loop. Each step performs the work of one state
// and returns the next one; it returns only once ctx is done.
func (m *Manager) run(ctx context.Context) {
	state := StateScanning
	for {
		if ctx.Err() != nil {
			m.closeLink()
			m.enter(StateStopped)
			m.setStatus(StatusDisconnected)
			return
		}

		m.enter(state)
		switch state {
		case StateScanning:
			state = m.scan(ctx)
		case StateConnecting:
			state = m.connect(ctx)
		case StateAuthenticating:
			state = m.authenticate()
		case StateConnected:
			state = m.hold(ctx)
		case StateRetrying:
			state = m.backoff(ctx, StatusRetrying(m.cfg.Timing.RetryDelay), m.cfg.Timing.RetryDelay)
		case StateProxyFull:
			state = m.backoff(ctx, StatusProxyFull(m.cfg.Timing.SaturatedDelay), m.cfg.Timing.SaturatedDelay)
		default:
			state = StateScanning
		}
	}
}

func (m *Manager) scan(ctx context.Context) ConnState {
	peer, ok := m.transport.Lookup(m.cfg.Address)
	if !ok {
		m.setStatus(StatusScanning)
		m.sleep(ctx, m.cfg.Timing.ScanInterval)
		return StateScanning
	}
	m.peer = peer
	return StateConnecting
}

func (m *Manager) connect(ctx context.Context) ConnState {
	m.setStatus(StatusConnecting)

	// forget a loss signal left over from the previous link
	select {
	case <-m.connLost:
	default:
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.Timing.ConnectTimeout)
	defer cancel()

	m.logger.WithFields(logrus.Fields{
		"address": m.cfg.Address,
		"source":  m.peer.Source,
	}).Debug("Dialing device...")

	link, err := m.transport.Connect(dialCtx, m.peer, m.onDisconnect)
	if ctx.Err() != nil {
		// stopped mid-dial; a link that completed anyway is closed on exit
		m.link = link
		return StateStopped
	}
	if err != nil {
		return m.fail("connect", err)
	}
	m.link = link
	return StateAuthenticating
}

func (m *Manager) authenticate() ConnState {
	m.setStatus(StatusAuthenticating)

	if err := m.link.Subscribe(fireboard.DataCharUUID, m.HandleNotification); err != nil {
		m.closeLink()
		return m.fail("subscribe", err)
	}
	if err := m.link.Write(fireboard.ControlCharUUID, fireboard.StartStreaming); err != nil {
		m.closeLink()
		return m.fail("activate", err)
	}

	m.setLastError(nil)
	m.setStatus(StatusConnected)
	m.logger.WithField("address", m.cfg.Address).Info("Successfully connected")
	return StateConnected
}

// hold keeps the link until it is lost or the session stops
func (m *Manager) hold(ctx context.Context) ConnState {
	for {
		select {
		case <-ctx.Done():
			m.closeLink()
			return StateStopped
		case <-m.connLost:
			m.closeLink()
			return StateScanning
		case <-m.clock.After(m.cfg.Timing.LivenessInterval):
			if !m.link.IsConnected() {
				m.logger.WithField("address", m.cfg.Address).Debug("Link no longer active")
				m.closeLink()
				return StateScanning
			}
		}
	}
}

func (m *Manager) backoff(ctx context.Context, status string, d time.Duration) ConnState {
	m.setStatus(status)
	m.sleep(ctx, d)
	return StateScanning
}

// fail classifies a connection failure into the state that handles it
func (m *Manager) fail(phase string, err error) ConnState {
	err = device.NormalizeError(err)

	if errors.Is(err, device.ErrBridgeSaturated) {
		m.setLastError(err)
		m.logger.WithError(err).WithFields(logrus.Fields{
			"address": m.cfg.Address,
			"phase":   phase,
			"wait":    m.cfg.Timing.SaturatedDelay,
		}).Error("Proxy full, no free connection slot")
		return StateProxyFull
	}

	lerr := &LinkError{Phase: phase, Err: err}
	m.setLastError(lerr)
	m.logger.WithError(lerr).WithFields(logrus.Fields{
		"address": m.cfg.Address,
		"wait":    m.cfg.Timing.RetryDelay,
	}).Warn("Connection failed")
	return StateRetrying
}

// closeLink releases the link; errors are logged and dropped
func (m *Manager) closeLink() {
	if m.link == nil {
		return
	}
	if err := m.link.Disconnect(); err != nil {
		m.logger.WithError(err).WithField("address", m.cfg.Address).Debug("Disconnect failed")
	}
	m.link = nil
}
