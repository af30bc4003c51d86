package conman

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/logx"
)

var errDisabled = errors.New("modem is disabled")

// Controller is the subset of the modem client used to drive the
// connection; the full client satisfies it
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reboot(ctx context.Context) error
}

// Manager is the per-modem connection state machine. It enforces the
// auto-connect and reconnect policy and guarantees at most one control
// command in flight per modem; a second concurrent command gets BusyError.
type Manager struct {
	mu     sync.Mutex
	cfg    *pkg.ModemConfig
	client Controller
	logger *logx.Logger

	state    pkg.ConnState
	attempts int

	// manualHold suppresses auto-connect after a manual disconnect until
	// a manual connect or a configuration change
	manualHold bool

	reconnectTimer *time.Timer
	ctx            context.Context

	// cmdSlot admits one control command; try-acquire, BusyError on miss
	cmdSlot chan struct{}

	events func(pkg.Event)
}

// New creates a manager for one modem
func New(cfg *pkg.ModemConfig, client Controller, logger *logx.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		client:  client,
		logger:  logger.With("modem", cfg.Name),
		cmdSlot: make(chan struct{}, 1),
		ctx:     context.Background(),
	}
	if cfg.Enabled {
		m.state = pkg.StateDisconnected
	} else {
		m.state = pkg.StateDisabled
	}
	return m
}

// Start binds the manager to the modem loop's lifetime; pending reconnect
// attempts are cancelled with the context
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

// SetEventSink registers a callback for state transition events
func (m *Manager) SetEventSink(fn func(pkg.Event)) {
	m.mu.Lock()
	m.events = fn
	m.mu.Unlock()
}

// State returns the current connection state
func (m *Manager) State() pkg.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UpdateConfig applies a changed modem configuration. The enabled flag
// overrides every other transition; a config change also clears the Failed
// latch and any manual hold.
func (m *Manager) UpdateConfig(cfg *pkg.ModemConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.manualHold = false
	if !cfg.Enabled {
		m.stopReconnectLocked()
		m.setStateLocked(pkg.StateDisabled, "disabled by configuration")
		return
	}
	if m.state == pkg.StateDisabled || m.state == pkg.StateFailed {
		m.attempts = 0
		m.setStateLocked(pkg.StateDisconnected, "configuration changed")
	}
}

// ObserveStatus feeds the device-reported connection status from the
// latest sample into the state machine
func (m *Manager) ObserveStatus(status pkg.ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == pkg.StateDisabled {
		return
	}

	switch status {
	case pkg.StatusConnected:
		if m.state != pkg.StateConnected {
			m.attempts = 0
			m.stopReconnectLocked()
			m.setStateLocked(pkg.StateConnected, "device reports connected")
		}
	case pkg.StatusDisconnected:
		if m.state == pkg.StateConnected {
			// Unexpected loss
			m.setStateLocked(pkg.StateDisconnected, "unexpected connection loss")
			m.maybeAutoConnectLocked()
		} else if m.state == pkg.StateDisconnected {
			m.maybeAutoConnectLocked()
		}
	case pkg.StatusConnecting:
		// Device is dialing; nothing to drive
	case pkg.StatusUnknown:
		// Poll failure: treated as a loss signal when we thought we
		// were connected
		if m.state == pkg.StateConnected {
			m.setStateLocked(pkg.StateDisconnected, "poll failure while connected")
			m.maybeAutoConnectLocked()
		}
	}
}

// maybeAutoConnectLocked starts a connect attempt when the auto-connect
// policy applies
func (m *Manager) maybeAutoConnectLocked() {
	if !m.cfg.AutoConnect || m.manualHold {
		return
	}
	if m.state != pkg.StateDisconnected {
		return
	}
	go m.attemptConnect(m.ctx)
}

// Connect issues a manual connect. It forces the Connecting edge from any
// non-Disabled state, clears the Failed latch and manual hold, and resets
// the attempt counter.
func (m *Manager) Connect(ctx context.Context) pkg.CommandResult {
	m.mu.Lock()
	if m.state == pkg.StateDisabled {
		m.mu.Unlock()
		return pkg.Errored(pkg.ConfigError("connect", errDisabled))
	}
	m.manualHold = false
	m.attempts = 0
	m.stopReconnectLocked()
	m.mu.Unlock()

	return m.attemptConnect(ctx)
}

// attemptConnect performs one connect attempt and schedules reconnects per
// policy on failure
func (m *Manager) attemptConnect(ctx context.Context) pkg.CommandResult {
	select {
	case m.cmdSlot <- struct{}{}:
	default:
		return pkg.Errored(pkg.BusyError("connect"))
	}
	defer func() { <-m.cmdSlot }()

	m.mu.Lock()
	if m.state == pkg.StateDisabled {
		m.mu.Unlock()
		return pkg.Errored(pkg.ConfigError("connect", errDisabled))
	}
	m.attempts++
	attempt := m.attempts
	m.setStateLocked(pkg.StateConnecting, "connect attempt")
	m.mu.Unlock()

	err := m.client.Connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		// The device reaches Connected asynchronously; the next status
		// poll confirms the edge
		m.logger.Info("Connect command accepted", "attempt", attempt)
		return pkg.Pending("connect issued, awaiting device status")
	}

	m.logger.Warn("Connect attempt failed", "attempt", attempt, "max", m.cfg.MaxReconnectAttempts, "error", err)
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.setStateLocked(pkg.StateFailed, "max reconnect attempts reached")
		return pkg.Errored(err)
	}
	m.scheduleReconnectLocked()
	return pkg.Errored(err)
}

// scheduleReconnectLocked enters Reconnecting and arms the backoff timer:
// the configured interval doubled per attempt
func (m *Manager) scheduleReconnectLocked() {
	delay := m.cfg.ReconnectInterval()
	for i := 1; i < m.attempts; i++ {
		delay *= 2
	}
	m.setStateLocked(pkg.StateReconnecting, "waiting before reconnect")
	m.logger.Info("Reconnect scheduled", "delay", delay, "attempt", m.attempts)

	ctx := m.ctx
	m.reconnectTimer = time.AfterFunc(delay, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.mu.Lock()
		if m.state != pkg.StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.attemptConnect(ctx)
	})
}

// Disconnect issues a manual disconnect from any state. It cancels any
// pending reconnect and holds off auto-connect until a manual connect or
// configuration change.
func (m *Manager) Disconnect(ctx context.Context) pkg.CommandResult {
	select {
	case m.cmdSlot <- struct{}{}:
	default:
		return pkg.Errored(pkg.BusyError("disconnect"))
	}
	defer func() { <-m.cmdSlot }()

	m.mu.Lock()
	m.stopReconnectLocked()
	m.manualHold = true
	m.attempts = 0
	m.mu.Unlock()

	err := m.client.Disconnect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != pkg.StateDisabled {
		m.setStateLocked(pkg.StateDisconnected, "manual disconnect")
	}
	if err != nil {
		return pkg.Errored(err)
	}
	return pkg.Pending("disconnect issued, awaiting device status")
}

// Reboot restarts the device under the same single-command guarantee
func (m *Manager) Reboot(ctx context.Context) pkg.CommandResult {
	select {
	case m.cmdSlot <- struct{}{}:
	default:
		return pkg.Errored(pkg.BusyError("reboot"))
	}
	defer func() { <-m.cmdSlot }()

	m.mu.Lock()
	m.stopReconnectLocked()
	m.mu.Unlock()

	if err := m.client.Reboot(ctx); err != nil {
		return pkg.Errored(err)
	}
	m.mu.Lock()
	if m.state != pkg.StateDisabled {
		m.setStateLocked(pkg.StateDisconnected, "device rebooting")
	}
	m.mu.Unlock()
	return pkg.Pending("reboot issued")
}

// OnDataLimitBreach drops the connection when the data-limit policy says so
func (m *Manager) OnDataLimitBreach(ctx context.Context) {
	m.mu.Lock()
	should := m.cfg.DataLimit.Enabled && m.cfg.DataLimit.DisconnectOnBreach && m.state == pkg.StateConnected
	m.mu.Unlock()
	if !should {
		return
	}
	m.logger.Warn("Data limit breached, disconnecting")
	m.Disconnect(ctx)
}

// Stop cancels pending reconnect attempts; used on loop shutdown
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopReconnectLocked()
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStateLocked(next pkg.ConnState, reason string) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	m.logger.Info("Connection state changed", "from", prev, "to", next, "reason", reason)
	if m.events != nil {
		ev := pkg.Event{
			Timestamp: time.Now(),
			Type:      "state_change",
			ModemUUID: m.cfg.UUID,
			Reason:    reason,
			Data:      map[string]interface{}{"from": string(prev), "to": string(next)},
		}
		go m.events(ev)
	}
}
