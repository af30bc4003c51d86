package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/alerts"
	"github.com/opnmodem/hilinkd/pkg/collector"
	"github.com/opnmodem/hilinkd/pkg/config"
	"github.com/opnmodem/hilinkd/pkg/conman"
	"github.com/opnmodem/hilinkd/pkg/hilink"
	"github.com/opnmodem/hilinkd/pkg/logx"
	"github.com/opnmodem/hilinkd/pkg/metrics"
	"github.com/opnmodem/hilinkd/pkg/mqtt"
	"github.com/opnmodem/hilinkd/pkg/notifications"
	"github.com/opnmodem/hilinkd/pkg/tstore"
)

// modemRuntime is everything running for one managed modem
type modemRuntime struct {
	mu        sync.Mutex
	cfg       *pkg.ModemConfig
	client    *hilink.Client
	manager   *conman.Manager
	collector *collector.Collector
	cancel    context.CancelFunc
	done      chan struct{}
}

func (rt *modemRuntime) config() *pkg.ModemConfig {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cfg
}

func (rt *modemRuntime) setConfig(cfg *pkg.ModemConfig) {
	rt.mu.Lock()
	rt.cfg = cfg
	rt.mu.Unlock()
}

// Supervisor owns one runtime per configured modem: a poll loop, a
// connection manager, and a collector, all wired into the shared store,
// alert engine, and publishers. It drives configuration reloads by
// diffing the modem list and starting, stopping, or updating runtimes.
type Supervisor struct {
	mu     sync.Mutex
	cfg    *config.Config
	store  *tstore.Store
	engine *alerts.Engine
	logger *logx.Logger

	exporter  *metrics.Exporter
	publisher *mqtt.Publisher
	notifier  *notifications.Notifier

	modems map[string]*modemRuntime
	ctx    context.Context
}

// New wires the supervisor. Start must be called before any commands.
func New(cfg *config.Config, store *tstore.Store, engine *alerts.Engine,
	exporter *metrics.Exporter, publisher *mqtt.Publisher,
	notifier *notifications.Notifier, logger *logx.Logger,
) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		exporter:  exporter,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		modems:    make(map[string]*modemRuntime),
	}
	engine.SetNotifier(s.onAlert)
	engine.SetBreachHandler(s.onDataLimitBreach)
	return s
}

// Start launches a runtime for every configured modem
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	for _, mc := range s.cfg.Modems {
		s.startModemLocked(mc)
	}
	go s.consolidateLoop(ctx)
}

// Stop shuts down every modem runtime, waiting up to grace for the poll
// loops to drain, then flushes the store
func (s *Supervisor) Stop(grace time.Duration) {
	s.mu.Lock()
	runtimes := make([]*modemRuntime, 0, len(s.modems))
	for _, rt := range s.modems {
		runtimes = append(runtimes, rt)
	}
	s.mu.Unlock()

	for _, rt := range runtimes {
		rt.cancel()
		rt.manager.Stop()
	}
	// Absolute deadline so one straggler cannot consume the whole grace
	// period for the others
	deadline := time.Now().Add(grace)
	for _, rt := range runtimes {
		select {
		case <-rt.done:
		case <-time.After(time.Until(deadline)):
			s.logger.Warn("Poll loop did not drain before deadline", "modem", rt.config().Name)
		}
	}
	if err := s.store.Flush(); err != nil {
		s.logger.Error("Store flush on shutdown failed", "error", err)
	}
	s.logger.Info("Supervisor stopped", "modems", len(runtimes))
}

// Reload applies a new configuration: removed modems are torn down, added
// modems started, and changed modems updated in place
func (s *Supervisor) Reload(next *config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added, removed, changed := config.DiffModems(s.cfg, next)

	for _, id := range removed {
		rt, ok := s.modems[id]
		if !ok {
			continue
		}
		name := rt.config().Name
		s.stopModemLocked(id)
		s.engine.RemoveModem(id)
		if s.exporter != nil {
			s.exporter.DropModem(name)
		}
	}
	for _, id := range changed {
		mc := next.Modem(id)
		rt, ok := s.modems[id]
		if !ok {
			s.startModemLocked(mc)
			continue
		}
		if rt.config().RequiresRestart(mc) {
			s.stopModemLocked(id)
			s.startModemLocked(mc)
			continue
		}
		// Policy-only change: the running loop picks up the new
		// intervals on its next cycle
		rt.setConfig(mc)
		rt.manager.UpdateConfig(mc)
		s.engine.SetModem(mc)
		s.logger.Info("Modem configuration updated in place",
			"modem", mc.Name, "enabled", mc.Enabled, "poll_interval", mc.PollInterval())
	}
	for _, id := range added {
		s.startModemLocked(next.Modem(id))
	}
	s.cfg = next

	s.logger.Info("Configuration reloaded",
		"added", len(added), "removed", len(removed), "changed", len(changed))
	return nil
}

// Connect issues a manual connect for one modem
func (s *Supervisor) Connect(ctx context.Context, modemUUID string) pkg.CommandResult {
	rt, ok := s.runtime(modemUUID)
	if !ok {
		return pkg.Errored(pkg.ConfigError("connect", fmt.Errorf("unknown modem %s", modemUUID)))
	}
	return rt.manager.Connect(ctx)
}

// Disconnect issues a manual disconnect for one modem
func (s *Supervisor) Disconnect(ctx context.Context, modemUUID string) pkg.CommandResult {
	rt, ok := s.runtime(modemUUID)
	if !ok {
		return pkg.Errored(pkg.ConfigError("disconnect", fmt.Errorf("unknown modem %s", modemUUID)))
	}
	return rt.manager.Disconnect(ctx)
}

// Reboot issues a device reboot for one modem
func (s *Supervisor) Reboot(ctx context.Context, modemUUID string) pkg.CommandResult {
	rt, ok := s.runtime(modemUUID)
	if !ok {
		return pkg.Errored(pkg.ConfigError("reboot", fmt.Errorf("unknown modem %s", modemUUID)))
	}
	return rt.manager.Reboot(ctx)
}

// ModemStatus is the read-side view of one modem
type ModemStatus struct {
	Config *pkg.ModemConfig `json:"config"`
	State  pkg.ConnState    `json:"state"`
	Last   *pkg.Sample      `json:"last_sample,omitempty"`
}

// Status returns the current view of one modem. The last sample is marked
// stale when it is older than two poll intervals.
func (s *Supervisor) Status(modemUUID string) (*ModemStatus, error) {
	rt, ok := s.runtime(modemUUID)
	if !ok {
		return nil, pkg.ConfigError("status", fmt.Errorf("unknown modem %s", modemUUID))
	}
	cfg := rt.config()
	last := s.store.Last(modemUUID)
	if last != nil && time.Since(last.Timestamp) > 2*cfg.PollInterval() {
		last.Stale = true
	}
	return &ModemStatus{Config: cfg, State: rt.manager.State(), Last: last}, nil
}

// List returns the status of every managed modem
func (s *Supervisor) List() []*ModemStatus {
	s.mu.Lock()
	uuids := make([]string, 0, len(s.modems))
	for id := range s.modems {
		uuids = append(uuids, id)
	}
	s.mu.Unlock()

	out := make([]*ModemStatus, 0, len(uuids))
	for _, id := range uuids {
		if st, err := s.Status(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// startModemLocked builds and launches the runtime for one modem
func (s *Supervisor) startModemLocked(mc *pkg.ModemConfig) {
	client := hilink.NewClient(mc, s.logger)
	manager := conman.New(mc, client, s.logger)
	coll := collector.New(mc, client, s.store, s.logger)

	ctx, cancel := context.WithCancel(s.ctx)
	rt := &modemRuntime{
		cfg:       mc,
		client:    client,
		manager:   manager,
		collector: coll,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.modems[mc.UUID] = rt
	s.engine.SetModem(mc)

	manager.SetEventSink(s.onEvent)
	coll.SetEventSink(s.onEvent)
	manager.Start(ctx)

	go s.pollLoop(ctx, rt)
	s.logger.Info("Modem runtime started",
		"modem", mc.Name, "uuid", mc.UUID, "address", mc.Address,
		"poll_interval", mc.PollInterval(), "enabled", mc.Enabled)
}

// stopModemLocked tears down one runtime
func (s *Supervisor) stopModemLocked(modemUUID string) {
	rt, ok := s.modems[modemUUID]
	if !ok {
		return
	}
	rt.cancel()
	rt.manager.Stop()
	<-rt.done
	delete(s.modems, modemUUID)
	s.logger.Info("Modem runtime stopped", "modem", rt.config().Name)
}

// pollLoop runs the fixed-interval poll cycle for one modem. Device
// settings are applied once up front; polling continues even while the
// modem is unreachable so the series keeps its unknown samples.
func (s *Supervisor) pollLoop(ctx context.Context, rt *modemRuntime) {
	defer close(rt.done)

	if rt.config().Enabled {
		s.applySettings(ctx, rt)
	}

	s.pollOnce(ctx, rt)
	for {
		// Re-read the interval each cycle so in-place config updates
		// take effect on the next tick
		timer := time.NewTimer(rt.config().PollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.pollOnce(ctx, rt)
		}
	}
}

// pollOnce runs one collect cycle and fans the sample out
func (s *Supervisor) pollOnce(ctx context.Context, rt *modemRuntime) {
	cfg := rt.config()
	pollCtx, cancel := context.WithTimeout(ctx, cfg.PollInterval())
	defer cancel()

	sample, usage, err := rt.collector.Collect(pollCtx)
	if err != nil {
		s.logger.Debug("Poll cycle failed", "modem", cfg.Name, "error", err)
	}

	prevState := rt.manager.State()
	rt.manager.ObserveStatus(sample.Status)
	state := rt.manager.State()

	monthly := int64(-1)
	if usage != nil {
		monthly = usage.MonthTotal()
	}
	s.engine.Observe(cfg.UUID, sample, monthly)

	if prevState == pkg.StateConnected &&
		(sample.Status == pkg.StatusDisconnected || sample.Status == pkg.StatusUnknown) {
		s.engine.ConnectionLost(cfg.UUID, fmt.Sprintf("device reported %s", sample.Status))
	}
	if state == pkg.StateConnected {
		s.engine.ConnectionRestored(cfg.UUID)
	}

	if s.exporter != nil {
		s.exporter.ObserveSample(cfg.Name, sample)
	}
	if s.publisher != nil {
		s.publisher.PublishSample(cfg.Name, sample)
		if state != prevState {
			s.publisher.PublishState(cfg.Name, state)
		}
	}
}

// applySettings pushes the configured roaming and network mode to the
// device on startup. Failures are logged and retried on the next daemon
// start, never fatal.
func (s *Supervisor) applySettings(ctx context.Context, rt *modemRuntime) {
	cfg := rt.config()
	applyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := rt.client.SetRoaming(applyCtx, cfg.Roaming); err != nil {
		s.logger.Warn("Failed to apply roaming setting",
			"modem", cfg.Name, "roaming", cfg.Roaming, "error", err)
	}
	if cfg.NetworkMode != "" {
		if err := rt.client.SetNetworkMode(applyCtx, cfg.NetworkMode); err != nil {
			s.logger.Warn("Failed to apply network mode",
				"modem", cfg.Name, "mode", cfg.NetworkMode, "error", err)
		}
	}
}

// consolidateLoop periodically rolls fine samples into coarse buckets
func (s *Supervisor) consolidateLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.store.Consolidate()
		}
	}
}

// onEvent fans an event out to the publishers
func (s *Supervisor) onEvent(ev pkg.Event) {
	s.logger.Debug("Event", "type", ev.Type, "modem", ev.ModemUUID, "reason", ev.Reason)
	if s.publisher != nil {
		s.publisher.PublishEvent(ev)
	}
}

// onAlert fans an alert change out to the publishers and the webhook
func (s *Supervisor) onAlert(alert pkg.Alert) {
	if s.publisher != nil {
		s.publisher.PublishAlert(alert)
	}
	if s.notifier != nil {
		s.notifier.Notify(context.Background(), alert)
	}
	if s.exporter != nil {
		if rt, ok := s.runtime(alert.ModemUUID); ok {
			n := 0
			if active, err := s.engine.List(alert.ModemUUID, true); err == nil {
				for _, a := range active {
					if a.Type == alert.Type {
						n++
					}
				}
			}
			s.exporter.SetActiveAlerts(rt.config().Name, alert.Type, n)
		}
	}
}

// onDataLimitBreach reacts to a fully exhausted data cap
func (s *Supervisor) onDataLimitBreach(modemUUID string) {
	rt, ok := s.runtime(modemUUID)
	if !ok {
		return
	}
	s.logger.Warn("Data cap exhausted", "modem", rt.config().Name)
	rt.manager.OnDataLimitBreach(s.ctx)
}

func (s *Supervisor) runtime(modemUUID string) (*modemRuntime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.modems[modemUUID]
	return rt, ok
}
