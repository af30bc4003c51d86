package alerts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/config"
	"github.com/opnmodem/hilinkd/pkg/logx"
)

// modemState is the per-modem evaluation state. At most one open or
// acknowledged alert exists per alert type.
type modemState struct {
	cfg          *pkg.ModemConfig
	lowSignalRun int
	active       map[pkg.AlertType]*pkg.Alert
	lastResolved map[pkg.AlertType]time.Time
	raisedCount  map[pkg.AlertType]int
	raisedDay    string
	usage        []usagePoint
	lastMonthKey string
	dailyBytes   int64
	dailyDay     string
}

// Engine evaluates alert conditions from incoming samples and usage
// readings and drives the alert lifecycle: alerts open, can be
// acknowledged by an operator, and resolve themselves when the condition
// clears. Re-raising the same condition is rate limited by a quiet
// interval and a per-type daily cap.
type Engine struct {
	mu     sync.Mutex
	cfg    config.AlertConfig
	store  *Store
	logger *logx.Logger
	modems map[string]*modemState

	notify   func(pkg.Alert)
	onBreach func(modemUUID string)
	now      func() time.Time
}

// NewEngine creates the alert engine. Open and acknowledged alerts are
// reloaded from the store so their lifecycle continues across restarts.
func NewEngine(cfg config.AlertConfig, store *Store, logger *logx.Logger) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		store:  store,
		logger: logger,
		modems: make(map[string]*modemState),
		now:    time.Now,
	}
	active, err := store.Load("", true)
	if err != nil {
		return nil, err
	}
	for _, a := range active {
		st := e.stateFor(a.ModemUUID)
		st.active[a.Type] = a
	}
	if len(active) > 0 {
		logger.Info("Restored active alerts", "count", len(active))
	}
	return e, nil
}

// SetNotifier registers the sink that receives every alert change
func (e *Engine) SetNotifier(fn func(pkg.Alert)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

// SetBreachHandler registers the callback invoked when a modem fully
// exhausts a data cap that is configured to disconnect
func (e *Engine) SetBreachHandler(fn func(modemUUID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBreach = fn
}

// SetModem adds or updates the configuration of one managed modem
func (e *Engine) SetModem(cfg *pkg.ModemConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateFor(cfg.UUID)
	st.cfg = cfg
}

// RemoveModem drops all evaluation state for a modem
func (e *Engine) RemoveModem(modemUUID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.modems, modemUUID)
}

// Observe evaluates one sample against the signal and data limit rules.
// monthlyBytes is the device-reported usage for the current billing month;
// pass a negative value when no usage reading is available.
func (e *Engine) Observe(modemUUID string, sample *pkg.Sample, monthlyBytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.modems[modemUUID]
	if !ok || st.cfg == nil {
		return
	}
	e.evalSignal(st, sample)
	e.trackDaily(st, sample)
	if monthlyBytes >= 0 {
		e.recordMonthly(st, sample.Timestamp, monthlyBytes)
	}
	e.evalDataLimit(st, monthlyBytes)
}

// ConnectionLost raises a connection loss alert for an unexpected drop
func (e *Engine) ConnectionLost(modemUUID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.modems[modemUUID]
	if !ok || st.cfg == nil {
		return
	}
	if st.active[pkg.AlertConnectionLoss] != nil {
		return
	}
	e.raise(st, pkg.AlertConnectionLoss, pkg.SeverityMajor,
		fmt.Sprintf("connection lost: %s", reason))
}

// ConnectionRestored resolves any open connection loss alert
func (e *Engine) ConnectionRestored(modemUUID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.modems[modemUUID]; ok {
		e.resolve(st, pkg.AlertConnectionLoss, "connection restored")
	}
}

// Acknowledge marks an open alert as acknowledged by an operator
func (e *Engine) Acknowledge(alertID string) (*pkg.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, st := range e.modems {
		for _, a := range st.active {
			if a.ID != alertID {
				continue
			}
			if a.State != pkg.AlertOpen {
				return nil, pkg.ConfigError("acknowledge", fmt.Errorf("alert %s is %s, not open", alertID, a.State))
			}
			now := e.now()
			a.State = pkg.AlertAcknowledged
			a.AcknowledgedAt = &now
			e.persist(a)
			e.logger.Info("Alert acknowledged", "alert_id", a.ID, "modem", a.ModemUUID, "type", a.Type)
			return a, nil
		}
	}
	return nil, pkg.ConfigError("acknowledge", fmt.Errorf("no active alert with id %s", alertID))
}

// List returns alerts for one modem (or all modems when modemUUID is
// empty), newest first
func (e *Engine) List(modemUUID string, activeOnly bool) ([]*pkg.Alert, error) {
	alerts, err := e.store.Load(modemUUID, activeOnly)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].RaisedAt.After(alerts[j].RaisedAt) })
	return alerts, nil
}

// evalSignal tracks a run of consecutive weak-signal samples. A sample
// without a signal reading breaks the run but does not resolve an open
// alert; only a sample at or above the threshold does.
func (e *Engine) evalSignal(st *modemState, sample *pkg.Sample) {
	key := pkg.AlertLowSignal
	if sample.RSSI == nil {
		st.lowSignalRun = 0
		return
	}
	threshold := st.cfg.SignalThresholdDBm
	if threshold == 0 {
		threshold = e.cfg.SignalThresholdDBm
	}

	if *sample.RSSI >= threshold {
		st.lowSignalRun = 0
		e.resolve(st, key, "signal recovered")
		return
	}

	st.lowSignalRun++
	if st.lowSignalRun < e.cfg.SignalSamples || st.active[key] != nil {
		return
	}
	e.raise(st, key, pkg.SeverityWarning,
		fmt.Sprintf("signal %.0f dBm below threshold %.0f dBm for %d consecutive samples",
			*sample.RSSI, threshold, st.lowSignalRun))
}

// trackDaily accumulates per-day traffic from sample deltas. The
// accumulator resets at local midnight.
func (e *Engine) trackDaily(st *modemState, sample *pkg.Sample) {
	day := sample.Timestamp.Format("2006-01-02")
	if day != st.dailyDay {
		st.dailyDay = day
		st.dailyBytes = 0
	}
	st.dailyBytes += sample.RxDelta + sample.TxDelta
}

// recordMonthly keeps the usage history used for the exhaustion
// projection, resetting it when the billing month rolls over
func (e *Engine) recordMonthly(st *modemState, at time.Time, monthlyBytes int64) {
	monthKey := at.Format("2006-01")
	if monthKey != st.lastMonthKey {
		st.lastMonthKey = monthKey
		st.usage = st.usage[:0]
	}
	st.usage = append(st.usage, usagePoint{at: at, bytes: monthlyBytes})
	if len(st.usage) > 2048 {
		st.usage = st.usage[len(st.usage)-2048:]
	}
}

// evalDataLimit folds the monthly and the daily cap into the one
// data_limit alert for the modem: the scope at the highest breached tier
// wins and names itself in the message. Crossing a higher tier escalates
// the open alert in place instead of raising a duplicate.
func (e *Engine) evalDataLimit(st *modemState, monthlyBytes int64) {
	limit := st.cfg.DataLimit
	if !limit.Enabled {
		return
	}

	bestTier := 0
	bestMsg := ""
	consider := func(scope string, used, capBytes int64, daysLeft float64) {
		pct := float64(used) / float64(capBytes) * 100
		tier := 0
		for _, t := range e.cfg.DataLimitTiersPct {
			if pct >= float64(t) && t > tier {
				tier = t
			}
		}
		if tier == 0 || tier <= bestTier {
			return
		}
		bestTier = tier
		bestMsg = fmt.Sprintf("%s data usage at %.1f%% of %d MB cap", scope, pct, capBytes/1024/1024)
		if daysLeft > 0 {
			bestMsg += fmt.Sprintf(", projected to reach cap in %.1f days", daysLeft)
		}
	}

	monthlyKnown := limit.MonthlyMB <= 0
	if limit.MonthlyMB > 0 && monthlyBytes >= 0 {
		monthlyKnown = true
		capBytes := limit.MonthlyMB * 1024 * 1024
		consider("monthly", monthlyBytes, capBytes, projectDaysToCap(st.usage, capBytes, e.now()))
	}
	if limit.DailyMB > 0 {
		consider("daily", st.dailyBytes, limit.DailyMB*1024*1024, -1)
	}

	if bestTier == 0 {
		// No monthly reading this cycle: the cap may still be
		// breached, keep the alert until a real reading clears it
		if monthlyKnown {
			e.resolve(st, pkg.AlertDataLimit, "usage back under lowest tier")
		}
		return
	}

	sev := tierSeverity(bestTier)
	if a := st.active[pkg.AlertDataLimit]; a != nil {
		if severityRank(sev) > severityRank(a.Severity) {
			a.Severity = sev
			a.Message = bestMsg
			e.persist(a)
			e.logger.Warn("Alert escalated", "alert_id", a.ID, "modem", st.cfg.Name,
				"type", a.Type, "severity", sev)
		}
	} else {
		e.raise(st, pkg.AlertDataLimit, sev, bestMsg)
	}

	if bestTier >= 100 && limit.DisconnectOnBreach && e.onBreach != nil {
		go e.onBreach(st.cfg.UUID)
	}
}

// raise opens a new alert unless the quiet interval or daily cap
// suppresses it
func (e *Engine) raise(st *modemState, key pkg.AlertType, sev pkg.Severity, msg string) {
	now := e.now()

	if last, ok := st.lastResolved[key]; ok {
		quiet := time.Duration(e.cfg.QuietIntervalS) * time.Second
		if now.Sub(last) < quiet {
			e.logger.Debug("Alert suppressed by quiet interval",
				"modem", st.cfg.Name, "type", key, "since_resolved", now.Sub(last))
			return
		}
	}

	day := now.Format("2006-01-02")
	if day != st.raisedDay {
		st.raisedDay = day
		st.raisedCount = make(map[pkg.AlertType]int)
	}
	if e.cfg.DailyCapPerType > 0 && st.raisedCount[key] >= e.cfg.DailyCapPerType {
		e.logger.Debug("Alert suppressed by daily cap",
			"modem", st.cfg.Name, "type", key, "raised_today", st.raisedCount[key])
		return
	}
	st.raisedCount[key]++

	a := &pkg.Alert{
		ID:        uuid.New().String(),
		ModemUUID: st.cfg.UUID,
		Type:      key,
		Severity:  sev,
		State:     pkg.AlertOpen,
		Message:   msg,
		RaisedAt:  now,
	}
	st.active[key] = a
	e.persist(a)
	e.logger.Warn("Alert raised", "alert_id", a.ID, "modem", st.cfg.Name,
		"type", a.Type, "severity", a.Severity, "message", msg)
}

// resolve closes the open alert for a key, if any
func (e *Engine) resolve(st *modemState, key pkg.AlertType, reason string) {
	a := st.active[key]
	if a == nil {
		return
	}
	now := e.now()
	a.State = pkg.AlertResolved
	a.ResolvedAt = &now
	delete(st.active, key)
	st.lastResolved[key] = now
	e.persist(a)
	e.logger.Info("Alert resolved", "alert_id", a.ID, "modem", st.cfg.Name,
		"type", a.Type, "reason", reason)
}

func (e *Engine) persist(a *pkg.Alert) {
	if err := e.store.Save(a); err != nil {
		e.logger.Error("Failed to persist alert", "alert_id", a.ID, "error", err)
	}
	if e.notify != nil {
		copied := *a
		go e.notify(copied)
	}
}

func (e *Engine) stateFor(modemUUID string) *modemState {
	st, ok := e.modems[modemUUID]
	if !ok {
		st = &modemState{
			active:       make(map[pkg.AlertType]*pkg.Alert),
			lastResolved: make(map[pkg.AlertType]time.Time),
			raisedCount:  make(map[pkg.AlertType]int),
		}
		e.modems[modemUUID] = st
	}
	return st
}

func tierSeverity(tier int) pkg.Severity {
	switch {
	case tier >= 100:
		return pkg.SeverityCritical
	case tier >= 90:
		return pkg.SeverityMajor
	default:
		return pkg.SeverityWarning
	}
}

func severityRank(s pkg.Severity) int {
	switch s {
	case pkg.SeverityCritical:
		return 3
	case pkg.SeverityMajor:
		return 2
	case pkg.SeverityWarning:
		return 1
	default:
		return 0
	}
}
