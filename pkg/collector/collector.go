package collector

import (
	"context"
	"time"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/hilink"
	"github.com/opnmodem/hilinkd/pkg/logx"
	"github.com/opnmodem/hilinkd/pkg/tstore"
)

// DeviceClient is the read side of the modem client used for polling
type DeviceClient interface {
	GetStatus(ctx context.Context) (*hilink.Status, error)
	GetSignal(ctx context.Context) (*hilink.Signal, error)
	GetDataUsage(ctx context.Context) (*hilink.DataUsage, error)
}

// Collector polls one modem on a fixed interval and turns the raw device
// responses into normalized samples. A poll failure still yields a sample
// with status Unknown: consumers never see a silent gap.
type Collector struct {
	cfg    *pkg.ModemConfig
	client DeviceClient
	store  *tstore.Store
	logger *logx.Logger

	prevRx   int64
	prevTx   int64
	havePrev bool

	events func(pkg.Event)
}

// New creates a collector for one modem. The previous cumulative counters
// are restored from the store so deltas stay correct across restarts.
func New(cfg *pkg.ModemConfig, client DeviceClient, store *tstore.Store, logger *logx.Logger) *Collector {
	c := &Collector{
		cfg:    cfg,
		client: client,
		store:  store,
		logger: logger.With("modem", cfg.Name),
	}
	if state, err := store.LoadCounters(cfg.UUID); err == nil && state != nil {
		c.prevRx = state.RxBytes
		c.prevTx = state.TxBytes
		c.havePrev = true
		c.logger.Debug("Restored counter state",
			"rx_bytes", state.RxBytes, "tx_bytes", state.TxBytes, "saved_at", state.Timestamp)
	}
	return c
}

// SetEventSink registers a callback for observable events such as counter
// resets
func (c *Collector) SetEventSink(fn func(pkg.Event)) { c.events = fn }

// Collect performs one poll cycle: status, signal, and data usage are
// queried, assembled into a Sample, and appended to the store. The sample
// and monthly usage are returned for the connection manager and alert
// engine; err reports the underlying failure when the sample is Unknown.
func (c *Collector) Collect(ctx context.Context) (*pkg.Sample, *hilink.DataUsage, error) {
	now := time.Now()

	status, err := c.client.GetStatus(ctx)
	if err != nil {
		return c.unknownSample(now, err), nil, err
	}
	signal, err := c.client.GetSignal(ctx)
	if err != nil {
		return c.unknownSample(now, err), nil, err
	}
	usage, err := c.client.GetDataUsage(ctx)
	if err != nil {
		return c.unknownSample(now, err), nil, err
	}

	sample := &pkg.Sample{
		Timestamp:   now,
		Status:      status.Status,
		NetworkType: status.NetworkType,
		Operator:    status.Operator,
		WANIP:       status.WANIP,
		RSSI:        &signal.RSSI,
		RSRP:        signal.RSRP,
		RSRQ:        signal.RSRQ,
		SINR:        signal.SINR,
		RxBytes:     usage.TotalRx,
		TxBytes:     usage.TotalTx,
	}
	c.applyDeltas(sample)

	if err := c.store.Append(c.cfg.UUID, sample); err != nil {
		c.logger.Warn("Failed to append sample", "error", err)
	}
	if err := c.store.SaveCounters(c.cfg.UUID, tstore.CounterState{
		RxBytes:   sample.RxBytes,
		TxBytes:   sample.TxBytes,
		Status:    sample.Status,
		Timestamp: sample.Timestamp,
	}); err != nil {
		c.logger.Warn("Failed to save counter state", "error", err)
	}

	return sample, usage, nil
}

// applyDeltas computes byte deltas against the previous cumulative
// counters. A counter going backwards means the device reset its counters;
// the delta restarts from the new baseline and the reset is surfaced as an
// event.
func (c *Collector) applyDeltas(sample *pkg.Sample) {
	if !c.havePrev {
		c.prevRx = sample.RxBytes
		c.prevTx = sample.TxBytes
		c.havePrev = true
		return
	}

	reset := sample.RxBytes < c.prevRx || sample.TxBytes < c.prevTx
	if reset {
		sample.RxDelta = sample.RxBytes
		sample.TxDelta = sample.TxBytes
		sample.CounterReset = true
		c.logger.Info("Device counter reset detected",
			"prev_rx", c.prevRx, "new_rx", sample.RxBytes,
			"prev_tx", c.prevTx, "new_tx", sample.TxBytes)
		if c.events != nil {
			c.events(pkg.Event{
				Timestamp: sample.Timestamp,
				Type:      "counter_reset",
				ModemUUID: c.cfg.UUID,
				Reason:    "cumulative counters went backwards",
				Data: map[string]interface{}{
					"prev_rx": c.prevRx, "new_rx": sample.RxBytes,
					"prev_tx": c.prevTx, "new_tx": sample.TxBytes,
				},
			})
		}
	} else {
		sample.RxDelta = sample.RxBytes - c.prevRx
		sample.TxDelta = sample.TxBytes - c.prevTx
	}
	c.prevRx = sample.RxBytes
	c.prevTx = sample.TxBytes
}

// unknownSample records a poll failure as an explicit Unknown sample so the
// series has no silent gap
func (c *Collector) unknownSample(now time.Time, cause error) *pkg.Sample {
	c.logger.Warn("Poll failed, emitting unknown sample", "error", cause)
	sample := &pkg.Sample{
		Timestamp: now,
		Status:    pkg.StatusUnknown,
		RxBytes:   c.prevRx,
		TxBytes:   c.prevTx,
	}
	if err := c.store.Append(c.cfg.UUID, sample); err != nil {
		c.logger.Warn("Failed to append unknown sample", "error", err)
	}
	return sample
}
