package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/config"
	"github.com/opnmodem/hilinkd/pkg/logx"
)

// Exporter exposes per-modem gauges and counters on a Prometheus scrape
// endpoint. Samples are pushed into it from the poll loops; the exporter
// itself never touches the device.
type Exporter struct {
	cfg    config.MetricsConfig
	logger *logx.Logger
	server *http.Server

	rssi      *prometheus.GaugeVec
	rsrp      *prometheus.GaugeVec
	rsrq      *prometheus.GaugeVec
	sinr      *prometheus.GaugeVec
	connected *prometheus.GaugeVec
	rxBytes   *prometheus.CounterVec
	txBytes   *prometheus.CounterVec
	pollFails *prometheus.CounterVec
	resets    *prometheus.CounterVec
	alerts    *prometheus.GaugeVec
}

// NewExporter registers the modem metrics on a fresh registry
func NewExporter(cfg config.MetricsConfig, logger *logx.Logger) *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := []string{"modem"}

	e := &Exporter{
		cfg:    cfg,
		logger: logger,
		rssi: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hilink_rssi_dbm", Help: "Received signal strength indicator",
		}, labels),
		rsrp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hilink_rsrp_dbm", Help: "LTE reference signal received power",
		}, labels),
		rsrq: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hilink_rsrq_db", Help: "LTE reference signal received quality",
		}, labels),
		sinr: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hilink_sinr_db", Help: "LTE signal to interference plus noise ratio",
		}, labels),
		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hilink_connected", Help: "1 while the modem reports an active data connection",
		}, labels),
		rxBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hilink_rx_bytes_total", Help: "Downstream bytes since daemon start",
		}, labels),
		txBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hilink_tx_bytes_total", Help: "Upstream bytes since daemon start",
		}, labels),
		pollFails: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hilink_poll_failures_total", Help: "Poll cycles that produced an unknown sample",
		}, labels),
		resets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hilink_counter_resets_total", Help: "Detected device traffic counter resets",
		}, labels),
		alerts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hilink_active_alerts", Help: "Currently open or acknowledged alerts",
		}, []string{"modem", "type"}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	e.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return e
}

// Start serves the scrape endpoint in the background
func (e *Exporter) Start() {
	if !e.cfg.Enabled {
		return
	}
	go func() {
		e.logger.Info("Metrics endpoint listening", "addr", e.cfg.Listen)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the scrape endpoint down
func (e *Exporter) Stop(ctx context.Context) {
	if !e.cfg.Enabled {
		return
	}
	if err := e.server.Shutdown(ctx); err != nil {
		e.logger.Warn("Metrics server shutdown failed", "error", err)
	}
}

// ObserveSample updates the per-modem series from one poll sample
func (e *Exporter) ObserveSample(modemName string, sample *pkg.Sample) {
	if sample.Status == pkg.StatusUnknown {
		e.pollFails.WithLabelValues(modemName).Inc()
		return
	}
	if sample.RSSI != nil {
		e.rssi.WithLabelValues(modemName).Set(*sample.RSSI)
	}
	if sample.RSRP != nil {
		e.rsrp.WithLabelValues(modemName).Set(*sample.RSRP)
	}
	if sample.RSRQ != nil {
		e.rsrq.WithLabelValues(modemName).Set(*sample.RSRQ)
	}
	if sample.SINR != nil {
		e.sinr.WithLabelValues(modemName).Set(*sample.SINR)
	}
	if sample.Status == pkg.StatusConnected {
		e.connected.WithLabelValues(modemName).Set(1)
	} else {
		e.connected.WithLabelValues(modemName).Set(0)
	}
	e.rxBytes.WithLabelValues(modemName).Add(float64(sample.RxDelta))
	e.txBytes.WithLabelValues(modemName).Add(float64(sample.TxDelta))
	if sample.CounterReset {
		e.resets.WithLabelValues(modemName).Inc()
	}
}

// SetActiveAlerts updates the open alert gauge for one modem and type
func (e *Exporter) SetActiveAlerts(modemName string, alertType pkg.AlertType, n int) {
	e.alerts.WithLabelValues(modemName, string(alertType)).Set(float64(n))
}

// DropModem removes all series for a modem that left the configuration
func (e *Exporter) DropModem(modemName string) {
	labels := prometheus.Labels{"modem": modemName}
	e.rssi.Delete(labels)
	e.rsrp.Delete(labels)
	e.rsrq.Delete(labels)
	e.sinr.Delete(labels)
	e.connected.Delete(labels)
	e.rxBytes.Delete(labels)
	e.txBytes.Delete(labels)
	e.pollFails.Delete(labels)
	e.resets.Delete(labels)
	e.alerts.DeletePartialMatch(labels)
}
