package tstore

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// exportColumns is the stable column order of CSV exports
var exportColumns = []string{
	"timestamp", "status", "network_type", "operator", "wan_ip",
	"rssi", "rsrp", "rsrq", "sinr", "rx_delta", "tx_delta", "rx_bytes", "tx_bytes",
}

// Export writes the samples for [start, end] as delimited text with
// ISO-8601 timestamps and a fixed column order
func (s *Store) Export(w io.Writer, modemUUID string, start, end time.Time, resolution time.Duration) error {
	samples, err := s.Query(modemUUID, start, end, resolution)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportColumns); err != nil {
		return err
	}
	for _, sample := range samples {
		row := []string{
			sample.Timestamp.UTC().Format(time.RFC3339),
			string(sample.Status),
			string(sample.NetworkType),
			sample.Operator,
			sample.WANIP,
			formatOptional(sample.RSSI),
			formatOptional(sample.RSRP),
			formatOptional(sample.RSRQ),
			formatOptional(sample.SINR),
			strconv.FormatInt(sample.RxDelta, 10),
			strconv.FormatInt(sample.TxDelta, 10),
			strconv.FormatInt(sample.RxBytes, 10),
			strconv.FormatInt(sample.TxBytes, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("tstore: export: %w", err)
	}
	return nil
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
