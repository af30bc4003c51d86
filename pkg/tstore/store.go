package tstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/opnmodem/hilinkd/pkg"
	"github.com/opnmodem/hilinkd/pkg/logx"
)

// Bucket names for the bbolt database
const (
	fineBucket     = "fine"
	coarseBucket   = "coarse"
	countersBucket = "counters"
)

// Options defines the tiered retention policy of the store
type Options struct {
	// FineWindow is how long raw samples stay individually queryable
	FineWindow time.Duration
	// BucketResolution is the width of consolidated buckets
	BucketResolution time.Duration
	// TotalRetention bounds the store; consolidated buckets older than
	// this are evicted
	TotalRetention time.Duration
}

// DefaultOptions keeps 24h of raw samples and 30 days of 5-minute buckets
func DefaultOptions() Options {
	return Options{
		FineWindow:       24 * time.Hour,
		BucketResolution: 5 * time.Minute,
		TotalRetention:   30 * 24 * time.Hour,
	}
}

// Store is the tiered, append-only time-series store. Recent samples are
// kept at full resolution; older data is consolidated into fixed buckets
// (gauges averaged, counters summed) and finally evicted. Memory and disk
// are bounded by retention/resolution, independent of uptime.
//
// The store accepts concurrent writers keyed by modem uuid; samples for one
// modem arrive from that modem's single poll loop and are therefore already
// ordered.
type Store struct {
	mu     sync.RWMutex
	opts   Options
	db     *bolt.DB
	series map[string]*series
	logger *logx.Logger
}

type series struct {
	fine    []*pkg.Sample // ordered by timestamp, within the fine window
	coarse  []*Bucket     // ordered consolidated buckets
	lastRaw time.Time
}

// Bucket is one consolidated aggregate of samples
type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`

	// Gauge sums; averages are sum/n with per-field presence counts
	RSSISum float64 `json:"rssi_sum"`
	RSSIN   int     `json:"rssi_n"`
	RSRPSum float64 `json:"rsrp_sum"`
	RSRPN   int     `json:"rsrp_n"`
	RSRQSum float64 `json:"rsrq_sum"`
	RSRQN   int     `json:"rsrq_n"`
	SINRSum float64 `json:"sinr_sum"`
	SINRN   int     `json:"sinr_n"`

	// Counter sums
	RxDelta int64 `json:"rx_delta"`
	TxDelta int64 `json:"tx_delta"`

	// Connection accounting to render a dominant status for the bucket
	ConnectedN int `json:"connected_n"`
}

// CounterState is the durable record of the last cumulative counters and
// connection state, used to compute deltas correctly across restarts
type CounterState struct {
	RxBytes   int64                `json:"rx_bytes"`
	TxBytes   int64                `json:"tx_bytes"`
	Status    pkg.ConnectionStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// Open creates or opens the store database at path
func Open(path string, opts Options, logger *logx.Logger) (*Store, error) {
	if opts.FineWindow <= 0 || opts.BucketResolution <= 0 || opts.TotalRetention <= 0 {
		return nil, fmt.Errorf("tstore: retention options must be positive")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("tstore: open %s: %w", path, err)
	}
	s := &Store{
		opts:   opts,
		db:     db,
		series: make(map[string]*series),
		logger: logger,
	}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{fineBucket, coarseBucket, countersBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("tstore: create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// load reads all persisted series into memory
func (s *Store) load() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(fineBucket)).ForEachBucket(func(name []byte) error {
			ser := s.seriesFor(string(name))
			return tx.Bucket([]byte(fineBucket)).Bucket(name).ForEach(func(_, v []byte) error {
				var sample pkg.Sample
				if err := json.Unmarshal(v, &sample); err != nil {
					return nil // skip corrupt rows
				}
				ser.fine = append(ser.fine, &sample)
				return nil
			})
		}); err != nil {
			return err
		}
		return tx.Bucket([]byte(coarseBucket)).ForEachBucket(func(name []byte) error {
			ser := s.seriesFor(string(name))
			return tx.Bucket([]byte(coarseBucket)).Bucket(name).ForEach(func(_, v []byte) error {
				var b Bucket
				if err := json.Unmarshal(v, &b); err != nil {
					return nil
				}
				ser.coarse = append(ser.coarse, &b)
				return nil
			})
		})
	})
}

func (s *Store) seriesFor(modemUUID string) *series {
	ser, ok := s.series[modemUUID]
	if !ok {
		ser = &series{}
		s.series[modemUUID] = ser
	}
	return ser
}

// Append adds a sample for a modem. Appends are idempotent per timestamp:
// a duplicate timestamp overwrites the earlier sample. Timestamps older
// than the newest sample are rejected.
func (s *Store) Append(modemUUID string, sample *pkg.Sample) error {
	if sample == nil {
		return fmt.Errorf("tstore: nil sample")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ser := s.seriesFor(modemUUID)
	n := len(ser.fine)
	switch {
	case n == 0 || sample.Timestamp.After(ser.fine[n-1].Timestamp):
		ser.fine = append(ser.fine, sample)
	case sample.Timestamp.Equal(ser.fine[n-1].Timestamp):
		ser.fine[n-1] = sample
	default:
		return fmt.Errorf("tstore: out-of-order timestamp %s for modem %s",
			sample.Timestamp.Format(time.RFC3339), modemUUID)
	}
	ser.lastRaw = sample.Timestamp

	if err := s.persistSample(modemUUID, sample); err != nil {
		return err
	}
	s.consolidateLocked(modemUUID, ser, time.Now())
	return nil
}

func (s *Store) persistSample(modemUUID string, sample *pkg.Sample) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket([]byte(fineBucket)).CreateBucketIfNotExists([]byte(modemUUID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(sample)
		if err != nil {
			return err
		}
		return b.Put(tsKey(sample.Timestamp), data)
	})
}

// consolidateLocked moves raw samples older than the fine window into
// coarse buckets and evicts buckets past total retention
func (s *Store) consolidateLocked(modemUUID string, ser *series, now time.Time) {
	fineCutoff := now.Add(-s.opts.FineWindow)

	var expired []*pkg.Sample
	keep := 0
	for _, sample := range ser.fine {
		if sample.Timestamp.Before(fineCutoff) {
			expired = append(expired, sample)
		} else {
			ser.fine[keep] = sample
			keep++
		}
	}
	if len(expired) == 0 && len(ser.coarse) == 0 {
		return
	}
	ser.fine = ser.fine[:keep]

	dirty := map[time.Time]*Bucket{}
	for _, sample := range expired {
		start := sample.Timestamp.Truncate(s.opts.BucketResolution)
		b := s.findOrAddBucket(ser, start)
		b.absorb(sample)
		dirty[start] = b
	}

	// Evict buckets beyond total retention
	totalCutoff := now.Add(-s.opts.TotalRetention)
	var evicted []time.Time
	keep = 0
	for _, b := range ser.coarse {
		if b.Start.Add(s.opts.BucketResolution).Before(totalCutoff) {
			evicted = append(evicted, b.Start)
		} else {
			ser.coarse[keep] = b
			keep++
		}
	}
	ser.coarse = ser.coarse[:keep]

	if err := s.persistConsolidation(modemUUID, expired, dirty, evicted); err != nil {
		s.logger.Warn("Failed to persist consolidation", "modem", modemUUID, "error", err)
	}
}

func (s *Store) findOrAddBucket(ser *series, start time.Time) *Bucket {
	i := sort.Search(len(ser.coarse), func(i int) bool {
		return !ser.coarse[i].Start.Before(start)
	})
	if i < len(ser.coarse) && ser.coarse[i].Start.Equal(start) {
		return ser.coarse[i]
	}
	b := &Bucket{Start: start}
	ser.coarse = append(ser.coarse, nil)
	copy(ser.coarse[i+1:], ser.coarse[i:])
	ser.coarse[i] = b
	return b
}

func (s *Store) persistConsolidation(modemUUID string, expired []*pkg.Sample, dirty map[time.Time]*Bucket, evicted []time.Time) error {
	if len(expired) == 0 && len(dirty) == 0 && len(evicted) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		fb := tx.Bucket([]byte(fineBucket)).Bucket([]byte(modemUUID))
		if fb != nil {
			for _, sample := range expired {
				if err := fb.Delete(tsKey(sample.Timestamp)); err != nil {
					return err
				}
			}
		}
		cb, err := tx.Bucket([]byte(coarseBucket)).CreateBucketIfNotExists([]byte(modemUUID))
		if err != nil {
			return err
		}
		for start, b := range dirty {
			data, err := json.Marshal(b)
			if err != nil {
				return err
			}
			if err := cb.Put(tsKey(start), data); err != nil {
				return err
			}
		}
		for _, start := range evicted {
			if err := cb.Delete(tsKey(start)); err != nil {
				return err
			}
		}
		return nil
	})
}

// absorb folds a sample into the bucket aggregates: gauges accumulate for
// averaging, counters sum
func (b *Bucket) absorb(sample *pkg.Sample) {
	b.Count++
	if sample.RSSI != nil {
		b.RSSISum += *sample.RSSI
		b.RSSIN++
	}
	if sample.RSRP != nil {
		b.RSRPSum += *sample.RSRP
		b.RSRPN++
	}
	if sample.RSRQ != nil {
		b.RSRQSum += *sample.RSRQ
		b.RSRQN++
	}
	if sample.SINR != nil {
		b.SINRSum += *sample.SINR
		b.SINRN++
	}
	b.RxDelta += sample.RxDelta
	b.TxDelta += sample.TxDelta
	if sample.Status == pkg.StatusConnected {
		b.ConnectedN++
	}
}

// render converts a bucket back into a sample for cross-tier queries
func (b *Bucket) render() *pkg.Sample {
	sample := &pkg.Sample{
		Timestamp: b.Start,
		RxDelta:   b.RxDelta,
		TxDelta:   b.TxDelta,
		Status:    pkg.StatusUnknown,
	}
	if b.Count > 0 && b.ConnectedN*2 >= b.Count {
		sample.Status = pkg.StatusConnected
	} else if b.Count > 0 {
		sample.Status = pkg.StatusDisconnected
	}
	if b.RSSIN > 0 {
		v := b.RSSISum / float64(b.RSSIN)
		sample.RSSI = &v
	}
	if b.RSRPN > 0 {
		v := b.RSRPSum / float64(b.RSRPN)
		sample.RSRP = &v
	}
	if b.RSRQN > 0 {
		v := b.RSRQSum / float64(b.RSRQN)
		sample.RSRQ = &v
	}
	if b.SINRN > 0 {
		v := b.SINRSum / float64(b.SINRN)
		sample.SINR = &v
	}
	return sample
}

// Query returns samples for [start, end] in timestamp order, resolving
// across tiers: consolidated buckets for the older range, raw samples for
// the fine window. Gaps stay gaps; nothing is interpolated. A resolution
// coarser than the native one re-aggregates on the fly.
func (s *Store) Query(modemUUID string, start, end time.Time, resolution time.Duration) ([]*pkg.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[modemUUID]
	if !ok {
		return nil, nil
	}

	var out []*pkg.Sample
	for _, b := range ser.coarse {
		bucketEnd := b.Start.Add(s.opts.BucketResolution)
		if bucketEnd.Before(start) || b.Start.After(end) {
			continue
		}
		out = append(out, b.render())
	}
	for _, sample := range ser.fine {
		if sample.Timestamp.Before(start) || sample.Timestamp.After(end) {
			continue
		}
		out = append(out, sample)
	}

	if resolution > s.opts.BucketResolution {
		out = reaggregate(out, resolution)
	}
	return out, nil
}

// reaggregate folds already-ordered samples into wider buckets
func reaggregate(samples []*pkg.Sample, resolution time.Duration) []*pkg.Sample {
	if len(samples) == 0 {
		return samples
	}
	var out []*pkg.Sample
	var cur *Bucket
	for _, sample := range samples {
		start := sample.Timestamp.Truncate(resolution)
		if cur == nil || !cur.Start.Equal(start) {
			if cur != nil {
				out = append(out, cur.render())
			}
			cur = &Bucket{Start: start}
		}
		cur.absorb(sample)
	}
	out = append(out, cur.render())
	return out
}

// Last returns the newest sample for a modem, or nil when none exists
func (s *Store) Last(modemUUID string) *pkg.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.series[modemUUID]
	if !ok || len(ser.fine) == 0 {
		return nil
	}
	cp := *ser.fine[len(ser.fine)-1]
	return &cp
}

// SaveCounters durably records the last cumulative counters for a modem
func (s *Store) SaveCounters(modemUUID string, state CounterState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(countersBucket)).Put([]byte(modemUUID), data)
	})
}

// LoadCounters returns the last saved counter state, or nil when absent
func (s *Store) LoadCounters(modemUUID string) (*CounterState, error) {
	var state *CounterState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(countersBucket)).Get([]byte(modemUUID))
		if data == nil {
			return nil
		}
		var cs CounterState
		if err := json.Unmarshal(data, &cs); err != nil {
			return err
		}
		state = &cs
		return nil
	})
	return state, err
}

// Consolidate runs retention maintenance for every series. The supervisor
// calls this periodically; Append also triggers it opportunistically.
func (s *Store) Consolidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, ser := range s.series {
		s.consolidateLocked(id, ser, now)
	}
}

// Drop removes all data for a modem, used when a modem is deleted from the
// configuration
func (s *Store) Drop(modemUUID string) error {
	s.mu.Lock()
	delete(s.series, modemUUID)
	s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{fineBucket, coarseBucket} {
			if b := tx.Bucket([]byte(name)); b.Bucket([]byte(modemUUID)) != nil {
				if err := b.DeleteBucket([]byte(modemUUID)); err != nil {
					return err
				}
			}
		}
		return tx.Bucket([]byte(countersBucket)).Delete([]byte(modemUUID))
	})
}

// Flush syncs the database to disk; called on shutdown before exit
func (s *Store) Flush() error {
	return s.db.Sync()
}

// Close flushes and closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// tsKey encodes a timestamp as a big-endian sortable key
func tsKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}
