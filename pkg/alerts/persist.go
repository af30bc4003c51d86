package alerts

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opnmodem/hilinkd/pkg"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id              TEXT PRIMARY KEY,
	modem_uuid      TEXT NOT NULL,
	type            TEXT NOT NULL,
	severity        TEXT NOT NULL,
	state           TEXT NOT NULL,
	message         TEXT NOT NULL,
	raised_at       INTEGER NOT NULL,
	acknowledged_at INTEGER,
	resolved_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_alerts_modem ON alerts(modem_uuid, state);
`

// Store persists alerts in a local SQLite database so alert history and
// open alerts survive a daemon restart.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the alert database at the given path
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open alert database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize alert schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error { return s.db.Close() }

// Save inserts or updates one alert
func (s *Store) Save(a *pkg.Alert) error {
	_, err := s.db.Exec(`
		INSERT INTO alerts (id, modem_uuid, type, severity, state, message, raised_at, acknowledged_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			state = excluded.state,
			message = excluded.message,
			acknowledged_at = excluded.acknowledged_at,
			resolved_at = excluded.resolved_at`,
		a.ID, a.ModemUUID, string(a.Type), string(a.Severity), string(a.State),
		a.Message, a.RaisedAt.UnixNano(), nanosOrNil(a.AcknowledgedAt), nanosOrNil(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

// Load returns alerts for one modem, newest first. When activeOnly is set,
// resolved alerts are skipped. An empty modemUUID matches every modem.
func (s *Store) Load(modemUUID string, activeOnly bool) ([]*pkg.Alert, error) {
	query := `SELECT id, modem_uuid, type, severity, state, message, raised_at, acknowledged_at, resolved_at
		FROM alerts WHERE (? = '' OR modem_uuid = ?)`
	if activeOnly {
		query += ` AND state != 'resolved'`
	}
	query += ` ORDER BY raised_at DESC`

	rows, err := s.db.Query(query, modemUUID, modemUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []*pkg.Alert
	for rows.Next() {
		var a pkg.Alert
		var typ, sev, state string
		var raised int64
		var acked, resolved sql.NullInt64
		if err := rows.Scan(&a.ID, &a.ModemUUID, &typ, &sev, &state, &a.Message, &raised, &acked, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		a.Type = pkg.AlertType(typ)
		a.Severity = pkg.Severity(sev)
		a.State = pkg.AlertState(state)
		a.RaisedAt = time.Unix(0, raised)
		a.AcknowledgedAt = timeOrNil(acked)
		a.ResolvedAt = timeOrNil(resolved)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Get returns one alert by id, or nil when it does not exist
func (s *Store) Get(id string) (*pkg.Alert, error) {
	alerts, err := s.Load("", false)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, nil
}

// Prune deletes resolved alerts older than the cutoff
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM alerts WHERE state = 'resolved' AND resolved_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune alerts: %w", err)
	}
	return res.RowsAffected()
}

func nanosOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
