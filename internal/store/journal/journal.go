package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Event names recorded in the journal.
const (
	EventSubmit         = "submit"
	EventAck            = "ack"
	EventReject         = "reject"
	EventAckTimeout     = "ack_timeout"
	EventClose          = "close"
	EventCancel         = "cancel"
	EventReconcileClose = "reconcile_close"
	EventOrphan         = "orphan"
	EventCycleOpen      = "cycle_open"
	EventCycleStatus    = "cycle_status"
	EventCycleClose     = "cycle_close"
	EventHedgeFailed    = "hedge_failed"
)

// Journal is an append-only record of every venue interaction and cycle
// transition, kept in its own SQLite file so trading history survives
// whatever happens to the main database.
type Journal struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Entry is one journal row. Timestamps are unix milliseconds.
type Entry struct {
	ID            int64          `json:"id"`
	Timestamp     int64          `json:"ts"`
	Event         string         `json:"event"`
	CycleID       string         `json:"cycle_id,omitempty"`
	Ticket        int64          `json:"ticket,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Symbol        string         `json:"symbol,omitempty"`
	Side          string         `json:"side,omitempty"`
	Volume        float64        `json:"volume,omitempty"`
	Price         float64        `json:"price,omitempty"`
	Retcode       int            `json:"retcode,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     int64          `json:"created_at"`
}

// Query filters journal reads.
type Query struct {
	CycleID string
	Symbol  string
	Event   string
	Since   int64
	Limit   int
	Offset  int
}

// NewJournal initializes the SQLite-backed journal.
func NewJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureJournalSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, path: path}, nil
}

// Close closes the underlying DB.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func ensureJournalSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS venue_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			event TEXT NOT NULL,
			cycle_id TEXT,
			ticket INTEGER,
			symbol TEXT,
			side TEXT,
			volume REAL,
			price REAL,
			detail_json TEXT,
			error TEXT,
			created_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_journal_ts ON venue_journal(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_cycle ON venue_journal(cycle_id);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_event ON venue_journal(event);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return ensureJournalColumns(db)
}

func ensureJournalColumns(db *sql.DB) error {
	cols := []struct {
		table  string
		column string
		typ    string
	}{
		{"venue_journal", "correlation_id", "TEXT"},
		{"venue_journal", "retcode", "INTEGER"},
	}
	for _, col := range cols {
		if err := addColumnIfMissing(db, col.table, col.column, col.typ); err != nil {
			return err
		}
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	query := fmt.Sprintf("PRAGMA table_info(%s)", table)
	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			exists = true
			break
		}
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ)
	_, err = db.Exec(stmt)
	return err
}

// Record appends one entry. Journal failures never block trading, so the
// caller typically logs and drops the error.
func (j *Journal) Record(ctx context.Context, entry Entry) (int64, error) {
	j.mu.Lock()
	db := j.db
	j.mu.Unlock()
	if db == nil {
		return 0, fmt.Errorf("journal not initialized")
	}
	ts := entry.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	detail := ""
	if len(entry.Detail) > 0 {
		if b, err := json.Marshal(entry.Detail); err == nil {
			detail = string(b)
		}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO venue_journal
			(ts, event, cycle_id, ticket, symbol, side, volume, price,
			 detail_json, error, correlation_id, retcode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts,
		strings.TrimSpace(entry.Event),
		strings.TrimSpace(entry.CycleID),
		entry.Ticket,
		strings.ToUpper(strings.TrimSpace(entry.Symbol)),
		strings.TrimSpace(entry.Side),
		entry.Volume,
		entry.Price,
		detail,
		strings.TrimSpace(entry.Error),
		strings.TrimSpace(entry.CorrelationID),
		entry.Retcode,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns entries matching the query, newest first.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	j.mu.Lock()
	db := j.db
	j.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("journal not initialized")
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if cid := strings.TrimSpace(q.CycleID); cid != "" {
		where = append(where, "cycle_id = ?")
		args = append(args, cid)
	}
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		where = append(where, "symbol = ?")
		args = append(args, sym)
	}
	if evt := strings.TrimSpace(q.Event); evt != "" {
		where = append(where, "event = ?")
		args = append(args, evt)
	}
	if q.Since > 0 {
		where = append(where, "ts >= ?")
		args = append(args, q.Since)
	}
	query := `SELECT id, ts, event, cycle_id, ticket, symbol, side, volume, price,
		detail_json, error, correlation_id, retcode, created_at FROM venue_journal`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var cycleID, symbol, side, detail, errText, corr sql.NullString
		var ticket sql.NullInt64
		var volume, price sql.NullFloat64
		var retcode sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Event, &cycleID, &ticket, &symbol, &side,
			&volume, &price, &detail, &errText, &corr, &retcode, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CycleID = cycleID.String
		e.Ticket = ticket.Int64
		e.Symbol = symbol.String
		e.Side = side.String
		e.Volume = volume.Float64
		e.Price = price.Float64
		e.Error = errText.String
		e.CorrelationID = corr.String
		e.Retcode = int(retcode.Int64)
		if detail.Valid && detail.String != "" {
			_ = json.Unmarshal([]byte(detail.String), &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
