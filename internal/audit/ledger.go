// Package audit persists every classification verdict so a campaign's
// valid and rejected sets can be recomputed and checked after the fact.
// Entries of one record form a hash chain.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/crowdq/internal/tracing"

	_ "modernc.org/sqlite"
)

var (
	ErrChainBroken     = errors.New("audit chain is broken")
	ErrVerdictMismatch = errors.New("stored verdict disagrees with score and threshold")
)

type Entry struct {
	Seq          int64     `json:"seq"`
	RecordID     string    `json:"recordId"`
	ResponseID   string    `json:"responseId"`
	WorkerID     string    `json:"workerId"`
	TaskID       string    `json:"taskId"`
	SubmissionID string    `json:"submissionId"`
	Classifier   string    `json:"classifier"`
	Score        float64   `json:"score"`
	Threshold    float64   `json:"threshold"`
	Valid        bool      `json:"valid"`
	TraceParent  string    `json:"traceParent,omitempty"`
	At           time.Time `json:"at"`
	PrevHash     string    `json:"prevHash"`
	Hash         string    `json:"hash"`
}

// digest covers every field except Seq and Hash.
func (e *Entry) digest() string {
	h := sha256.New()
	fields := []string{
		e.PrevHash,
		e.RecordID,
		e.ResponseID,
		e.WorkerID,
		e.TaskID,
		e.SubmissionID,
		e.Classifier,
		strconv.FormatFloat(e.Score, 'g', -1, 64),
		strconv.FormatFloat(e.Threshold, 'g', -1, 64),
		strconv.FormatBool(e.Valid),
		e.At.UTC().Format(time.RFC3339Nano),
	}
	h.Write([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

type Ledger interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	List(ctx context.Context, recordID string) ([]Entry, error)
	// Verify walks the chain of recordID and re-checks every verdict.
	Verify(ctx context.Context, recordID string) (int, error)
	Close() error
}

type SQLLedger struct {
	db  *sql.DB
	now func() time.Time
	// mu orders appends so each entry links to the latest hash.
	mu sync.Mutex
}

// Open opens a SQLite ledger at dsn, e.g. "file:audit.db" or ":memory:".
func Open(dsn string) (*SQLLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	l, err := NewSQLLedger(db, nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func NewSQLLedger(db *sql.DB, now func() time.Time) (*SQLLedger, error) {
	if now == nil {
		now = time.Now
	}
	l := &SQLLedger{db: db, now: now}
	if err := l.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return l, nil
}

func (l *SQLLedger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS classifications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		response_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		submission_id TEXT NOT NULL,
		classifier TEXT NOT NULL,
		score REAL NOT NULL,
		threshold REAL NOT NULL,
		valid INTEGER NOT NULL,
		trace_parent TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_classifications_record ON classifications (record_id, seq)`)
	return err
}

func (l *SQLLedger) Append(ctx context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var prev string
	err := l.db.QueryRowContext(ctx,
		`SELECT hash FROM classifications WHERE record_id = ? ORDER BY seq DESC LIMIT 1`, e.RecordID,
	).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("read chain head: %w", err)
	}

	if e.At.IsZero() {
		e.At = l.now()
	}
	e.At = e.At.UTC()
	if e.TraceParent == "" {
		e.TraceParent, _ = tracing.TraceContextStrings(ctx)
	}
	e.PrevHash = prev
	e.Hash = e.digest()

	res, err := l.db.ExecContext(ctx, `INSERT INTO classifications (
		record_id, response_id, worker_id, task_id, submission_id, classifier, score, threshold, valid, trace_parent, at, prev_hash, hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RecordID, e.ResponseID, e.WorkerID, e.TaskID, e.SubmissionID, e.Classifier,
		e.Score, e.Threshold, boolInt(e.Valid), e.TraceParent, e.At.Format(time.RFC3339Nano), e.PrevHash, e.Hash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert classification: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.Seq = id
	}
	return e, nil
}

func (l *SQLLedger) List(ctx context.Context, recordID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, record_id, response_id, worker_id, task_id, submission_id, classifier, score, threshold, valid, trace_parent, at, prev_hash, hash
		FROM classifications
		WHERE record_id = ?
		ORDER BY seq ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list classifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			valid int
			at    string
		)
		if err := rows.Scan(&e.Seq, &e.RecordID, &e.ResponseID, &e.WorkerID, &e.TaskID, &e.SubmissionID,
			&e.Classifier, &e.Score, &e.Threshold, &valid, &e.TraceParent, &at, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan classification: %w", err)
		}
		e.Valid = valid != 0
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse classification time %q: %w", at, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *SQLLedger) Verify(ctx context.Context, recordID string) (int, error) {
	entries, err := l.List(ctx, recordID)
	if err != nil {
		return 0, err
	}
	prev := ""
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prev || e.digest() != e.Hash {
			return i, fmt.Errorf("entry %d (response %s): %w", e.Seq, e.ResponseID, ErrChainBroken)
		}
		if e.Valid != (e.Score >= e.Threshold) {
			return i, fmt.Errorf("entry %d (response %s): %w", e.Seq, e.ResponseID, ErrVerdictMismatch)
		}
		prev = e.Hash
	}
	return len(entries), nil
}

func (l *SQLLedger) Close() error { return l.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
