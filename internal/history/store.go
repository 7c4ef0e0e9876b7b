// Package history keeps a SQLite ledger of verification runs. Each row
// carries the blake3 checksum of the JSON report written for the run and a
// zstd-compressed copy of the result, so reports can be re-rendered and
// checked for tampering later.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	_ "modernc.org/sqlite"

	"github.com/snapverify-project/snapverify/pkg/model"
)

// ErrRunNotFound is returned when no run matches an id or prefix.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	run_id          TEXT PRIMARY KEY,
	agent_id        TEXT NOT NULL,
	agent_name      TEXT NOT NULL DEFAULT '',
	snapshot_id     TEXT NOT NULL DEFAULT '',
	vm_id           TEXT NOT NULL DEFAULT '',
	success         INTEGER NOT NULL,
	failure_code    TEXT NOT NULL DEFAULT '',
	final_state     TEXT NOT NULL DEFAULT '',
	steps           INTEGER NOT NULL DEFAULT 0,
	succeeded       INTEGER NOT NULL DEFAULT 0,
	started_at      INTEGER NOT NULL,
	ended_at        INTEGER NOT NULL,
	report_path     TEXT NOT NULL DEFAULT '',
	report_checksum TEXT NOT NULL DEFAULT '',
	result          BLOB
);
CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`

// Entry is one row of the ledger.
type Entry struct {
	RunID          string          `json:"run_id"`
	AgentID        string          `json:"agent_id"`
	AgentName      string          `json:"agent_name,omitempty"`
	SnapshotID     string          `json:"snapshot_id,omitempty"`
	VMID           string          `json:"vm_id,omitempty"`
	Success        bool            `json:"success"`
	FailureCode    string          `json:"failure_code,omitempty"`
	FinalState     model.State     `json:"final_state"`
	Steps          int             `json:"steps"`
	Succeeded      int             `json:"succeeded"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        time.Time       `json:"ended_at"`
	ReportPath     string          `json:"report_path,omitempty"`
	ReportChecksum model.HashValue `json:"report_checksum,omitempty"`
}

// Duration is the wall time of the run.
func (e Entry) Duration() time.Duration { return e.EndedAt.Sub(e.StartedAt) }

// Store is the run ledger.
type Store struct {
	db  *sql.DB
	log logr.Logger
}

// Open opens or creates the ledger at path.
func Open(ctx context.Context, path string, log logr.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished run. paths are the report artifacts; the first
// .json path is checksummed.
func (s *Store) Record(ctx context.Context, res *model.VerificationResult, paths []string) error {
	blob, err := compressResult(res)
	if err != nil {
		return err
	}
	var reportPath string
	var sum model.HashValue
	for _, p := range paths {
		if strings.HasSuffix(p, ".json") {
			reportPath = p
			break
		}
	}
	if reportPath != "" {
		if sum, err = ChecksumFile(reportPath); err != nil {
			return fmt.Errorf("checksum report: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs(
		run_id, agent_id, agent_name, snapshot_id, vm_id, success, failure_code, final_state,
		steps, succeeded, started_at, ended_at, report_path, report_checksum, result)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.RunID, res.Agent.ID, res.Agent.DisplayName(), res.SnapshotID, res.VMID, res.Success,
		res.FailureCode, string(res.FinalState), len(res.Actions), res.SuccessCount(),
		res.StartedAt.UnixNano(), res.EndedAt.UnixNano(), reportPath, string(sum), blob)
	if err != nil {
		return fmt.Errorf("record run %s: %w", res.RunID, err)
	}
	s.log.V(1).Info("run recorded", "run", res.RunID, "report", reportPath)
	return nil
}

// Filter narrows List.
type Filter struct {
	AgentID    string
	FailedOnly bool
	Since      time.Time
	Limit      int
}

const entryColumns = `run_id, agent_id, agent_name, snapshot_id, vm_id, success, failure_code, final_state,
	steps, succeeded, started_at, ended_at, report_path, report_checksum`

// List returns runs newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.FailedOnly {
		where = append(where, "success = 0")
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	q := "SELECT " + entryColumns + " FROM runs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, run_id DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the run whose id equals or uniquely starts with idOrPrefix.
func (s *Store) Get(ctx context.Context, idOrPrefix string) (Entry, error) {
	if idOrPrefix == "" {
		return Entry{}, ErrRunNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM runs WHERE run_id = ? OR substr(run_id, 1, ?) = ? ORDER BY run_id LIMIT 2",
		idOrPrefix, len(idOrPrefix), idOrPrefix)
	if err != nil {
		return Entry{}, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()
	var found []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Entry{}, err
		}
		if e.RunID == idOrPrefix {
			return e, nil
		}
		found = append(found, e)
	}
	if err := rows.Err(); err != nil {
		return Entry{}, err
	}
	switch len(found) {
	case 0:
		return Entry{}, fmt.Errorf("%w: %s", ErrRunNotFound, idOrPrefix)
	case 1:
		return found[0], nil
	default:
		return Entry{}, fmt.Errorf("ambiguous run id prefix %q", idOrPrefix)
	}
}

// Result returns the stored verification result of a run.
func (s *Store) Result(ctx context.Context, runID string) (*model.VerificationResult, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT result FROM runs WHERE run_id = ?", runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return decompressResult(blob)
}

// Prune deletes runs that started before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var state, sum string
	var started, ended int64
	if err := row.Scan(&e.RunID, &e.AgentID, &e.AgentName, &e.SnapshotID, &e.VMID, &e.Success,
		&e.FailureCode, &state, &e.Steps, &e.Succeeded, &started, &ended, &e.ReportPath, &sum); err != nil {
		return Entry{}, fmt.Errorf("scan run: %w", err)
	}
	e.FinalState = model.State(state)
	e.ReportChecksum = model.HashValue(sum)
	e.StartedAt = time.Unix(0, started).UTC()
	e.EndedAt = time.Unix(0, ended).UTC()
	return e, nil
}
