package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const defaultDBName = "journal.db"

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	op TEXT NOT NULL,
	project_id TEXT,
	task_id TEXT,
	payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts);
`

// Entry is one recorded mutation. Seq is the insertion order and is the
// cursor for incremental readers.
type Entry struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Op        string         `json:"op"`
	ProjectID string         `json:"project_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Journal is an append-only audit trail of mutations. It observes and never
// gates: by the time an entry lands here the store file is already written,
// so append failures are logged and swallowed.
type Journal struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *log.Logger
}

// DefaultPath returns the journal path inside a workspace.
func DefaultPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".taskline", defaultDBName)
}

// Open opens the journal database, bootstrapping the schema on first use.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bootstrap journal schema: %w", err)
	}
	return &Journal{DB: conn, Now: time.Now}, nil
}

func (j *Journal) Close() error { return j.DB.Close() }

// Record appends one entry, swallowing (but logging) failures.
func (j *Journal) Record(ctx context.Context, op, projectID, taskID string, payload map[string]any) {
	if err := j.Append(ctx, op, projectID, taskID, payload); err != nil {
		j.logf("journal: record %s: %v", op, err)
	}
}

// Append appends one entry and reports failures to the caller.
func (j *Journal) Append(ctx context.Context, op, projectID, taskID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal journal payload: %w", err)
	}
	ts := j.now().UTC().Format(time.RFC3339)
	_, err = j.DB.ExecContext(ctx, `INSERT INTO entries(id,ts,op,project_id,task_id,payload_json) VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), ts, op, nullable(projectID), nullable(taskID), string(data))
	return err
}

// Recent returns the latest n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	return j.query(ctx,
		`SELECT rowid, id, ts, op, COALESCE(project_id,''), COALESCE(task_id,''), payload_json
		 FROM entries ORDER BY ts DESC, rowid DESC LIMIT ?`, n)
}

// Since returns up to limit entries recorded after the given cursor, oldest
// first.
func (j *Journal) Since(ctx context.Context, cursor int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return j.query(ctx,
		`SELECT rowid, id, ts, op, COALESCE(project_id,''), COALESCE(task_id,''), payload_json
		 FROM entries WHERE rowid > ? ORDER BY rowid ASC LIMIT ?`, cursor, limit)
}

// LatestSeq returns the cursor of the newest entry, or 0 on an empty journal.
func (j *Journal) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := j.DB.QueryRowContext(ctx, `SELECT MAX(rowid) FROM entries`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var payloadJSON string
		if err := rows.Scan(&e.Seq, &e.ID, &e.TS, &e.Op, &e.ProjectID, &e.TaskID, &payloadJSON); err != nil {
			return nil, err
		}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode journal payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

func (j *Journal) logf(format string, args ...any) {
	if j.Logger != nil {
		j.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
