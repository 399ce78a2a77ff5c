package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/shellbot/internal/output"
	"github.com/mattjoyce/shellbot/internal/supervisor"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// maxChunkText bounds a stored chunk; chunks are already line sized.
const maxChunkText = 16 * 1024

// Store records invocations in SQLite.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ supervisor.Recorder = (*Store)(nil)

// CommandFingerprint identifies a command text independent of who ran it.
func CommandFingerprint(command string) string {
	sum := blake3.Sum256([]byte(command))
	return "blake3:" + hex.EncodeToString(sum[:])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

// Start inserts the invocation row.
func (s *Store) Start(ctx context.Context, r supervisor.Report) error {
	if r.ID == "" {
		return fmt.Errorf("invocation id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO invocation_log(
  id, command, fingerprint, requester, channel, transport, state, started_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.Command, CommandFingerprint(r.Command), r.Requester, r.Channel, nullString(r.Transport), string(r.State), formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// AppendOutput stores one delivered chunk.
func (s *Store) AppendOutput(ctx context.Context, invocationID string, c output.Chunk) error {
	text := c.Text
	if len(text) > maxChunkText {
		text = text[:maxChunkText]
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO invocation_output(invocation_id, seq, text, final, created_at)
VALUES(?, ?, ?, ?, ?);
`, invocationID, c.Seq, text, c.Final, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert output %d: %w", c.Seq, err)
	}
	return nil
}

// Finish writes the final report. An invocation that was never started in
// this store is inserted whole.
func (s *Store) Finish(ctx context.Context, r supervisor.Report) error {
	if r.ID == "" {
		return fmt.Errorf("invocation id is empty")
	}
	var exitCode any
	if r.ExitCode != nil {
		exitCode = *r.ExitCode
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO invocation_log(
  id, command, fingerprint, requester, channel, transport, state, exit_code, signal, error,
  status_line, truncate_reason, bytes_read, chunks_delivered, bytes_delivered, lines_trimmed,
  sink_errors, started_at, ended_at, duration_ms
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  state = excluded.state,
  exit_code = excluded.exit_code,
  signal = excluded.signal,
  error = excluded.error,
  status_line = excluded.status_line,
  truncate_reason = excluded.truncate_reason,
  bytes_read = excluded.bytes_read,
  chunks_delivered = excluded.chunks_delivered,
  bytes_delivered = excluded.bytes_delivered,
  lines_trimmed = excluded.lines_trimmed,
  sink_errors = excluded.sink_errors,
  ended_at = excluded.ended_at,
  duration_ms = excluded.duration_ms;
`,
		r.ID, r.Command, CommandFingerprint(r.Command), r.Requester, r.Channel, nullString(r.Transport),
		string(r.State), exitCode, nullString(r.Signal), nullString(r.Error),
		nullString(r.Status), nullString(r.TruncateReason), r.BytesRead, r.ChunksDelivered,
		r.BytesDelivered, r.LinesTrimmed, r.SinkErrors, formatTime(r.StartedAt), formatTime(r.EndedAt), r.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("finish invocation: %w", err)
	}
	return nil
}

const selectColumns = `
  id, command, fingerprint, requester, channel, transport, state, exit_code, signal, error,
  status_line, truncate_reason, bytes_read, chunks_delivered, bytes_delivered, lines_trimmed,
  sink_errors, started_at, ended_at, duration_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec            Record
		transport      sql.NullString
		state          string
		exitCode       sql.NullInt64
		signal         sql.NullString
		errText        sql.NullString
		statusLine     sql.NullString
		truncateReason sql.NullString
		startedAtS     string
		endedAtS       sql.NullString
		durationMS     sql.NullInt64
	)
	err := row.Scan(
		&rec.ID, &rec.Command, &rec.Fingerprint, &rec.Requester, &rec.Channel, &transport, &state,
		&exitCode, &signal, &errText, &statusLine, &truncateReason, &rec.BytesRead,
		&rec.ChunksDelivered, &rec.BytesDelivered, &rec.LinesTrimmed, &rec.SinkErrors,
		&startedAtS, &endedAtS, &durationMS,
	)
	if err != nil {
		return nil, err
	}

	rec.State = supervisor.State(state)
	rec.Transport = transport.String
	rec.Signal = signal.String
	rec.Error = errText.String
	rec.Status = statusLine.String
	rec.TruncateReason = truncateReason.String
	rec.Truncated = rec.TruncateReason != "" || rec.LinesTrimmed > 0
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if t, err := time.Parse(timeLayout, startedAtS); err == nil {
		rec.StartedAt = t
	}
	if endedAtS.Valid {
		if t, err := time.Parse(timeLayout, endedAtS.String); err == nil {
			rec.EndedAt = t
		}
		rec.Finished = true
	}
	rec.DurationMS = durationMS.Int64
	return &rec, nil
}

// Get returns one invocation and its output.
func (s *Store) Get(ctx context.Context, id string) (*Detail, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT`+selectColumns+`
FROM invocation_log
WHERE id = ?;
`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load invocation %s: %w", id, err)
	}

	chunks, err := s.Output(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Record: *rec, Output: chunks}, nil
}

// Output returns the delivered chunks of an invocation in sequence order.
func (s *Store) Output(ctx context.Context, id string) ([]output.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, text, final
FROM invocation_output
WHERE invocation_id = ?
ORDER BY seq ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("load output %s: %w", id, err)
	}
	defer rows.Close()

	chunks := []output.Chunk{}
	for rows.Next() {
		var c output.Chunk
		if err := rows.Scan(&c.Seq, &c.Text, &c.Final); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// List returns invocations newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Requester != "" {
		where = append(where, "requester = ?")
		args = append(args, f.Requester)
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Fingerprint != "" {
		where = append(where, "fingerprint = ?")
		args = append(args, f.Fingerprint)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT` + selectColumns + "\nFROM invocation_log"
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY started_at DESC, rowid DESC\nLIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// RecoverOrphans closes rows that never received a final report, which
// only happens when the process died mid-invocation. It returns the number
// of rows closed.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
UPDATE invocation_log
SET state = ?, error = ?, ended_at = ?
WHERE ended_at IS NULL;
`, string(supervisor.StateFailed), orphanError, now)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return int(n), nil
}

// Prune deletes finished invocations that ended more than retention ago,
// together with their output.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-retention))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM invocation_output
WHERE invocation_id IN (
  SELECT id FROM invocation_log WHERE ended_at IS NOT NULL AND ended_at < ?
);
`, cutoff); err != nil {
		return 0, fmt.Errorf("prune output: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
DELETE FROM invocation_log
WHERE ended_at IS NOT NULL AND ended_at < ?;
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return int(n), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
