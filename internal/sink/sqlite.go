package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/httpapi"
	"github.com/you/holochat-metrics/internal/ingesttrace"
)

const schema = `CREATE TABLE IF NOT EXISTS events (
  video_id TEXT NOT NULL,
  id TEXT NOT NULL,
  ts TEXT NOT NULL,
  offset_s INTEGER NOT NULL DEFAULT 0,
  type TEXT NOT NULL,
  author_id TEXT NOT NULL DEFAULT '',
  author_name TEXT NOT NULL DEFAULT '',
  author_type TEXT NOT NULL DEFAULT 'other',
  message TEXT NOT NULL DEFAULT '',
  amount REAL NOT NULL DEFAULT 0,
  currency TEXT NOT NULL DEFAULT '',
  jpy REAL NOT NULL DEFAULT 0,
  tier INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (video_id, id)
);
CREATE INDEX IF NOT EXISTS events_ts ON events(ts);`

// tsLayout keeps fractional seconds fixed width so text order is time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const columns = "video_id, id, ts, offset_s, type, author_id, author_name, author_type, message, amount, currency, jpy, tier"

// Journal is the SQLite record of notable events.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal at path and brings its
// schema up to date.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	ctx := context.Background()
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply pragmas")
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Write inserts rec. A record already journaled under the same video and id
// is left untouched.
func (j *Journal) Write(rec core.Record, trace *ingesttrace.Trace) error {
	if _, err := j.db.Exec(insertEvent, insertArgs(rec)...); err != nil {
		trace.IncCounter(ingesttrace.StageDropped("journal"))
		return errors.Wrap(err, "insert event")
	}
	trace.IncCounter(ingesttrace.StageJournaled)
	return nil
}

// WriteBatch inserts entries in one transaction. Nothing is kept when any
// insert fails.
func (j *Journal) WriteBatch(entries []Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := j.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.Prepare(insertEvent)
	if err != nil {
		return errors.Wrap(err, "prepare batch")
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err = stmt.Exec(insertArgs(e.Record)...); err != nil {
			return errors.Wrapf(err, "insert event %s/%s", e.Record.VideoID, e.Record.ID)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit batch")
	}
	for _, e := range entries {
		e.Trace.IncCounter(ingesttrace.StageJournaled)
	}
	return nil
}

const insertEvent = `INSERT INTO events (` + columns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(video_id, id) DO NOTHING;`

func insertArgs(rec core.Record) []any {
	return []any{rec.VideoID, rec.ID, rec.Timestamp.UTC().Format(tsLayout), rec.Offset, string(rec.Type),
		rec.AuthorID, rec.AuthorName, nz(string(rec.AuthorType), string(core.AuthorOther)),
		rec.Message, rec.Amount, rec.Currency, rec.JPY, rec.Tier}
}

func nz(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (j *Journal) Ping() error {
	return j.db.Ping()
}

func (j *Journal) String() string {
	return fmt.Sprintf("Journal{%p}", j.db)
}

// Recent returns up to limit events of videoID, newest first.
func (j *Journal) Recent(ctx context.Context, videoID string, limit int) ([]core.Record, error) {
	return j.ListEvents(ctx, httpapi.Filters{VideoIDs: []string{videoID}, Limit: limit, Order: httpapi.OrderDesc})
}

func (j *Journal) CountEvents(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildEventQuery(filters, true)
	var n int64
	if err := j.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (j *Journal) ListEvents(ctx context.Context, filters httpapi.Filters) ([]core.Record, error) {
	query, args := buildEventQuery(filters, false)
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		var (
			rec                 core.Record
			ts, typ, authorType string
		)
		if err := rows.Scan(&rec.VideoID, &rec.ID, &ts, &rec.Offset, &typ, &rec.AuthorID, &rec.AuthorName,
			&authorType, &rec.Message, &rec.Amount, &rec.Currency, &rec.JPY, &rec.Tier); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
		}
		rec.Type = core.MessageType(typ)
		rec.AuthorType = core.AuthorType(authorType)
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return out, nil
}

func buildEventQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM events")
	} else {
		builder.WriteString("SELECT " + columns + " FROM events")
	}

	var (
		conditions []string
		args       []any
	)

	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		placeholders := make([]string, 0, len(values))
		for _, v := range values {
			placeholders = append(placeholders, "?")
			args = append(args, v)
		}
		conditions = append(conditions, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ",")))
	}

	in("video_id", filters.VideoIDs)
	in("type", stringsOf(filters.Types))
	in("author_type", stringsOf(filters.AuthorTypes))

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UTC().Format(tsLayout))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}

const defaultListLimit = 100

func stringsOf[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
