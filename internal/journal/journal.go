// Package journal keeps a SQLite history of retired deliveries: every
// message that left the pending registry, how it left, and how long it
// waited. The journal is diagnostic only; nothing reads it back to make
// delivery decisions.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sourcegraph/conc"

	"github.com/nugget/ackline/internal/delivery"
	"github.com/nugget/ackline/internal/inflight"
)

// timeLayout is a fixed-width UTC timestamp, so stored times sort
// lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// queueSize bounds how many entries may wait for the writer before
// Retired starts dropping them.
const queueSize = 256

// Entry is one retired delivery.
type Entry struct {
	ID        uint16    `json:"id"`
	Topic     string    `json:"topic"`
	QoS       byte      `json:"qos"`
	Size      int       `json:"size"`
	Outcome   string    `json:"outcome"`
	SentAt    time.Time `json:"sent_at"`
	RetiredAt time.Time `json:"retired_at"`
	LatencyMs int64     `json:"latency_ms"`
}

// OutcomeSummary aggregates entries with one outcome.
type OutcomeSummary struct {
	Count        int     `json:"count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MaxLatencyMs int64   `json:"max_latency_ms"`
}

// Summary aggregates the whole journal.
type Summary struct {
	Total    int                       `json:"total"`
	Outcomes map[string]OutcomeSummary `json:"outcomes"`
	Recent   []Entry                   `json:"recent"`
}

// Journal records retired deliveries. Retired is safe to call from the
// event loop: it never blocks and hands entries to a writer goroutine.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	queue   chan Entry
	closed  bool
	dropped int
	writer  conc.WaitGroup
}

// Open opens (creating if needed) the journal database at path and
// starts its writer.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	j := &Journal{
		db:     db,
		logger: logger,
		queue:  make(chan Entry, queueSize),
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	j.writer.Go(j.drain)
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		packet_id  INTEGER NOT NULL,
		topic      TEXT NOT NULL,
		qos        INTEGER NOT NULL,
		size       INTEGER NOT NULL,
		outcome    TEXT NOT NULL,
		sent_at    TEXT NOT NULL,
		retired_at TEXT NOT NULL,
		latency_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS deliveries_retired_at ON deliveries (retired_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Retired implements [delivery.Observer].
func (j *Journal) Retired(msg inflight.Message, outcome delivery.Outcome, at time.Time) {
	e := Entry{
		ID:        msg.ID,
		Topic:     msg.Topic,
		QoS:       msg.QoS,
		Size:      len(msg.Payload),
		Outcome:   string(outcome),
		SentAt:    msg.SentAt,
		RetiredAt: at,
		LatencyMs: at.Sub(msg.SentAt).Milliseconds(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- e:
	default:
		j.dropped++
		if j.dropped == 1 || j.dropped%100 == 0 {
			j.logger.Warn("journal queue full, entry dropped", "id", e.ID, "dropped", j.dropped)
		}
	}
}

func (j *Journal) drain() {
	for e := range j.queue {
		if err := j.Record(e); err != nil {
			j.logger.Error("journal write failed", "id", e.ID, "error", err)
		}
	}
}

// Record writes an entry synchronously.
func (j *Journal) Record(e Entry) error {
	_, err := j.db.Exec(
		`INSERT INTO deliveries (packet_id, topic, qos, size, outcome, sent_at, retired_at, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Topic, e.QoS, e.Size, e.Outcome,
		e.SentAt.UTC().Format(timeLayout),
		e.RetiredAt.UTC().Format(timeLayout),
		e.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("record %d: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT packet_id, topic, qos, size, outcome, sent_at, retired_at, latency_ms
		 FROM deliveries ORDER BY retired_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e             Entry
			sent, retired string
		)
		if err := rows.Scan(&e.ID, &e.Topic, &e.QoS, &e.Size, &e.Outcome, &sent, &retired, &e.LatencyMs); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.SentAt, _ = time.Parse(time.RFC3339Nano, sent)
		e.RetiredAt, _ = time.Parse(time.RFC3339Nano, retired)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary aggregates the journal by outcome and includes the recent
// entries.
func (j *Journal) Summary(recent int) (Summary, error) {
	rows, err := j.db.Query(
		`SELECT outcome, COUNT(*), AVG(latency_ms), MAX(latency_ms)
		 FROM deliveries GROUP BY outcome ORDER BY outcome`,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	s := Summary{Outcomes: make(map[string]OutcomeSummary)}
	for rows.Next() {
		var (
			outcome string
			agg     OutcomeSummary
		)
		if err := rows.Scan(&outcome, &agg.Count, &agg.AvgLatencyMs, &agg.MaxLatencyMs); err != nil {
			return Summary{}, fmt.Errorf("scan summary: %w", err)
		}
		s.Outcomes[outcome] = agg
		s.Total += agg.Count
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}

	if recent > 0 {
		if s.Recent, err = j.Recent(recent); err != nil {
			return Summary{}, err
		}
	}
	return s, nil
}

// Close stops accepting entries, flushes the queue and closes the
// database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	j.writer.Wait()
	return j.db.Close()
}
