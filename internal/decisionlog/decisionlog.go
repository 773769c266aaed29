// Package decisionlog records every player decision to a SQLite database.
//
// Decisions arrive from inside the engine tick while the engine lock is held,
// so [Recorder.Record] only enqueues. [Recorder.Run] drains the queue in
// batches, one transaction per batch.
package decisionlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/cadenza/internal/resilience"
	"github.com/MrWong99/cadenza/pkg/player"
)

// Defaults for [Open].
const (
	DefaultBuffer        = 256
	DefaultBatchSize     = 64
	DefaultFlushInterval = 250 * time.Millisecond
)

// ErrClosed is returned by operations on a closed [Recorder].
var ErrClosed = errors.New("decisionlog: closed")

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	player      TEXT    NOT NULL,
	beat        REAL    NOT NULL,
	position    INTEGER NOT NULL,
	transform   TEXT    NOT NULL,
	policy      TEXT    NOT NULL,
	recorded_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS decisions_player ON decisions (player, id);
`

// Entry is one stored decision.
type Entry struct {
	ID         int64
	Player     string
	Beat       float64
	Position   int
	Transform  string
	Policy     string
	RecordedAt time.Time
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithBuffer sets how many decisions may wait in the queue before new ones
// are dropped.
func WithBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithBatchSize bounds the number of rows written per transaction.
func WithBatchSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithFlushInterval sets how often [Recorder.Run] writes a partial batch.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithBreaker replaces the circuit breaker guarding batch writes. While it is
// open, [Recorder.Run] discards batches instead of retrying the database.
func WithBreaker(b *resilience.Breaker) Option {
	return func(r *Recorder) { r.breaker = b }
}

// WithClock replaces the clock stamping recorded entries.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder is an asynchronous decision store.
type Recorder struct {
	db    *sql.DB
	queue chan Entry

	buffer        int
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time
	breaker       *resilience.Breaker

	dropped atomic.Uint64
	closed  atomic.Bool
}

// Open opens (creating if needed) the database at path and prepares the
// schema.
func Open(ctx context.Context, path string, opts ...Option) (*Recorder, error) {
	if path == "" {
		return nil, errors.New("decisionlog: path is required")
	}
	r := &Recorder{
		buffer:        DefaultBuffer,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = resilience.NewBreaker(resilience.BreakerConfig{
			Name:        "decisionlog",
			MaxFailures: 3,
			Cooldown:    10 * time.Second,
		})
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("decisionlog: open %q: %w", path, err)
	}
	// SQLite serialises writers anyway; one connection also keeps ":memory:"
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("decisionlog: ping %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("decisionlog: create schema: %w", err)
	}
	r.db = db
	r.queue = make(chan Entry, r.buffer)
	return r, nil
}

// Record enqueues d. It never blocks: when the queue is full the decision is
// dropped and counted.
func (r *Recorder) Record(d player.Decision) {
	if r.closed.Load() {
		return
	}
	e := Entry{
		Player:     d.Player,
		Beat:       d.Beat,
		Position:   d.Position,
		Transform:  d.Transform.String(),
		Policy:     d.Policy,
		RecordedAt: r.now().UTC(),
	}
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1)%100 == 1 {
			slog.Warn("decisionlog: queue full, dropping decisions", "player", d.Player, "dropped", r.dropped.Load())
		}
	}
}

// Dropped returns the number of decisions lost to a full queue or to an open
// breaker.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued decisions until ctx is cancelled, then flushes what is
// left and returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, r.batchSize)
	write := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		err := r.breaker.Do(func() error { return r.insert(ctx, batch) })
		switch {
		case errors.Is(err, resilience.ErrOpen):
			r.dropped.Add(uint64(len(batch)))
		case err != nil:
			slog.Error("decisionlog: write failed", "rows", len(batch), "err", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			batch = r.drain(batch)
			write(context.WithoutCancel(ctx))
			return nil
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				write(ctx)
			}
		case <-ticker.C:
			write(ctx)
		}
	}
}

// Flush synchronously writes every queued decision.
func (r *Recorder) Flush(ctx context.Context) error {
	batch := r.drain(nil)
	if len(batch) == 0 {
		return nil
	}
	return r.insert(ctx, batch)
}

// Query returns the latest limit decisions of playerName in the order they
// were made. A limit <= 0 returns all of them.
func (r *Recorder) Query(ctx context.Context, playerName string, limit int) ([]Entry, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, player, beat, position, transform, policy, recorded_at FROM (
			SELECT * FROM decisions WHERE player = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, playerName, limit)
	if err != nil {
		return nil, fmt.Errorf("decisionlog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at string
		)
		if err := rows.Scan(&e.ID, &e.Player, &e.Beat, &e.Position, &e.Transform, &e.Policy, &at); err != nil {
			return nil, fmt.Errorf("decisionlog: scan: %w", err)
		}
		if e.RecordedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("decisionlog: entry %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PingContext checks the database connection. It lets the recorder serve as
// a readiness check, failing while batch writes are being discarded.
func (r *Recorder) PingContext(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if s := r.breaker.State(); s == resilience.Open {
		return fmt.Errorf("decisionlog: writes suspended (breaker %s)", s)
	}
	return r.db.PingContext(ctx)
}

// Close flushes pending decisions and closes the database. Decisions
// recorded afterwards are ignored.
func (r *Recorder) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	flushErr := r.Flush(context.Background())
	return errors.Join(flushErr, r.db.Close())
}

func (r *Recorder) drain(batch []Entry) []Entry {
	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

func (r *Recorder) insert(ctx context.Context, batch []Entry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("decisionlog: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decisions (player, beat, position, transform, policy, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("decisionlog: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, e.Player, e.Beat, e.Position, e.Transform, e.Policy,
			e.RecordedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("decisionlog: insert: %w", err)
		}
	}
	return tx.Commit()
}
