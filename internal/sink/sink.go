// Package sink is the only writer of the samples table. Measurements are
// queued, numbered per device kind in arrival order, and appended in
// batches where every flush is one transaction.
package sink

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"solarpi/internal/metrics"
	"solarpi/internal/types"
)

//go:embed sql/insert-sample.sql
var insertSampleSQL string

//go:embed sql/get-max-seq.sql
var getMaxSeqSQL string

// TimeLayout is the stored ts format: fixed width UTC, so text order is
// time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

const (
	DefaultBatchSize    = 64
	DefaultFlushLatency = 2 * time.Second
	DefaultQueueSize    = 1024
	DefaultWriteRetries = 3
)

// ErrClosed is returned by Write and Sync after Close.
var ErrClosed = errors.New("sink: closed")

// WriteError reports a batch dropped after its retries ran out.
type WriteError struct {
	Rows    int
	Devices []types.DeviceKind
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sink: dropped %d rows for %v: %v", e.Rows, e.Devices, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type Options struct {
	// BatchSize rows trigger an immediate flush.
	BatchSize int
	// FlushLatency bounds how long a row waits before its flush starts,
	// and how long a failing flush keeps retrying.
	FlushLatency time.Duration
	QueueSize    int
	// WriteRetries is the number of retries after the first failed attempt.
	WriteRetries int
	// OnDegraded is called from the writer goroutine whenever a batch is
	// dropped.
	OnDegraded func(*WriteError)
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FlushLatency <= 0 {
		o.FlushLatency = DefaultFlushLatency
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.WriteRetries < 0 {
		o.WriteRetries = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// DeviceStats are the per device kind counters.
type DeviceStats struct {
	Written      uint64    `json:"samples_written"`
	WriteErrors  uint64    `json:"write_errors"`
	LastSampleAt time.Time `json:"last_sample_time,omitzero"`
	LastSeq      int64     `json:"last_seq"`
}

type Stats struct {
	Devices   map[types.DeviceKind]DeviceStats `json:"devices"`
	Degraded  bool                             `json:"degraded"`
	LastError string                           `json:"last_error,omitempty"`
	Queued    int                              `json:"queued"`
}

type row struct {
	kind   types.DeviceKind
	seq    int64
	device string
	field  string
	value  float64
	ts     time.Time
}

type request struct {
	m    types.Measurement
	done chan struct{}
}

type Sink struct {
	db   *sql.DB
	opts Options

	queue  chan request
	stopCh chan struct{}
	wg     sync.WaitGroup

	// closeMu is held shared by Write and Sync for the whole enqueue so
	// nothing lands in the queue after the writer drained it.
	closeMu sync.RWMutex
	closed  bool

	mu        sync.Mutex
	stats     map[types.DeviceKind]DeviceStats
	degraded  bool
	lastError string

	// seq is owned by the writer goroutine.
	seq map[types.DeviceKind]int64
}

// Open resumes numbering after the highest stored seq of every device kind
// and starts the writer.
func Open(ctx context.Context, db *sql.DB, opts Options) (*Sink, error) {
	opts = opts.withDefaults()
	s := &Sink{
		db:     db,
		opts:   opts,
		queue:  make(chan request, opts.QueueSize),
		stopCh: make(chan struct{}),
		stats:  make(map[types.DeviceKind]DeviceStats),
		seq:    make(map[types.DeviceKind]int64),
	}
	if err := s.loadSeq(ctx); err != nil {
		return nil, fmt.Errorf("sink: resume sequence numbers: %w", err)
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *Sink) loadSeq(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, getMaxSeqSQL)
	if err != nil {
		return err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.opts.Logger.Error("close max seq rows", "error", err)
		}
	}()
	for rows.Next() {
		var (
			kind string
			seq  int64
			ts   string
		)
		if err := rows.Scan(&kind, &seq, &ts); err != nil {
			return err
		}
		k := types.DeviceKind(kind)
		s.seq[k] = seq
		st := DeviceStats{LastSeq: seq}
		if t, err := time.Parse(TimeLayout, ts); err == nil {
			st.LastSampleAt = t
		}
		s.stats[k] = st
		s.opts.Logger.Info("sink: resuming", "device_kind", kind, "last_seq", seq)
	}
	return rows.Err()
}

// Write queues m. It blocks while the queue is full, until ctx is done.
// The measurement is durable once a later Sync returns.
func (s *Sink) Write(ctx context.Context, m types.Measurement) error {
	if len(m.Fields) == 0 {
		return nil
	}
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- request{m: m}:
		metrics.SinkQueueDepth.Set(float64(len(s.queue)))
		return nil
	}
}

// Sync waits until everything queued before the call has been flushed or
// dropped.
func (s *Sink) Sync(ctx context.Context) error {
	done := make(chan struct{})
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return ctx.Err()
	case s.queue <- request{done: done}:
	}
	s.closeMu.RUnlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close flushes everything queued and stops the writer. It does not close
// the database.
func (s *Sink) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.closeMu.Unlock()

	s.wg.Wait()
	return nil
}

// Degraded reports whether the last flush dropped its batch.
func (s *Sink) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		Devices:   make(map[types.DeviceKind]DeviceStats, len(s.stats)),
		Degraded:  s.degraded,
		LastError: s.lastError,
		Queued:    len(s.queue),
	}
	for k, v := range s.stats {
		out.Devices[k] = v
	}
	return out
}

func (s *Sink) run() {
	defer s.wg.Done()

	var (
		batch []row
		timer *time.Timer
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	flush := func() {
		stopTimer()
		if len(batch) == 0 {
			return
		}
		s.flush(batch)
		batch = nil
	}
	handle := func(req request) {
		if req.done != nil {
			flush()
			close(req.done)
			return
		}
		if len(batch) == 0 {
			timer = time.NewTimer(s.opts.FlushLatency)
		}
		batch = append(batch, s.number(req.m)...)
		if len(batch) >= s.opts.BatchSize {
			flush()
		}
	}

	for {
		var timeout <-chan time.Time
		if timer != nil {
			timeout = timer.C
		}

		select {
		case <-s.stopCh:
			for {
				select {
				case req := <-s.queue:
					handle(req)
				default:
					flush()
					metrics.SinkQueueDepth.Set(0)
					return
				}
			}
		case req := <-s.queue:
			metrics.SinkQueueDepth.Set(float64(len(s.queue)))
			handle(req)
		case <-timeout:
			flush()
		}
	}
}

// number expands m into rows and assigns their sequence numbers.
func (s *Sink) number(m types.Measurement) []row {
	out := make([]row, 0, len(m.Fields))
	for _, f := range m.Fields {
		s.seq[m.Kind]++
		out = append(out, row{
			kind:   m.Kind,
			seq:    s.seq[m.Kind],
			device: m.Device,
			field:  f.Name,
			value:  f.Value,
			ts:     m.Time,
		})
	}
	return out
}

func (s *Sink) flush(batch []row) {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(50*time.Millisecond, s.opts.FlushLatency/4)
	b.MaxInterval = s.opts.FlushLatency / 2
	b.MaxElapsedTime = s.opts.FlushLatency

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := s.insert(batch)
		if err != nil {
			s.opts.Logger.Warn("sink: flush attempt failed", "attempt", attempts, "rows", len(batch), "error", err)
		}
		return err
	}, backoff.WithMaxRetries(b, uint64(s.opts.WriteRetries)))

	perKind := make(map[types.DeviceKind]DeviceStats)
	for _, r := range batch {
		st := perKind[r.kind]
		if err == nil {
			st.Written++
			st.LastSeq = max(st.LastSeq, r.seq)
			if r.ts.After(st.LastSampleAt) {
				st.LastSampleAt = r.ts
			}
		} else {
			st.WriteErrors++
		}
		perKind[r.kind] = st
	}

	s.mu.Lock()
	for k, d := range perKind {
		st := s.stats[k]
		st.Written += d.Written
		st.WriteErrors += d.WriteErrors
		st.LastSeq = max(st.LastSeq, d.LastSeq)
		if d.LastSampleAt.After(st.LastSampleAt) {
			st.LastSampleAt = d.LastSampleAt
		}
		s.stats[k] = st
	}
	s.degraded = err != nil
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
	metrics.SetDegraded(err != nil)

	if err == nil {
		metrics.RecordFlush(len(batch), time.Since(start))
		for k, d := range perKind {
			metrics.SamplesWrittenTotal.WithLabelValues(k.String()).Add(float64(d.Written))
		}
		s.opts.Logger.Debug("sink: flushed", "rows", len(batch), "attempts", attempts, "duration", time.Since(start))
		return
	}

	werr := &WriteError{Rows: len(batch), Err: err}
	for k, d := range perKind {
		werr.Devices = append(werr.Devices, k)
		metrics.SampleWriteErrorsTotal.WithLabelValues(k.String()).Add(float64(d.WriteErrors))
	}
	s.opts.Logger.Error("sink: batch dropped", "rows", len(batch), "attempts", attempts, "error", err)
	if s.opts.OnDegraded != nil {
		s.opts.OnDegraded(werr)
	}
}

func (s *Sink) insert(batch []row) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushLatency)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertSampleSQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx,
			r.kind.String(), r.seq, r.device, r.field, r.value, r.ts.UTC().Format(TimeLayout),
		); err != nil {
			return fmt.Errorf("insert %s seq %d: %w", r.kind, r.seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
