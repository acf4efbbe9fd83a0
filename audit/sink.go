// Package audit persists audit records and status counters off the request
// path. The pipeline hands records to a Sink, which queues them and writes
// them from a single goroutine; counter increments are coalesced in memory
// and flushed on a ticker. Persistence failures are logged and counted, never
// returned to the caller.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/guardxp/internal/store"
)

// Record is one audit row.
type Record = store.AuditRecord

// Delta is an increment of the status counters.
type Delta = store.StatusDelta

// Writer is the persistence the sink drains into. *store.Store implements it.
type Writer interface {
	AppendAuditRecord(ctx context.Context, rec *store.AuditRecord) error
	IncrementStatus(ctx context.Context, statusID int64, d store.StatusDelta) error
}

// Options tunes a Sink. Zero values take defaults.
type Options struct {
	Buffer        int           // queued records before dropping. Default 1024.
	FlushInterval time.Duration // counter flush period. Default 5s.
	WriteTimeout  time.Duration // per write. Default 5s.
	Logger        *slog.Logger
	Now           func() time.Time
}

// Stats reports sink activity since New.
type Stats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending Delta  `json:"pending"`
}

// Sink queues audit records and status deltas for asynchronous persistence.
type Sink struct {
	w        Writer
	statusID int64
	opts     Options

	ch   chan Record
	stop chan struct{}
	done chan struct{}
	once sync.Once
	// sendMu orders enqueues against Close: a Record or BumpCounters that
	// saw closed == false finishes before stop is closed, so the final
	// drain sees it.
	sendMu sync.RWMutex
	closed bool

	mu      sync.Mutex
	pending Delta

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// New starts a sink writing to w under status row statusID. A nil w yields
// a sink that accepts and discards everything.
func New(w Writer, statusID int64, opts Options) *Sink {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Sink{
		w:        w,
		statusID: statusID,
		opts:     opts,
		ch:       make(chan Record, opts.Buffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if w == nil {
		close(s.done)
		return s
	}
	go s.loop()
	return s
}

// Record stamps rec with the current time and queues it. It never blocks:
// a full queue drops the record.
func (s *Sink) Record(rec Record) {
	if s.w == nil {
		return
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	rec.Timestamp = s.opts.Now()
	select {
	case s.ch <- rec:
	default:
		n := s.dropped.Add(1)
		s.opts.Logger.Warn("audit: queue full, record dropped", "url", rec.URL, "dropped", n)
	}
}

// BumpCounters adds d to the pending status increment. Deltas after Close are
// discarded.
func (s *Sink) BumpCounters(d Delta) {
	if s.w == nil || d.IsZero() {
		return
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}
	s.mu.Lock()
	s.pending.Add(d)
	s.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	return Stats{
		Written: s.written.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Pending: p,
	}
}

// Close writes whatever is queued, flushes pending counters and stops the
// sink. It is safe to call more than once.
func (s *Sink) Close() error {
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()
		if s.w != nil {
			close(s.stop)
		}
	})
	<-s.done
	return nil
}

func (s *Sink) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-s.ch:
			s.write(rec)
		case <-ticker.C:
			s.flushCounters()
		case <-s.stop:
			for {
				select {
				case rec := <-s.ch:
					s.write(rec)
				default:
					s.flushCounters()
					return
				}
			}
		}
	}
}

func (s *Sink) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.w.AppendAuditRecord(ctx, &rec); err != nil {
		s.failed.Add(1)
		s.opts.Logger.Error("audit: append record failed", "url", rec.URL, "file_hash", rec.FileHash, "error", err)
		return
	}
	s.written.Add(1)
}

// flushCounters writes the pending delta. On failure the delta is merged
// back so the next flush retries it.
func (s *Sink) flushCounters() {
	s.mu.Lock()
	d := s.pending
	s.pending = Delta{}
	s.mu.Unlock()
	if d.IsZero() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.w.IncrementStatus(ctx, s.statusID, d); err != nil {
		s.failed.Add(1)
		s.opts.Logger.Error("audit: status increment failed", "status_id", s.statusID, "error", err)
		s.mu.Lock()
		s.pending.Add(d)
		s.mu.Unlock()
	}
}
