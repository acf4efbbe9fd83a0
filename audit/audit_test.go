package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/guardxp/dbopen"
	"github.com/hazyhaar/guardxp/internal/store"
)

type fakeWriter struct {
	mu      sync.Mutex
	records []store.AuditRecord
	deltas  []store.StatusDelta
	failRec error
	failInc error

	// entered/release let a test hold the writer inside AppendAuditRecord.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeWriter) AppendAuditRecord(_ context.Context, rec *store.AuditRecord) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRec != nil {
		return f.failRec
	}
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeWriter) IncrementStatus(_ context.Context, _ int64, d store.StatusDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInc != nil {
		return f.failInc
	}
	f.deltas = append(f.deltas, d)
	return nil
}

func TestRecordsWrittenOnClose(t *testing.T) {
	w := &fakeWriter{}
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(w, 1, Options{FlushInterval: time.Hour, Now: func() time.Time { return ts }})

	s.Record(Record{URL: "https://a.example/x.js"})
	s.Record(Record{URL: "https://b.example/"})
	s.Close()

	if len(w.records) != 2 {
		t.Fatalf("records = %d, want 2", len(w.records))
	}
	for _, r := range w.records {
		if !r.Timestamp.Equal(ts) {
			t.Fatalf("timestamp = %v, want sink-assigned %v", r.Timestamp, ts)
		}
	}
	if st := s.Stats(); st.Written != 2 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCountersCoalesced(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, 7, Options{FlushInterval: time.Hour})

	s.BumpCounters(Delta{RequestsIntercepted: 1, BytesIntercepted: 10})
	s.BumpCounters(Delta{RequestsIntercepted: 1, BytesIntercepted: 20})
	s.BumpCounters(Delta{RequestsCleaned: 1, BytesCleaned: 5})
	s.BumpCounters(Delta{})
	s.Close()

	if len(w.deltas) != 1 {
		t.Fatalf("increments = %d, want 1", len(w.deltas))
	}
	want := Delta{RequestsIntercepted: 2, BytesIntercepted: 30, RequestsCleaned: 1, BytesCleaned: 5}
	if w.deltas[0] != want {
		t.Fatalf("delta = %+v, want %+v", w.deltas[0], want)
	}
}

func TestFullQueueDrops(t *testing.T) {
	w := &fakeWriter{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(w, 1, Options{Buffer: 1, FlushInterval: time.Hour})

	s.Record(Record{URL: "1"})
	<-w.entered // loop is now blocked writing record 1
	s.Record(Record{URL: "2"})
	s.Record(Record{URL: "3"})

	if got := s.Stats().Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	go func() {
		for range w.entered {
		}
	}()
	close(w.release)
	s.Close()
	close(w.entered)

	if len(w.records) != 2 {
		t.Fatalf("records = %d, want 2", len(w.records))
	}
}

func TestWriterFailureCountedNotSurfaced(t *testing.T) {
	boom := errors.New("db down")
	w := &fakeWriter{failRec: boom, failInc: boom}
	s := New(w, 1, Options{FlushInterval: time.Hour})

	s.Record(Record{URL: "x"})
	s.BumpCounters(Delta{RequestsIntercepted: 1})
	s.Close()

	st := s.Stats()
	if st.Failed != 2 || st.Written != 0 {
		t.Fatalf("stats = %+v, want 2 failures", st)
	}
	if st.Pending.RequestsIntercepted != 1 {
		t.Fatalf("pending = %+v, want failed delta retained", st.Pending)
	}
}

func TestNilWriterIsNoop(t *testing.T) {
	s := New(nil, 0, Options{})
	s.Record(Record{URL: "x"})
	s.BumpCounters(Delta{RequestsIntercepted: 1})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st != (Stats{}) {
		t.Fatalf("stats = %+v, want zero", st)
	}
}

func TestRecordAfterCloseDropped(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, 1, Options{})
	s.Close()
	s.Close()
	s.Record(Record{URL: "late"})
	if s.Stats().Dropped != 1 || len(w.records) != 0 {
		t.Fatalf("stats = %+v records = %d", s.Stats(), len(w.records))
	}
}

func TestRecordRacingCloseIsAccounted(t *testing.T) {
	for round := 0; round < 50; round++ {
		w := &fakeWriter{}
		s := New(w, 1, Options{Buffer: 4096, FlushInterval: time.Hour})

		const producers, each = 8, 50
		var wg sync.WaitGroup
		start := make(chan struct{})
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < each; i++ {
					s.Record(Record{URL: "https://x.example/a.js"})
					s.BumpCounters(Delta{RequestsIntercepted: 1})
				}
			}()
		}
		close(start)
		s.Close()
		wg.Wait()

		st := s.Stats()
		if got := st.Written + st.Dropped; got != producers*each {
			t.Fatalf("round %d: written %d + dropped %d = %d, want %d",
				round, st.Written, st.Dropped, got, producers*each)
		}
		if int(st.Written) != len(w.records) {
			t.Fatalf("round %d: written %d, writer saw %d", round, st.Written, len(w.records))
		}
		if !st.Pending.IsZero() {
			t.Fatalf("round %d: pending %+v left after close", round, st.Pending)
		}
	}
}

func TestSinkWithStore(t *testing.T) {
	st, err := store.New(dbopen.OpenMemory(t), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, err := st.StartStatus(ctx, "run")
	if err != nil {
		t.Fatal(err)
	}

	s := New(st, id, Options{FlushInterval: time.Hour})
	s.Record(Record{URLHash: "u", URL: "https://x.example/", FileHash: "f", FileSize: 3})
	s.BumpCounters(Delta{RequestsIntercepted: 1, BytesIntercepted: 3})
	s.Close()

	rows, err := st.RecentAudit(ctx, 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows = %v err = %v", rows, err)
	}
	row, err := st.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if row.RequestsIntercepted != 1 || row.BytesIntercepted != 3 {
		t.Fatalf("status = %+v", row)
	}
}
