package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/model"
)

// memorySink records inserted events and can be made to fail or block.
type memorySink struct {
	mu      sync.Mutex
	events  []model.AuditEvent
	fail    error
	release chan struct{}
}

func (s *memorySink) InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, *e)
	return nil
}

func (s *memorySink) snapshot() []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEvent(nil), s.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestSynchronousTrail(t *testing.T) {
	sink := &memorySink{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	trail := NewTrail(sink, Options{Logger: discardLogger(), Now: func() time.Time { return fixed }})

	trail.Record(context.Background(), model.ActionCredentialCreated, "admin-1", model.OutcomeSuccess,
		map[string]interface{}{"name": "svc-a"})

	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 written synchronously", len(got))
	}
	e := got[0]
	if e.Seq != 1 || e.ID == "" || !e.OccurredAt.Equal(fixed) {
		t.Errorf("event stamping wrong: %+v", e)
	}
	if e.ActorID != "admin-1" || e.Detail["name"] != "svc-a" {
		t.Errorf("event fields wrong: %+v", e)
	}
	if err := trail.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestBufferedTrailPreservesSubmissionOrder(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(sink, Options{BufferSize: 256, Logger: discardLogger()})

	for i := 0; i < 100; i++ {
		action := model.ActionCredentialVerified
		if i%2 == 1 {
			action = model.ActionRateLimitExceeded
		}
		trail.Record(context.Background(), action, "actor", model.OutcomeSuccess, map[string]interface{}{"i": i})
	}
	if err := trail.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.snapshot()
	if len(got) != 100 {
		t.Fatalf("got %d events after flush, want 100", len(got))
	}
	for i, e := range got {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, e.Seq, i+1)
		}
		if i > 0 && e.OccurredAt.Before(got[i-1].OccurredAt) {
			t.Fatalf("event %d timestamp went backwards", i)
		}
	}
}

func TestTrailSwallowsStoreFailure(t *testing.T) {
	var logs bytes.Buffer
	sink := &memorySink{fail: errors.New("database is locked")}
	trail := NewTrail(sink, Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})

	// Must not panic or block.
	trail.Record(context.Background(), model.ActionHealthCheck, "", model.OutcomeSuccess, nil)

	if !strings.Contains(logs.String(), "audit write failed") {
		t.Errorf("expected failure to be logged, got %q", logs.String())
	}
}

func TestTrailKeepsEventsWhenBufferFull(t *testing.T) {
	var logs bytes.Buffer
	sink := &memorySink{release: make(chan struct{})}
	trail := NewTrail(sink, Options{
		BufferSize:   1,
		WriteTimeout: 20 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(&logs, nil)),
	})

	// The writer takes the first event and blocks in the sink; the second
	// fills the buffer; the rest wait for room, then write themselves.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			trail.Record(context.Background(), model.ActionCredentialInvalid, "", model.OutcomeFailure, nil)
		}
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	close(sink.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record did not return after the sink recovered")
	}
	if err := trail.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 10 {
		t.Fatalf("persisted %d events, want 10", len(events))
	}
	seen := make(map[int64]bool)
	for _, e := range events {
		seen[e.Seq] = true
	}
	for seq := int64(1); seq <= 10; seq++ {
		if !seen[seq] {
			t.Errorf("event seq %d missing", seq)
		}
	}
	if !strings.Contains(logs.String(), "writing event synchronously") {
		t.Error("expected overflow warning")
	}
}

func TestTrailWaitsForRoomBeforeOverflow(t *testing.T) {
	sink := &memorySink{release: make(chan struct{})}
	trail := NewTrail(sink, Options{BufferSize: 1, WriteTimeout: 5 * time.Second, Logger: discardLogger()})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(sink.release)
	}()
	for i := 0; i < 5; i++ {
		trail.Record(context.Background(), model.ActionRateLimitExceeded, "", model.OutcomeFailure, nil)
	}
	if err := trail.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 5 {
		t.Fatalf("persisted %d events, want 5", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d; queued writes must keep submission order", i, e.Seq)
		}
	}
}

func TestRecordAfterCloseWritesSynchronously(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(sink, Options{BufferSize: 4, Logger: discardLogger()})
	if err := trail.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := trail.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	trail.Record(context.Background(), model.ActionServiceShutdown, "", model.OutcomeSuccess, nil)
	if n := len(sink.snapshot()); n != 1 {
		t.Errorf("got %d events, want 1", n)
	}
}

func TestTrailWithStore(t *testing.T) {
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	trail := NewTrail(store, Options{BufferSize: 8, Logger: discardLogger()})
	ctx := context.Background()
	trail.Record(ctx, model.ActionCredentialVerified, "cred-1", model.OutcomeSuccess, nil)
	trail.Record(ctx, model.ActionAdminAccessDenied, "cred-1", model.OutcomeFailure,
		map[string]interface{}{"reason": "insufficient role"})
	if err := trail.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := store.ListAuditEvents(ctx, model.AuditFilter{ActorID: "cred-1"})
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Action != model.ActionCredentialVerified || events[1].Action != model.ActionAdminAccessDenied {
		t.Errorf("order = %s, %s", events[0].Action, events[1].Action)
	}
	if fmt.Sprint(events[1].Detail["reason"]) != "insufficient role" {
		t.Errorf("detail = %v", events[1].Detail)
	}
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.Record(context.Background(), model.ActionHealthCheck, "", model.OutcomeSuccess, nil)
}

func TestSourceMergedIntoDetail(t *testing.T) {
	sink := &memorySink{}
	trail := NewTrail(sink, Options{Logger: discardLogger()})

	ctx := WithSource(context.Background(), Source{Origin: "1.2.3.4", Route: "/x", RequestID: "req-1"})
	detail := map[string]interface{}{"route": "/override"}
	trail.Record(ctx, model.ActionCredentialInvalid, "", model.OutcomeFailure, detail)

	got := sink.snapshot()[0].Detail
	if got["origin"] != "1.2.3.4" || got["request_id"] != "req-1" {
		t.Errorf("detail = %v, want origin and request_id", got)
	}
	if got["route"] != "/override" {
		t.Errorf("explicit detail should win, got route %v", got["route"])
	}
	if len(detail) != 1 {
		t.Error("caller's detail map was mutated")
	}
}
