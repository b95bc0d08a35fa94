package logging

import (
	"fmt"
	"testing"
	"time"
)

func mkRecord(level, logger, msg string, at time.Time) Record {
	return Record{Level: level, Logger: logger, Message: msg, Timestamp: at}
}

func TestRing_AppendAndOrder(t *testing.T) {
	r := NewRing(5)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Append(mkRecord("info", "a", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	got := r.Snapshot(Filter{})
	if len(got) != 5 {
		t.Fatalf("Snapshot() len = %d, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("records out of order at %d", i)
		}
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Append(mkRecord("info", "a", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	got := r.Snapshot(Filter{})
	if len(got) != 3 {
		t.Fatalf("Snapshot() len = %d, want 3", len(got))
	}
	if got[0].Message != "m2" || got[2].Message != "m4" {
		t.Errorf("ring kept %q..%q, want m2..m4", got[0].Message, got[2].Message)
	}
	if r.Evicted() != 2 {
		t.Errorf("Evicted() = %d, want 2", r.Evicted())
	}
}

func TestRing_Filters(t *testing.T) {
	r := NewRing(10)
	base := time.Now()
	r.Append(mkRecord("info", "scheduler", "dispatched", base))
	r.Append(mkRecord("error", "scheduler", "failed", base.Add(time.Second)))
	r.Append(mkRecord("info", "heartbeat", "sent", base.Add(2*time.Second)))

	if got := r.Snapshot(Filter{Level: "error"}); len(got) != 1 || got[0].Message != "failed" {
		t.Errorf("level filter got %v", got)
	}
	if got := r.Snapshot(Filter{Name: "sched"}); len(got) != 2 {
		t.Errorf("name filter len = %d, want 2", len(got))
	}
	if got := r.Snapshot(Filter{Since: base.Add(1500 * time.Millisecond)}); len(got) != 1 {
		t.Errorf("since filter len = %d, want 1", len(got))
	}
	if got := r.Snapshot(Filter{Limit: 2}); len(got) != 2 || got[1].Message != "sent" {
		t.Errorf("limit filter got %v", got)
	}
}
