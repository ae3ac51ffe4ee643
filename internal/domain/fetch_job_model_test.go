package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJobLogValueScan(t *testing.T) {
	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	log := JobLog{{Timestamp: stamp, Message: "started"}, {Timestamp: stamp, Message: "done"}}

	value, err := log.Value()
	if err != nil {
		t.Fatalf("Value returned error: %v", err)
	}

	var scanned JobLog
	if err := scanned.Scan(value); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if len(scanned) != 2 || scanned[1].Message != "done" || !scanned[0].Timestamp.Equal(stamp) {
		t.Fatalf("Scan = %+v, want %+v", scanned, log)
	}

	var empty JobLog
	if err := empty.Scan([]byte("[]")); err != nil || len(empty) != 0 {
		t.Fatalf("Scan([]) = (%v, %v), want empty", empty, err)
	}
	if err := empty.Scan(42); err == nil {
		t.Fatal("expected error scanning unsupported type")
	}
}

func TestJobLogTailCopies(t *testing.T) {
	log := JobLog{{Message: "a"}, {Message: "b"}, {Message: "c"}}
	tail := log.Tail(2)
	if len(tail) != 2 || tail[0].Message != "b" {
		t.Fatalf("Tail(2) = %+v, want [b c]", tail)
	}
	tail[0].Message = "mutated"
	if log[1].Message != "b" {
		t.Fatal("Tail must not share memory with the source log")
	}
}

func TestFetchJobDurationJSON(t *testing.T) {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	completed := started.Add(1500 * time.Millisecond)
	job := FetchJob{ID: 1, JobType: JobTypeBasic, Status: JobCompleted, StartedAt: &started, CompletedAt: &completed}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if raw["duration"] != 1.5 {
		t.Fatalf("duration = %v, want 1.5", raw["duration"])
	}

	pending := FetchJob{Status: JobPending}
	if _, ok := pending.Duration(); ok {
		t.Fatal("pending job should have no duration")
	}
}

func TestJobTypeTiers(t *testing.T) {
	if got := JobTypeUnified.Tiers(); len(got) != 3 {
		t.Fatalf("unified tiers = %v, want all three", got)
	}
	if got := JobTypePublic.Tiers(); len(got) != 1 || got[0] != TierPublic {
		t.Fatalf("public tiers = %v, want [2]", got)
	}
	if _, err := ParseJobType("weekly"); err == nil {
		t.Fatal("expected error for unknown job type")
	}
	if got, err := ParseJobType(" Premium "); err != nil || got != JobTypePremium {
		t.Fatalf("ParseJobType = (%q, %v), want premium", got, err)
	}
}
