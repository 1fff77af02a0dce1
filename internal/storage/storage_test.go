package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTemp(t)
	rec := RunRecord{ID: "r1", Mode: "MERGE", Status: "queued", Inputs: []string{"a.png", "b.png", "c.png"}, OutputDir: "/out"}
	if err := s.RecordRunQueued(rec); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := s.RecordRunStart("r1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	comps := []ComponentRecord{
		{Position: 0, Indices: []int{0, 1}, Width: 160, Height: 80, OutputPath: "/out/pano_0.png"},
		{Position: 1, Indices: []int{2}, Width: 100, Height: 80, OutputPath: "/out/pano_1.png"},
	}
	if err := s.RecordRunResult("r1", "partially_succeeded", comps, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	got, err := s.Run("r1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != "partially_succeeded" || got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("unexpected record %+v", got)
	}
	if diff := cmp.Diff(rec.Inputs, got.Inputs); diff != "" {
		t.Fatalf("inputs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(comps, got.Components); diff != "" {
		t.Fatalf("components (-want +got):\n%s", diff)
	}

	// a second result replaces the component list
	if err := s.RecordRunResult("r1", "failed", nil, "boom"); err != nil {
		t.Fatalf("result: %v", err)
	}
	got, err = s.Run("r1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Error != "boom" || len(got.Components) != 0 {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	s := openTemp(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.RecordRunQueued(RunRecord{ID: id, Mode: "SCANS", Status: "queued"}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.RecentRuns(2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "c" || recs[1].ID != "b" {
		t.Fatalf("unexpected order %+v", recs)
	}
}

func TestDeleteRun(t *testing.T) {
	s := openTemp(t)
	if err := s.RecordRunQueued(RunRecord{ID: "gone", Mode: "SCANS", Status: "queued"}); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := s.RecordRunResult("gone", "succeeded", []ComponentRecord{{Position: 0, Indices: []int{0}}}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}
	if err := s.DeleteRun("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Run("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	comps, err := s.Components("gone")
	if err != nil {
		t.Fatalf("components: %v", err)
	}
	if len(comps) != 0 {
		t.Fatalf("components left behind: %+v", comps)
	}
}

func TestMemoryStoreSharedAcrossCalls(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if err := s.RecordRunQueued(RunRecord{ID: "m1", Mode: "MERGE", Status: "queued"}); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := s.RecordRunStart("m1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec, err := s.Run("m1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Status != "running" {
		t.Fatalf("status = %q", rec.Status)
	}
}

func TestUnknownRun(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Run("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestNilStoreIsInert(t *testing.T) {
	var s *Store
	if err := s.RecordRunQueued(RunRecord{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatal("expected error from nil store")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("postgres", "x"); err == nil {
		t.Fatal("expected error")
	}
}
