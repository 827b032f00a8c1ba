package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/talgya/covidsim/internal/engine"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := openTest(t)
	id := NewRunID()
	if err := db.StartRun(Run{ID: id, Scenario: "town", Seed: 42, Workers: 2, Steps: 96}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	r, err := db.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != StatusRunning || r.FinishedAt.Valid || r.Seed != 42 {
		t.Errorf("started run = %+v", r)
	}

	if err := db.FinishRun(id, StatusPartial); err != nil {
		t.Fatal(err)
	}
	r, err = db.GetRun(id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusPartial || !r.FinishedAt.Valid {
		t.Errorf("finished run = %+v", r)
	}

	if _, err := db.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) = %v", err)
	}
}

func TestRunsNewestFirst(t *testing.T) {
	db := openTest(t)
	base := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := db.StartRun(Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := db.Runs(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("Runs(2) = %+v", runs)
	}
}

func TestIterations(t *testing.T) {
	db := openTest(t)
	if err := db.StartRun(Run{ID: "r"}); err != nil {
		t.Fatal(err)
	}
	// Seeds above MaxInt64 are stored by bit pattern.
	seeds := []uint64{7, 1 << 63}
	for i, s := range seeds {
		if err := db.BeginIteration("r", i, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.EndIteration("r", 0, 96, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.EndIteration("r", 1, 0, errors.New("context deadline exceeded")); err != nil {
		t.Fatal(err)
	}

	its, err := db.Iterations("r")
	if err != nil {
		t.Fatal(err)
	}
	if len(its) != 2 {
		t.Fatalf("iterations = %+v", its)
	}
	if its[0].Status != StatusCompleted || its[0].Rows != 96 || its[0].Error != "" {
		t.Errorf("iteration 0 = %+v", its[0])
	}
	if its[1].Status != StatusFailed || its[1].Error == "" {
		t.Errorf("iteration 1 = %+v", its[1])
	}
	if uint64(its[1].Seed) != seeds[1] {
		t.Errorf("seed %d did not survive", seeds[1])
	}
}

func TestFindCheckpoint(t *testing.T) {
	db := openTest(t)
	old := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, c := range []Checkpoint{
		{RunID: "first", Iteration: 0, Step: 96, Path: "/a", Bytes: 10, CreatedAt: old},
		{RunID: "second", Iteration: 0, Step: 96, Path: "/b", Bytes: 20, CreatedAt: old.Add(time.Hour)},
	} {
		if err := db.RecordCheckpoint(c); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name     string
		runID    string
		step     int
		wantPath string
		wantErr  error
	}{
		{"latest", "", 96, "/b", nil},
		{"by run", "first", 96, "/a", nil},
		{"wrong step", "first", 95, "", ErrNotFound},
		{"unknown run", "third", 96, "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := db.FindCheckpoint(tt.runID, 0, tt.step)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || c.Path != tt.wantPath {
				t.Errorf("FindCheckpoint = %+v, %v", c, err)
			}
		})
	}
}

func TestRowsAndMeta(t *testing.T) {
	db := openTest(t)
	names := []string{"Step", "N", "Rt"}
	rows := []engine.Row{
		{Iteration: 1, Step: 1, Values: []float64{1, 100, 1.5}},
		{Iteration: 1, Step: 0, Values: []float64{0, 100, 0}},
		{Iteration: 2, Step: 0, Values: []float64{0, 90, 0}},
	}
	if err := db.SaveRows("r", names, rows); err != nil {
		t.Fatalf("SaveRows: %v", err)
	}
	if err := db.SaveRows("r", names, nil); err != nil {
		t.Errorf("SaveRows(nil): %v", err)
	}

	got, err := db.Rows("r", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0]["Step"] != 0 || got[1]["Rt"] != 1.5 {
		t.Errorf("Rows = %v", got)
	}

	if err := db.SaveMeta("last_run", "r"); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMeta("last_run", "s"); err != nil {
		t.Fatal(err)
	}
	if v, err := db.GetMeta("last_run"); err != nil || v != "s" {
		t.Errorf("GetMeta = %q, %v", v, err)
	}
}
