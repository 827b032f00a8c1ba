package ensemble

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/talgya/covidsim/internal/config"
	"github.com/talgya/covidsim/internal/engine"
	"github.com/talgya/covidsim/internal/persistence"
	"github.com/talgya/covidsim/internal/report"
	"github.com/talgya/covidsim/internal/variants"
)

func smallScenario() *config.Scenario {
	sc := config.Default()
	sc.Model.Epidemiology.NumAgents = 60
	sc.Model.Epidemiology.Width = 8
	sc.Model.Epidemiology.Height = 8
	sc.Model.Epidemiology.PropInitialInfected = 0.1
	sc.Ensemble.Steps = 30
	return sc
}

func standardTable(t *testing.T) *variants.Table {
	t.Helper()
	tab, err := variants.NewTable()
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tab
}

// runInto runs iterations [begin, end) with the given worker count and
// returns the model table without wall-clock columns.
func runInto(t *testing.T, begin, end, workers int) (Result, [][]string) {
	t.Helper()
	dir := t.TempDir()
	sink, err := report.NewSink(filepath.Join(dir, "model.csv"), "", false)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	sc := smallScenario()
	r := &Runner{Workers: workers}
	res, err := r.Run(context.Background(), Job{
		RunID:    "test",
		Scenario: sc,
		Variants: standardTable(t),
		Begin:    begin,
		End:      end,
		Steps:    sc.Ensemble.Steps,
		Seed:     7,
		Storage:  engine.StorageFrom(sc.Output),
		Sink:     sink,
		SpoolDir: filepath.Join(dir, "spool"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recs, err := report.ReadAll(sink.ModelPath())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return res, stripTiming(recs)
}

func stripTiming(recs [][]string) [][]string {
	if len(recs) == 0 {
		return recs
	}
	var keep []int
	for i, name := range recs[0] {
		if name != "Data_Time" && name != "Step_Time" {
			keep = append(keep, i)
		}
	}
	out := make([][]string, len(recs))
	for r, rec := range recs {
		for _, i := range keep {
			out[r] = append(out[r], rec[i])
		}
	}
	return out
}

func TestWorkerCountDoesNotChangeOutput(t *testing.T) {
	res1, serial := runInto(t, 0, 4, 1)
	res3, parallel := runInto(t, 0, 4, 3)
	if len(res1.Failed) > 0 || len(res3.Failed) > 0 {
		t.Fatalf("failures: %v / %v", res1.Err(), res3.Err())
	}
	if len(serial) != len(parallel) {
		t.Fatalf("rows: %d serial, %d parallel", len(serial), len(parallel))
	}
	for i := range serial {
		if !slices.Equal(serial[i], parallel[i]) {
			t.Fatalf("row %d differs:\n%v\n%v", i, serial[i], parallel[i])
		}
	}
}

func TestIterationsConcatenatedInOrder(t *testing.T) {
	res, recs := runInto(t, 0, 3, 3)
	if want := []int{0, 1, 2}; !slices.Equal(res.Completed, want) {
		t.Fatalf("completed = %v, want %v", res.Completed, want)
	}
	if recs[0][0] != "Step" || recs[0][1] != "Iteration" {
		t.Fatalf("header starts %v", recs[0][:2])
	}
	// One header, then 30 rows per iteration with nondecreasing iteration.
	if got, want := len(recs), 1+3*30; got != want {
		t.Fatalf("records = %d, want %d", got, want)
	}
	if res.Rows != 90 {
		t.Errorf("Rows = %d, want 90", res.Rows)
	}
	prev := -1
	for _, rec := range recs[1:] {
		it, err := strconv.Atoi(rec[1])
		if err != nil {
			t.Fatalf("iteration cell %q", rec[1])
		}
		if it < prev {
			t.Fatalf("iteration %d after %d", it, prev)
		}
		prev = it
	}
}

func TestSubrangeMatchesFullRun(t *testing.T) {
	_, full := runInto(t, 0, 3, 2)
	_, part := runInto(t, 2, 3, 1)

	var want [][]string
	for _, rec := range full[1:] {
		if rec[1] == "2" {
			want = append(want, rec)
		}
	}
	got := part[1:]
	if len(got) != len(want) {
		t.Fatalf("rows = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !slices.Equal(got[i], want[i]) {
			t.Fatalf("row %d differs:\n%v\n%v", i, got[i], want[i])
		}
	}
}

func TestTimeoutFailsIterationsAndKeepsTablesClean(t *testing.T) {
	dir := t.TempDir()
	sink, err := report.NewSink(filepath.Join(dir, "model.csv"), "", false)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	sc := smallScenario()
	sc.Ensemble.Steps = 1_000_000

	db, err := persistence.Open(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	r := &Runner{Workers: 2, Timeout: 20 * time.Millisecond}
	res, err := r.Run(context.Background(), Job{
		RunID:    "slow",
		Scenario: sc,
		Variants: standardTable(t),
		Begin:    0,
		End:      2,
		Steps:    sc.Ensemble.Steps,
		Seed:     1,
		Storage:  engine.StorageFrom(sc.Output),
		Sink:     sink,
		Index:    db,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Failed) != 2 || len(res.Completed) != 0 {
		t.Fatalf("completed %v failed %v", res.Completed, res.Failed)
	}
	if !errors.Is(res.Err(), context.DeadlineExceeded) {
		t.Errorf("Err() = %v, want deadline exceeded", res.Err())
	}
	if sink.ModelRows() != 0 {
		t.Errorf("failed iterations leaked %d rows", sink.ModelRows())
	}

	run, err := db.GetRun("slow")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != persistence.StatusFailed {
		t.Errorf("run status = %q", run.Status)
	}
	its, err := db.Iterations("slow")
	if err != nil {
		t.Fatalf("Iterations: %v", err)
	}
	for _, it := range its {
		if it.Status != persistence.StatusFailed || it.Error == "" {
			t.Errorf("iteration %d: status %q error %q", it.Iteration, it.Status, it.Error)
		}
	}
	_ = sink.Close()
}

func TestResumeFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	sc := smallScenario()
	ckDir := filepath.Join(dir, "ck")

	// Full run, checkpointing every 10 ticks.
	full, err := report.NewSink(filepath.Join(dir, "full.csv"), "", false)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	r := &Runner{Workers: 1}
	job := Job{
		RunID:           "full",
		Scenario:        sc,
		Variants:        standardTable(t),
		Begin:           0,
		End:             1,
		Steps:           sc.Ensemble.Steps,
		Seed:            11,
		Storage:         engine.StorageFrom(sc.Output),
		Sink:            full,
		CheckpointEvery: 10,
		CheckpointDir:   ckDir,
	}
	if _, err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_ = full.Close()

	// Resume the same iteration from step 10.
	resumed := *sc
	resumed.Model.Initialization = config.Initialization{
		LoadFromFile:    true,
		LoadingFilePath: ckDir,
		StartingStep:    10,
	}
	part, err := report.NewSink(filepath.Join(dir, "part.csv"), "", false)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	job.RunID = "resume"
	job.Scenario = &resumed
	job.Sink = part
	job.CheckpointEvery = 0
	res, err := r.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Failed) > 0 {
		t.Fatalf("resume failed: %v", res.Err())
	}
	_ = part.Close()

	fullRecs, err := report.ReadAll(full.ModelPath())
	if err != nil {
		t.Fatal(err)
	}
	partRecs, err := report.ReadAll(part.ModelPath())
	if err != nil {
		t.Fatal(err)
	}
	want := stripTiming(fullRecs)[11:] // header plus ticks 0..9
	got := stripTiming(partRecs)[1:]
	if len(got) != len(want) {
		t.Fatalf("resumed rows = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !slices.Equal(got[i], want[i]) {
			t.Fatalf("row %d differs after resume:\n%v\n%v", i, got[i], want[i])
		}
	}
}

func TestIndexRecordsRowsAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	db, err := persistence.Open(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	sc := smallScenario()
	r := &Runner{Workers: 2}
	res, err := r.Run(context.Background(), Job{
		RunID:           "indexed",
		Scenario:        sc,
		Variants:        standardTable(t),
		Begin:           0,
		End:             2,
		Steps:           sc.Ensemble.Steps,
		Seed:            3,
		Storage:         engine.StorageFrom(sc.Output),
		CheckpointEvery: 15,
		CheckpointDir:   filepath.Join(dir, "ck"),
		Index:           db,
		StoreRows:       true,
	})
	if err != nil || len(res.Failed) > 0 {
		t.Fatalf("Run: %v %v", err, res.Err())
	}

	run, err := db.GetRun("indexed")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != persistence.StatusCompleted || !run.FinishedAt.Valid {
		t.Errorf("run = %+v", run)
	}
	rows, err := db.Rows("indexed", 1)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != sc.Ensemble.Steps {
		t.Fatalf("stored rows = %d, want %d", len(rows), sc.Ensemble.Steps)
	}
	if rows[0]["N"] != 60 {
		t.Errorf("first row N = %v", rows[0]["N"])
	}
	ck, err := db.FindCheckpoint("indexed", 1, 15)
	if err != nil {
		t.Fatalf("FindCheckpoint: %v", err)
	}
	if ck.Bytes <= 0 {
		t.Errorf("checkpoint size %d", ck.Bytes)
	}
	if _, err := db.FindCheckpoint("indexed", 1, 16); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("missing checkpoint err = %v", err)
	}
}
