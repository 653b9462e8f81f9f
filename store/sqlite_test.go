// ABOUTME: Tests for the SQLite run-record store.
// ABOUTME: Covers save/get round trips, re-save replacement, list ordering, and the manual-compensation query.
package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/maru-assistant/maru/pipeline"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleResult(runID string, status pipeline.RunStatus) *pipeline.RunResult {
	return &pipeline.RunResult{
		PipelineRunID: runID,
		PipelineID:    "daily-plan",
		Status:        status,
		Artifacts:     map[string]any{"plan": map[string]any{"todo_count": float64(2)}},
		NodeRuns: []pipeline.NodeRun{
			{NodeID: "fetch", NodeType: pipeline.KindSkill, Status: pipeline.NodeSucceeded, Attempt: 1, DurationMS: 12},
			{NodeID: "write", NodeType: pipeline.KindSkill, Status: pipeline.NodeSucceeded, Attempt: 2, DurationMS: 80,
				IdempotencyKey: "idem-abc", ExternalRef: "evt-1"},
		},
		ToolCalls:                   3,
		IdempotentSuccessReuseCount: 1,
	}
}

func TestSaveAndGetRun(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveRun(sampleResult("run-1", pipeline.RunSucceeded), "u1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.PipelineID != "daily-plan" || rec.UserID != "u1" || rec.Status != "succeeded" {
		t.Errorf("unexpected summary: %+v", rec.RunSummary)
	}
	if rec.ToolCalls != 3 || rec.ReuseCount != 1 {
		t.Errorf("unexpected counters: %+v", rec.RunSummary)
	}
	if len(rec.NodeRuns) != 2 {
		t.Fatalf("expected 2 node runs, got %d", len(rec.NodeRuns))
	}
	if rec.NodeRuns[0].NodeID != "fetch" || rec.NodeRuns[1].NodeID != "write" {
		t.Errorf("node runs out of order: %+v", rec.NodeRuns)
	}
	if rec.NodeRuns[1].IdempotencyKey != "idem-abc" || rec.NodeRuns[1].Attempt != 2 {
		t.Errorf("unexpected write row: %+v", rec.NodeRuns[1])
	}

	plan, _ := rec.Artifacts["plan"].(map[string]any)
	if plan == nil || plan["todo_count"] != float64(2) {
		t.Errorf("artifacts did not round-trip: %v", rec.Artifacts)
	}
	if rec.Failure != nil {
		t.Errorf("successful run should have no failure, got %+v", rec.Failure)
	}
}

func TestGetRunMissing(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.GetRun("ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for a missing run, got %+v", rec)
	}
}

func TestSaveRunPersistsFailure(t *testing.T) {
	s := openTestStore(t)

	result := sampleResult("run-2", pipeline.RunFailed)
	result.Failure = &pipeline.Failure{
		Code:               pipeline.ErrToolRateLimited,
		Reason:             "skill rate limited",
		FailedStep:         "write",
		CompensationStatus: pipeline.CompensationNotRequired,
		PipelineRunID:      "run-2",
	}
	result.CompensationEvents = []pipeline.CompensationEvent{
		{NodeID: "step2", SkillName: "tracker_update_issue", Status: string(pipeline.CompensationManualRequired), ExternalRef: "i1"},
		{NodeID: "step1", SkillName: "tracker_create_issue", Status: string(pipeline.CompensationCompleted), ExternalRef: "i1"},
	}

	if err := s.SaveRun(result, "u1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, err := s.GetRun("run-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ErrorCode != string(pipeline.ErrToolRateLimited) {
		t.Errorf("expected error code on the summary, got %q", rec.ErrorCode)
	}
	if rec.Failure == nil || rec.Failure.FailedStep != "write" {
		t.Errorf("failure did not round-trip: %+v", rec.Failure)
	}
	if len(rec.CompensationEvents) != 2 || rec.CompensationEvents[0].NodeID != "step2" {
		t.Errorf("compensation events out of order: %+v", rec.CompensationEvents)
	}
}

func TestSaveRunReplacesPreviousRecord(t *testing.T) {
	s := openTestStore(t)

	first := sampleResult("run-3", pipeline.RunFailed)
	first.Failure = &pipeline.Failure{Code: pipeline.ErrToolTimeout, Reason: "timed out"}
	if err := s.SaveRun(first, "u1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := sampleResult("run-3", pipeline.RunSucceeded)
	second.NodeRuns = second.NodeRuns[:1]
	if err := s.SaveRun(second, "u1"); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	rec, err := s.GetRun("run-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != "succeeded" || rec.Failure != nil {
		t.Errorf("re-save should replace the record: %+v", rec.RunSummary)
	}
	if len(rec.NodeRuns) != 1 {
		t.Errorf("expected stale node runs to be cleared, got %d", len(rec.NodeRuns))
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return ts }
		if err := s.SaveRun(sampleResult(id, pipeline.RunSucceeded), "u1"); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	runs, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-c" || runs[2].RunID != "run-a" {
		t.Errorf("expected newest first, got %v %v %v", runs[0].RunID, runs[1].RunID, runs[2].RunID)
	}

	limited, err := s.ListRuns(2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestListManualCompensations(t *testing.T) {
	s := openTestStore(t)

	failed := sampleResult("run-m", pipeline.RunFailed)
	failed.CompensationEvents = []pipeline.CompensationEvent{
		{NodeID: "step2", SkillName: "tracker_update_issue", Status: string(pipeline.CompensationManualRequired), ExternalRef: "i1"},
		{NodeID: "step1", SkillName: "tracker_create_issue", Status: string(pipeline.CompensationCompleted), ExternalRef: "i1"},
	}
	if err := s.SaveRun(failed, "u1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveRun(sampleResult("run-ok", pipeline.RunSucceeded), "u1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	manual, err := s.ListManualCompensations()
	if err != nil {
		t.Fatalf("list manual: %v", err)
	}
	if len(manual) != 1 {
		t.Fatalf("expected 1 manual compensation, got %d", len(manual))
	}
	if manual[0].RunID != "run-m" || manual[0].NodeID != "step2" {
		t.Errorf("unexpected row: %+v", manual[0])
	}
}
