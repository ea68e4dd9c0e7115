package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yourusername/campus-bulk/internal/bulk"
)

func TestStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	createJob(t, s, submission("job-1", principalScope, studentRows(3)), time.Now().UTC())

	record, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Status != StatusQueued || record.TotalRows != 3 || record.ProcessedRows != 0 {
		t.Fatalf("unexpected record: %+v", record)
	}
	rows, err := s.LoadRows(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadRows: %v", err)
	}
	if len(rows) != 3 || rows[2].Values["email"] != "s3@example.com" {
		t.Fatalf("unexpected snapshot: %+v", rows)
	}
	if ttl := mr.TTL(jobKey("job-1")); ttl != 24*time.Hour {
		t.Fatalf("unexpected ttl: %v", ttl)
	}

	if err := s.Create(ctx, newRecord(submission("job-1", principalScope, nil), time.Now()), nil); err == nil {
		t.Fatal("creating the same job twice must fail")
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStoreLifecycleIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	createJob(t, s, submission("job-1", principalScope, studentRows(4)), time.Now().UTC())

	started, err := s.MarkProcessing(ctx, "job-1")
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if started.Attempts != 1 || started.StartedAt == nil {
		t.Fatalf("attempt not recorded: %+v", started)
	}

	progress, err := s.UpdateProgress(ctx, "job-1", &bulk.Summary{TotalRows: 4, ProcessedRows: 2, SuccessCount: 2})
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if progress.Progress != 50 || progress.ProcessedRows != 2 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	done, err := s.MarkCompleted(ctx, "job-1", &bulk.Summary{
		TotalRows: 4, ProcessedRows: 4, SuccessCount: 3, FailedCount: 1,
		ErrorReport: []bulk.RowError{{Row: 3, Code: bulk.RowCodeValidation, Field: "email", Message: "email: invalid"}},
	})
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil || done.Progress != 100 {
		t.Fatalf("unexpected completed record: %+v", done)
	}
	if done.SuccessCount+done.FailedCount != done.TotalRows {
		t.Fatalf("counters must add up once completed: %+v", done)
	}

	if _, err := s.MarkProcessing(ctx, "job-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.MarkFailed(ctx, "job-1", nil, "boom"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.UpdateProgress(ctx, "job-1", &bulk.Summary{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for progress after completion, got %v", err)
	}
	if ttl := mr.TTL(jobKey("job-1")); ttl <= 0 {
		t.Fatalf("updates must keep the history ttl, got %v", ttl)
	}
}

func TestStoreNextAttemptResetsCounters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	createJob(t, s, submission("job-1", principalScope, studentRows(5)), time.Now().UTC())

	if _, err := s.MarkProcessing(ctx, "job-1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	failed, err := s.RecordAttemptError(ctx, "job-1", &bulk.Summary{TotalRows: 5, ProcessedRows: 3, SuccessCount: 3}, "connection refused")
	if err != nil {
		t.Fatalf("RecordAttemptError: %v", err)
	}
	if failed.Status != StatusProcessing || failed.LastError != "connection refused" || failed.ProcessedRows != 3 {
		t.Fatalf("unexpected record after attempt error: %+v", failed)
	}

	again, err := s.MarkProcessing(ctx, "job-1")
	if err != nil {
		t.Fatalf("second MarkProcessing: %v", err)
	}
	if again.Attempts != 2 || again.ProcessedRows != 0 || again.SuccessCount != 0 || len(again.SuccessReport) != 0 {
		t.Fatalf("counters must restart on a new attempt: %+v", again)
	}
}

func TestStoreCancelFlag(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	createJob(t, s, submission("job-1", principalScope, studentRows(2)), time.Now().UTC())

	record, err := s.RequestCancel(ctx, "job-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if !record.CancelRequested {
		t.Fatal("record must carry the cancel request")
	}
	requested, err := s.CancelRequested(ctx, "job-1")
	if err != nil || !requested {
		t.Fatalf("CancelRequested = %v, %v", requested, err)
	}

	if _, err := s.MarkCancelled(ctx, "job-1", nil); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	requested, _ = s.CancelRequested(ctx, "job-1")
	if requested {
		t.Fatal("cancel flag must be cleared once terminal")
	}
	if _, err := s.RequestCancel(ctx, "job-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStoreMarkRetriedKeepsFirstLink(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	createJob(t, s, submission("job-1", principalScope, studentRows(1)), time.Now().UTC())

	if _, err := s.MarkRetried(ctx, "job-1", "job-2"); err != nil {
		t.Fatalf("MarkRetried: %v", err)
	}
	record, err := s.MarkRetried(ctx, "job-1", "job-3")
	if err != nil {
		t.Fatalf("MarkRetried: %v", err)
	}
	if record.RetriedAs != "job-2" {
		t.Fatalf("retry link must not be overwritten: %s", record.RetriedAs)
	}
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	createJob(t, s, submission("a", principalScope, studentRows(1)), base)
	createJob(t, s, submission("b", principalScope, studentRows(1)), base.Add(1*time.Hour))
	createJob(t, s, submission("c", principalScope, studentRows(1)), base.Add(2*time.Hour))
	users := submission("d", otherPrincipal, studentRows(1))
	users.Type = bulk.JobTypeUsers
	createJob(t, s, users, base.Add(3*time.Hour))
	createJob(t, s, submission("e", otherPrincipal, studentRows(1)), base.Add(24*time.Hour))

	page, err := s.List(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 5 || len(page.Items) != 2 || page.Items[0].JobID != "e" || page.Items[1].JobID != "d" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, _ = s.List(ctx, Filter{Limit: 2, Page: 3})
	if len(page.Items) != 1 || page.Items[0].JobID != "a" {
		t.Fatalf("unexpected last page: %+v", page)
	}

	page, _ = s.List(ctx, Filter{InstitutionID: "inst-1"})
	if page.Total != 3 {
		t.Fatalf("institution filter: %+v", page)
	}
	page, _ = s.List(ctx, Filter{Type: bulk.JobTypeUsers})
	if page.Total != 1 || page.Items[0].JobID != "d" {
		t.Fatalf("type filter: %+v", page)
	}

	if _, err := s.MarkProcessing(ctx, "b"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	page, _ = s.List(ctx, Filter{Status: StatusProcessing})
	if page.Total != 1 || page.Items[0].JobID != "b" {
		t.Fatalf("status filter: %+v", page)
	}

	page, _ = s.List(ctx, Filter{From: base.Add(30 * time.Minute), To: base.Add(150 * time.Minute)})
	if page.Total != 2 || page.Items[0].JobID != "c" || page.Items[1].JobID != "b" {
		t.Fatalf("date range filter: %+v", page)
	}

	mr.Del(jobKey("c"))
	page, _ = s.List(ctx, Filter{})
	if page.Total != 4 {
		t.Fatalf("expired jobs must be skipped: %+v", page)
	}
	members, err := mr.ZMembers(allJobsKey)
	if err != nil {
		t.Fatalf("ZMembers: %v", err)
	}
	for _, m := range members {
		if m == "c" {
			t.Fatal("expired job must be removed from the index")
		}
	}
}
