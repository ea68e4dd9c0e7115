package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/campus-bulk/internal/audit"
	"github.com/yourusername/campus-bulk/internal/bulk"
	"github.com/yourusername/campus-bulk/internal/config"
	"github.com/yourusername/campus-bulk/internal/lock"
	"github.com/yourusername/campus-bulk/internal/tenant"
)

var (
	principalScope = tenant.Scope{UserID: "principal-1", Role: tenant.RolePrincipal, InstitutionID: "inst-1"}
	otherPrincipal = tenant.Scope{UserID: "principal-2", Role: tenant.RolePrincipal, InstitutionID: "inst-2"}
	stateScope     = tenant.Scope{UserID: "state-1", Role: tenant.RoleStateDirectorate}

	errBoom = errors.New("store unavailable")
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	client, mr := newTestRedis(t)
	return NewStore(client, 24*time.Hour), mr
}

func studentRows(n int) []bulk.RawRow {
	rows := make([]bulk.RawRow, n)
	for i := range rows {
		idx := i + 1
		rows[i] = bulk.RawRow{
			Index: idx,
			Values: map[string]string{
				"name":       fmt.Sprintf("Student %d", idx),
				"email":      fmt.Sprintf("s%d@example.com", idx),
				"phone":      fmt.Sprintf("98765%05d", idx),
				"rollNumber": fmt.Sprintf("R%d", idx),
				"department": "CSE",
			},
		}
	}
	return rows
}

func submission(jobID string, scope tenant.Scope, rows []bulk.RawRow) *bulk.Submission {
	return &bulk.Submission{
		JobID:    jobID,
		Type:     bulk.JobTypeStudents,
		Mode:     bulk.ModeCreate,
		Scope:    scope,
		FileName: "students.csv",
		FileSize: 128,
		Rows:     rows,
	}
}

// createJob は queuedAt を指定して QUEUED のジョブを作ります。
func createJob(t *testing.T, s *Store, sub *bulk.Submission, queuedAt time.Time) *Record {
	t.Helper()
	record := newRecord(sub, queuedAt)
	if err := s.Create(context.Background(), record, sub.Rows); err != nil {
		t.Fatalf("Create(%s): %v", sub.JobID, err)
	}
	return record
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

type auditSpy struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditSpy) Record(_ context.Context, event audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

// stubProcessor は各行を成功扱いにし、failAt の行で err を返します。
type stubProcessor struct {
	mu        sync.Mutex
	failAt    int
	err       error
	beforeRow func(index int)
	runs      int
	requests  []bulk.RunRequest
}

func (p *stubProcessor) ProcessRows(ctx context.Context, req bulk.RunRequest, hooks bulk.Hooks) (*bulk.Summary, error) {
	p.mu.Lock()
	p.runs++
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	summary := &bulk.Summary{
		TotalRows:     len(req.Rows),
		SuccessReport: []bulk.RowSuccess{},
		ErrorReport:   []bulk.RowError{},
	}
	for _, row := range req.Rows {
		if hooks.ShouldStop != nil && hooks.ShouldStop(ctx) {
			summary.Cancelled = true
			return summary, nil
		}
		if p.beforeRow != nil {
			p.beforeRow(row.Index)
		}
		if p.failAt == row.Index {
			return summary, p.err
		}
		summary.ProcessedRows++
		summary.SuccessCount++
		summary.SuccessReport = append(summary.SuccessReport, bulk.RowSuccess{Row: row.Index, Action: bulk.ActionCreated})
		if hooks.OnRow != nil {
			hooks.OnRow(summary)
		}
	}
	return summary, nil
}

type stubQueue struct {
	mu       sync.Mutex
	enqueued []string
	deleted  []string
	err      error
}

func (q *stubQueue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *stubQueue) Delete(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, jobID)
	return nil
}

type managerFixture struct {
	manager   *Manager
	store     *Store
	queue     *stubQueue
	processor *stubProcessor
	publisher *RedisPublisher
	auditor   *auditSpy
	mr        *miniredis.Miniredis
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	client, mr := newTestRedis(t)
	store := NewStore(client, 24*time.Hour)
	processor := &stubProcessor{}
	publisher := NewRedisPublisher(client, quietLogger())
	auditor := &auditSpy{}
	worker := NewWorker(store, processor, WorkerOptions{
		Publisher: publisher,
		Auditor:   auditor,
		EveryRows: 2,
		Interval:  time.Hour,
		Logger:    quietLogger(),
	})
	queue := &stubQueue{}
	cfg := &config.Config{BulkMaxAttempts: 3, BulkRetryBaseSeconds: 1, BulkRetryMaxSeconds: 10}
	manager, err := newManager(cfg, queue, Options{
		Store:      store,
		Worker:     worker,
		Locker:     lock.New(client, 5*time.Second, quietLogger()),
		Subscriber: publisher,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("newManager: %v", err)
	}
	return &managerFixture{
		manager:   manager,
		store:     store,
		queue:     queue,
		processor: processor,
		publisher: publisher,
		auditor:   auditor,
		mr:        mr,
	}
}
