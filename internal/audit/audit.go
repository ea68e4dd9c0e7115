// Package audit は登録操作の監査ログを記録します。
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Actions.
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionJob    = "BULK_JOB"
)

// Event は監査ログの1件です。
type Event struct {
	ID            string
	Action        string
	EntityType    string
	EntityID      string
	ActorID       string
	InstitutionID string
	JobID         string
	Detail        string
	CreatedAt     time.Time
}

// Recorder は監査ログの書き込み先です。
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Execer は SQLRecorder が必要とする最小限のDB操作です。プレースホルダーは ? で記述します。
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLRecorder は audit_logs テーブルへ書き込みます。
type SQLRecorder struct {
	db  Execer
	now func() time.Time
}

// NewSQLRecorder は SQLRecorder を生成します。
func NewSQLRecorder(db Execer) *SQLRecorder {
	return &SQLRecorder{db: db, now: time.Now}
}

// Record は1件を挿入します。
func (r *SQLRecorder) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, entity_type, entity_id, actor_id, institution_id, job_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.EntityType, event.EntityID, event.ActorID,
		event.InstitutionID, event.JobID, event.Detail, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// BestEffort は書き込み失敗をログに残して握りつぶします。監査の失敗で登録処理を止めません。
type BestEffort struct {
	inner  Recorder
	logger *log.Logger
}

// NewBestEffort は inner をラップします。
func NewBestEffort(inner Recorder, logger *log.Logger) *BestEffort {
	if logger == nil {
		logger = log.Default()
	}
	return &BestEffort{inner: inner, logger: logger}
}

// Record は常に nil を返します。
func (b *BestEffort) Record(ctx context.Context, event Event) error {
	if b.inner == nil {
		return nil
	}
	if err := b.inner.Record(ctx, event); err != nil {
		b.logger.Printf("audit: drop event action=%s entity=%s/%s job=%s: %v", event.Action, event.EntityType, event.EntityID, event.JobID, err)
	}
	return nil
}
