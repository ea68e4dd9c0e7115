package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/yourusername/campus-bulk/internal/audit"
	"github.com/yourusername/campus-bulk/internal/bulk"
	"github.com/yourusername/campus-bulk/internal/metrics"
)

// RowProcessor は行の検証・登録を行います。*bulk.Service が実装します。
type RowProcessor interface {
	ProcessRows(ctx context.Context, req bulk.RunRequest, hooks bulk.Hooks) (*bulk.Summary, error)
}

// WorkerOptions は Worker の依存関係と進捗の保存間隔です。
type WorkerOptions struct {
	Publisher Publisher
	Auditor   audit.Recorder
	EveryRows int
	Interval  time.Duration
	Logger    *log.Logger
}

// Worker は1ジョブの実行を担います。状態遷移と集計の書き込みはここからのみ行います。
type Worker struct {
	store     *Store
	processor RowProcessor
	publisher Publisher
	auditor   audit.Recorder
	everyRows int
	interval  time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// NewWorker は Worker を生成します。
func NewWorker(store *Store, processor RowProcessor, opts WorkerOptions) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	auditor := opts.Auditor
	if auditor == nil {
		auditor = audit.NewBestEffort(nil, logger)
	}
	everyRows := opts.EveryRows
	if everyRows < 1 {
		everyRows = 10
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{
		store:     store,
		processor: processor,
		publisher: opts.Publisher,
		auditor:   auditor,
		everyRows: everyRows,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run はジョブを1回試行します。
// 行単位の失敗は集計に含めて COMPLETED とし、処理自体が中断した場合はエラーを返します。
// finalAttempt が true のときは FAILED にし、そうでなければ次の試行のために LastError のみ記録します。
func (w *Worker) Run(ctx context.Context, jobID string, finalAttempt bool) error {
	record, err := w.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		w.logger.Printf("jobs: skip job=%s already %s", jobID, record.Status)
		return nil
	}

	if record.Status == StatusQueued {
		requested, err := w.store.CancelRequested(ctx, jobID)
		if err != nil {
			return err
		}
		if record.CancelRequested || requested {
			cancelled, err := w.store.MarkCancelled(ctx, jobID, nil)
			if errors.Is(err, ErrInvalidTransition) {
				return nil
			}
			if err != nil {
				return err
			}
			w.finish(ctx, cancelled)
			return nil
		}
	}

	record, err = w.store.MarkProcessing(ctx, jobID)
	if errors.Is(err, ErrInvalidTransition) {
		// 取得から遷移までの間に取り消された
		w.logger.Printf("jobs: job=%s left the queue before processing: %v", jobID, err)
		return nil
	}
	if err != nil {
		return err
	}
	w.publish(ctx, record)
	w.logger.Printf("jobs: start job=%s type=%s rows=%d attempt=%d", jobID, record.Type, record.TotalRows, record.Attempts)

	rows, err := w.store.LoadRows(ctx, jobID)
	if err != nil {
		return w.abort(ctx, record, nil, err, finalAttempt)
	}

	tracker := &progressTracker{worker: w, ctx: ctx, jobID: jobID, last: w.now()}
	summary, runErr := w.processor.ProcessRows(ctx, bulk.RunRequest{
		RunScope: bulk.RunScope{
			JobID: jobID,
			Type:  record.Type,
			Mode:  record.Mode,
			Scope: record.scope(),
		},
		Rows: rows,
	}, bulk.Hooks{
		OnRow:      tracker.onRow,
		ShouldStop: func(ctx context.Context) bool { return w.cancelRequested(ctx, jobID) },
	})
	if runErr != nil {
		return w.abort(ctx, record, summary, runErr, finalAttempt)
	}

	// 後続の書き込みは呼び出し元のキャンセルに影響されないようにする
	ctx = context.WithoutCancel(ctx)
	var final *Record
	if summary.Cancelled {
		final, err = w.store.MarkCancelled(ctx, jobID, summary)
	} else {
		final, err = w.store.MarkCompleted(ctx, jobID, summary)
	}
	if err != nil {
		return err
	}
	w.finish(ctx, final)
	return nil
}

func (w *Worker) abort(ctx context.Context, record *Record, summary *bulk.Summary, cause error, finalAttempt bool) error {
	ctx = context.WithoutCancel(ctx)
	message := fmt.Sprintf("処理中にエラーが発生しました: %v", cause)
	if !finalAttempt {
		updated, err := w.store.RecordAttemptError(ctx, record.JobID, summary, message)
		if err != nil {
			w.logger.Printf("jobs: record attempt error job=%s: %v", record.JobID, err)
		} else {
			w.publish(ctx, updated)
		}
		w.logger.Printf("jobs: attempt %d of job=%s failed, will retry: %v", record.Attempts, record.JobID, cause)
		return cause
	}

	failed, err := w.store.MarkFailed(ctx, record.JobID, summary, message)
	if err != nil {
		w.logger.Printf("jobs: mark failed job=%s: %v", record.JobID, err)
		return cause
	}
	w.finish(ctx, failed)
	return cause
}

// finish は終端状態に入ったジョブのメトリクス・監査ログ・通知をまとめて行います。
func (w *Worker) finish(ctx context.Context, record *Record) {
	metrics.JobFinished(string(record.Type), string(record.Status), record.ProcessingTime())
	_ = w.auditor.Record(ctx, audit.Event{
		Action:        audit.ActionJob,
		EntityType:    string(record.Type),
		EntityID:      record.JobID,
		ActorID:       record.SubmittedBy,
		InstitutionID: record.InstitutionID,
		JobID:         record.JobID,
		Detail: fmt.Sprintf("status=%s total=%d success=%d failed=%d",
			record.Status, record.TotalRows, record.SuccessCount, record.FailedCount),
	})
	w.publish(ctx, record)
	w.logger.Printf("jobs: job=%s finished status=%s success=%d failed=%d",
		record.JobID, record.Status, record.SuccessCount, record.FailedCount)
}

func (w *Worker) publish(ctx context.Context, record *Record) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(ctx, EventFrom(record)); err != nil {
		w.logger.Printf("jobs: drop progress event job=%s: %v", record.JobID, err)
	}
}

func (w *Worker) cancelRequested(ctx context.Context, jobID string) bool {
	requested, err := w.store.CancelRequested(ctx, jobID)
	if err != nil {
		w.logger.Printf("jobs: read cancel flag job=%s: %v", jobID, err)
		return false
	}
	return requested
}

// progressTracker は N 行ごと、または一定時間ごとに集計を保存します。
type progressTracker struct {
	worker  *Worker
	ctx     context.Context
	jobID   string
	pending int
	last    time.Time
}

func (t *progressTracker) onRow(summary *bulk.Summary) {
	t.pending++
	now := t.worker.now()
	if t.pending < t.worker.everyRows && now.Sub(t.last) < t.worker.interval {
		return
	}
	t.pending = 0
	t.last = now

	snapshot := summary.Clone()
	record, err := t.worker.store.UpdateProgress(t.ctx, t.jobID, &snapshot)
	if err != nil {
		t.worker.logger.Printf("jobs: failed to update progress job=%s: %v", t.jobID, err)
		return
	}
	t.worker.publish(t.ctx, record)
}
