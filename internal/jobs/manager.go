package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/campus-bulk/internal/bulk"
	"github.com/yourusername/campus-bulk/internal/config"
	"github.com/yourusername/campus-bulk/internal/tenant"
)

const (
	taskTypeBulk = "bulk:process"
	queueName    = "bulk"
)

// TaskPayload は一括登録タスクのペイロードです。行データは Job Record Store から読みます。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// Queue はタスクの投入と削除を行うブローカーです。
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string) error
}

// Locker は名前付きの排他区間を実行します。*lock.Locker が実装します。
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Options は Manager の依存関係です。
type Options struct {
	Store      *Store
	Worker     *Worker
	Locker     Locker
	Subscriber Subscriber
	Logger     *log.Logger
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	cfg        *config.Config
	queue      Queue
	server     *asynq.Server
	mux        *asynq.ServeMux
	closers    []func() error
	store      *Store
	worker     *Worker
	locker     Locker
	subscriber Subscriber
	logger     *log.Logger
	now        func() time.Time
}

// NewManager は Asynq のクライアント・サーバーを使う Manager を初期化します。
func NewManager(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	queue := &asynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		maxRetry:  cfg.BulkMaxAttempts - 1,
		retention: time.Duration(cfg.BulkQueueRetentionHrs) * time.Hour,
	}
	manager, err := newManager(cfg, queue, opts)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	manager.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName: 1,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return cfg.RetryDelay(n)
		},
	})
	manager.mux = asynq.NewServeMux()
	manager.mux.HandleFunc(taskTypeBulk, manager.handleBulkTask)
	manager.closers = append(manager.closers, queue.client.Close, queue.inspector.Close)
	return manager, nil
}

func newManager(cfg *config.Config, queue Queue, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Worker == nil {
		return nil, errors.New("worker is nil")
	}
	if opts.Locker == nil {
		return nil, errors.New("locker is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:        cfg,
		queue:      queue,
		store:      opts.Store,
		worker:     opts.Worker,
		locker:     opts.Locker,
		subscriber: opts.Subscriber,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	if m.server == nil {
		return
	}
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.server != nil {
		m.server.Shutdown()
	}
	var errs []error
	for _, closeFn := range m.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enqueue は QUEUED のレコードと行スナップショットを保存してからタスクを投入します。
// ブローカーへの投入に失敗した場合はレコードを FAILED にしてエラーを返します。
func (m *Manager) Enqueue(ctx context.Context, sub *bulk.Submission) (string, error) {
	if sub == nil || sub.JobID == "" {
		return "", fmt.Errorf("submission with jobID is required")
	}
	record := newRecord(sub, m.now())
	if err := m.submit(ctx, record, sub.Rows); err != nil {
		return "", err
	}
	return record.JobID, nil
}

func (m *Manager) submit(ctx context.Context, record *Record, rows []bulk.RawRow) error {
	if err := m.store.Create(ctx, record, rows); err != nil {
		return fmt.Errorf("create job record: %w", err)
	}
	if err := m.queue.Enqueue(ctx, record.JobID); err != nil {
		bookkeeping := context.WithoutCancel(ctx)
		failed, markErr := m.store.MarkFailed(bookkeeping, record.JobID, nil, fmt.Sprintf("キューへの投入に失敗しました: %v", err))
		if markErr != nil {
			m.logger.Printf("jobs: mark failed job=%s after enqueue error: %v", record.JobID, markErr)
		} else {
			m.worker.finish(bookkeeping, failed)
		}
		return fmt.Errorf("enqueue job %s: %w", record.JobID, err)
	}
	m.logger.Printf("jobs: queued job=%s type=%s rows=%d", record.JobID, record.Type, record.TotalRows)
	return nil
}

// Get は閲覧権限のあるジョブを返します。権限がない場合は存在しない扱いにします。
func (m *Manager) Get(ctx context.Context, scope tenant.Scope, jobID string) (*Record, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !scope.CanView(record.InstitutionID) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return record, nil
}

// List は呼び出し元の範囲に絞った履歴を返します。州局以外は自機関のジョブのみです。
func (m *Manager) List(ctx context.Context, scope tenant.Scope, filter Filter) (*ListResult, error) {
	if !scope.IsState() {
		if scope.InstitutionID == "" {
			return &ListResult{Items: []Brief{}, Page: 1, Limit: defaultPageLimit}, nil
		}
		filter.InstitutionID = scope.InstitutionID
	}
	return m.store.List(ctx, filter)
}

// Cancel は取消を要求します。QUEUED は即座に CANCELLED にしてキューからも削除し、
// PROCESSING は行の境目でワーカーが取り消します。
func (m *Manager) Cancel(ctx context.Context, scope tenant.Scope, jobID string) (*Record, error) {
	record, err := m.Get(ctx, scope, jobID)
	if err != nil {
		return nil, err
	}

	switch record.Status {
	case StatusQueued:
		cancelled, err := m.store.MarkCancelled(ctx, jobID, nil)
		if errors.Is(err, ErrInvalidTransition) {
			// ワーカーが既に取得していた
			return m.store.RequestCancel(ctx, jobID)
		}
		if err != nil {
			return nil, err
		}
		if err := m.queue.Delete(ctx, jobID); err != nil {
			m.logger.Printf("jobs: delete queued task job=%s: %v", jobID, err)
		}
		m.worker.finish(ctx, cancelled)
		return cancelled, nil
	case StatusProcessing:
		return m.store.RequestCancel(ctx, jobID)
	default:
		return nil, fmt.Errorf("%w: cancel on %s job %s", ErrInvalidTransition, record.Status, jobID)
	}
}

// Retry は FAILED または CANCELLED のジョブを保存済みの行スナップショットから新しいジョブとして再投入します。
// 同じジョブへの再実行要求は最初に作られたジョブを返します。
func (m *Manager) Retry(ctx context.Context, scope tenant.Scope, jobID string) (*Record, error) {
	record, err := m.Get(ctx, scope, jobID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusFailed && record.Status != StatusCancelled {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, jobID, record.Status)
	}
	if !record.Type.AllowedFor(scope.Role) {
		return nil, fmt.Errorf("%w: role %s cannot run %s jobs", tenant.ErrForbidden, scope.Role, record.Type)
	}

	var retried *Record
	err = m.locker.WithLock(ctx, "bulk:retry:"+jobID, func(ctx context.Context) error {
		current, err := m.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if current.RetriedAs != "" {
			retried, err = m.store.Get(ctx, current.RetriedAs)
			return err
		}

		rows, err := m.store.LoadRows(ctx, jobID)
		if err != nil {
			return err
		}
		next := newRecord(&bulk.Submission{
			JobID: uuid.NewString(),
			Type:  current.Type,
			Mode:  current.Mode,
			Scope: tenant.Scope{
				InstitutionID: current.InstitutionID,
				UserID:        scope.UserID,
				Role:          scope.Role,
			},
			FileName:   current.FileName,
			FileSize:   current.FileSize,
			StoredPath: current.StoredPath,
			Rows:       rows,
		}, m.now())
		next.RetryOf = jobID

		if err := m.submit(ctx, next, rows); err != nil {
			return err
		}
		if _, err := m.store.MarkRetried(ctx, jobID, next.JobID); err != nil {
			return err
		}
		retried = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return retried, nil
}

// Subscribe は現在の状態と以降の進捗通知を返します。
// 通知を取りこぼさないよう、購読を開始してからレコードを読みます。
func (m *Manager) Subscribe(ctx context.Context, scope tenant.Scope, jobID string) (*Record, <-chan Event, func() error, error) {
	if m.subscriber == nil {
		return nil, nil, nil, errors.New("progress subscriber is not configured")
	}
	events, closeFn, err := m.subscriber.Subscribe(ctx, jobID)
	if err != nil {
		return nil, nil, nil, err
	}
	record, err := m.Get(ctx, scope, jobID)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return record, events, closeFn, nil
}

func (m *Manager) handleBulkTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("%w: missing jobId in payload", asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	err := m.worker.Run(ctx, payload.JobID, retried >= maxRetry)
	if errors.Is(err, ErrJobNotFound) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

// asynqQueue は Asynq をブローカーとして使う Queue です。
type asynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	maxRetry  int
	retention time.Duration
}

func (q *asynqQueue) Enqueue(ctx context.Context, jobID string) error {
	body, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.TaskID(jobID),
		asynq.Queue(queueName),
		asynq.MaxRetry(q.maxRetry),
	}
	if q.retention > 0 {
		opts = append(opts, asynq.Retention(q.retention))
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(taskTypeBulk, body), opts...)
	return err
}

func (q *asynqQueue) Delete(_ context.Context, jobID string) error {
	err := q.inspector.DeleteTask(queueName, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return err
}
