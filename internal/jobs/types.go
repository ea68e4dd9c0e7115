// Package jobs は一括登録ジョブの状態管理と非同期実行を提供します。
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/campus-bulk/internal/bulk"
	"github.com/yourusername/campus-bulk/internal/tenant"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotRetryable      = errors.New("job is not retryable")
)

// QUEUED→FAILED はブローカーへの投入に失敗したときだけ使います。
// PROCESSING→PROCESSING は再配信で次の試行が始まるときの遷移です。
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransitionTo は next への遷移が許されるかを返します。
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal は終端状態かを返します。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus は大文字小文字を区別せずに Status へ変換します。
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Record はジョブの現在状態です。Job Record Store に JSON で保存されます。
type Record struct {
	JobID         string       `json:"jobId"`
	Type          bulk.JobType `json:"type"`
	Mode          bulk.Mode    `json:"mode"`
	InstitutionID string       `json:"institutionId,omitempty"`
	SubmittedBy   string       `json:"submittedBy"`
	SubmitterRole tenant.Role  `json:"submitterRole"`

	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	RowBytes   int64  `json:"rowBytes"`
	StoredPath string `json:"storedPath,omitempty"`

	Status        Status `json:"status"`
	TotalRows     int    `json:"totalRows"`
	ProcessedRows int    `json:"processedRows"`
	SuccessCount  int    `json:"successCount"`
	FailedCount   int    `json:"failedCount"`
	Progress      int    `json:"progress"`

	SuccessReport []bulk.RowSuccess `json:"successReport"`
	ErrorReport   []bulk.RowError   `json:"errorReport"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`

	Attempts        int    `json:"attempts"`
	LastError       string `json:"lastError,omitempty"`
	CancelRequested bool   `json:"cancelRequested,omitempty"`
	RetryOf         string `json:"retryOf,omitempty"`
	RetriedAs       string `json:"retriedAs,omitempty"`

	QueuedAt         time.Time  `json:"queuedAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	ProcessingTimeMS int64      `json:"processingTimeMs,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// ProcessingTime は completedAt - startedAt です。どちらかが未設定なら 0 を返します。
func (r *Record) ProcessingTime() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// Public は API レスポンス用に内部情報を取り除いたコピーを返します。
func (r *Record) Public() Record {
	out := *r
	out.StoredPath = ""
	return out
}

func (r *Record) transition(next Status) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, r.Status, next, r.JobID)
	}
	r.Status = next
	return nil
}

func (r *Record) applySummary(summary *bulk.Summary) {
	if summary == nil {
		return
	}
	r.ProcessedRows = summary.ProcessedRows
	r.SuccessCount = summary.SuccessCount
	r.FailedCount = summary.FailedCount
	r.SuccessReport = append([]bulk.RowSuccess{}, summary.SuccessReport...)
	r.ErrorReport = append([]bulk.RowError{}, summary.ErrorReport...)
	r.Progress = progressOf(r.ProcessedRows, r.TotalRows)
}

func (r *Record) resetCounters() {
	r.ProcessedRows = 0
	r.SuccessCount = 0
	r.FailedCount = 0
	r.Progress = 0
	r.SuccessReport = []bulk.RowSuccess{}
	r.ErrorReport = []bulk.RowError{}
}

func (r *Record) complete(at time.Time) {
	r.CompletedAt = &at
	r.ProcessingTimeMS = r.ProcessingTime().Milliseconds()
	r.CancelRequested = false
}

// progressOf は処理済み行数の割合です（100 で頭打ち）。
func progressOf(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p > 100 {
		return 100
	}
	return p
}

// Brief は一覧表示用の要約です。
type Brief struct {
	JobID         string       `json:"jobId"`
	Type          bulk.JobType `json:"type"`
	Mode          bulk.Mode    `json:"mode"`
	InstitutionID string       `json:"institutionId,omitempty"`
	SubmittedBy   string       `json:"submittedBy"`
	FileName      string       `json:"fileName"`
	Status        Status       `json:"status"`
	TotalRows     int          `json:"totalRows"`
	ProcessedRows int          `json:"processedRows"`
	SuccessCount  int          `json:"successCount"`
	FailedCount   int          `json:"failedCount"`
	Progress      int          `json:"progress"`
	ErrorMessage  string       `json:"errorMessage,omitempty"`
	RetryOf       string       `json:"retryOf,omitempty"`
	RetriedAs     string       `json:"retriedAs,omitempty"`
	QueuedAt      time.Time    `json:"queuedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
}

func (r *Record) brief() Brief {
	return Brief{
		JobID:         r.JobID,
		Type:          r.Type,
		Mode:          r.Mode,
		InstitutionID: r.InstitutionID,
		SubmittedBy:   r.SubmittedBy,
		FileName:      r.FileName,
		Status:        r.Status,
		TotalRows:     r.TotalRows,
		ProcessedRows: r.ProcessedRows,
		SuccessCount:  r.SuccessCount,
		FailedCount:   r.FailedCount,
		Progress:      r.Progress,
		ErrorMessage:  r.ErrorMessage,
		RetryOf:       r.RetryOf,
		RetriedAs:     r.RetriedAs,
		QueuedAt:      r.QueuedAt,
		CompletedAt:   r.CompletedAt,
	}
}

// newRecord は投入内容から QUEUED のレコードを作ります。
func newRecord(sub *bulk.Submission, now time.Time) *Record {
	var rowBytes int64
	for _, row := range sub.Rows {
		for _, v := range row.Values {
			rowBytes += int64(len(v))
		}
	}
	return &Record{
		JobID:         sub.JobID,
		Type:          sub.Type,
		Mode:          sub.Mode,
		InstitutionID: sub.Scope.InstitutionID,
		SubmittedBy:   sub.Scope.UserID,
		SubmitterRole: sub.Scope.Role,
		FileName:      sub.FileName,
		FileSize:      sub.FileSize,
		RowBytes:      rowBytes,
		StoredPath:    sub.StoredPath,
		Status:        StatusQueued,
		TotalRows:     len(sub.Rows),
		SuccessReport: []bulk.RowSuccess{},
		ErrorReport:   []bulk.RowError{},
		QueuedAt:      now,
		UpdatedAt:     now,
	}
}

// scope はジョブ投入者の権限範囲を復元します。
func (r *Record) scope() tenant.Scope {
	return tenant.Scope{
		InstitutionID: r.InstitutionID,
		UserID:        r.SubmittedBy,
		Role:          r.SubmitterRole,
	}
}
