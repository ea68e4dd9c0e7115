package bulk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/yourusername/campus-bulk/internal/audit"
	"github.com/yourusername/campus-bulk/internal/tenant"
)

const (
	queuedStatus = "QUEUED"

	xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// FileStore はアップロードされた元ファイルの保管先です。
type FileStore interface {
	Save(ctx context.Context, jobID, filename string, data []byte) (string, error)
	Remove(jobID string) error
}

// Submission は非同期処理へ渡す投入内容です。Rows はリトライでも再利用するスナップショットです。
type Submission struct {
	JobID      string
	Type       JobType
	Mode       Mode
	Scope      tenant.Scope
	FileName   string
	FileSize   int64
	StoredPath string
	Rows       []RawRow
}

// JobScheduler はジョブを非同期キューに投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, sub *Submission) error
}

// Limits はアップロードの上限と同期処理の閾値です。
type Limits struct {
	MaxFileSize      int64
	MaxRows          int
	SyncRowThreshold int
}

// Options は Service の依存関係です。
type Options struct {
	Lookup    Lookup
	Sink      Sink
	Auditor   audit.Recorder
	Files     FileStore
	Scheduler JobScheduler
	Limits    Limits
	Logger    *log.Logger
}

// Service は一括登録の受付・検証・登録を担います。
type Service struct {
	validator *Validator
	sink      Sink
	auditor   audit.Recorder
	files     FileStore
	scheduler JobScheduler
	limits    Limits
	logger    *log.Logger
	inflight  singleflight.Group
}

// NewService は Service を生成します。
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	auditor := opts.Auditor
	if auditor == nil {
		auditor = audit.NewBestEffort(nil, logger)
	}
	return &Service{
		validator: NewValidator(opts.Lookup),
		sink:      opts.Sink,
		auditor:   auditor,
		files:     opts.Files,
		scheduler: opts.Scheduler,
		limits:    opts.Limits,
		logger:    logger,
	}
}

// UploadRequest はアップロード1件の内容です。Async が nil の場合は行数で自動判定します。
type UploadRequest struct {
	Scope         tenant.Scope
	Type          JobType
	Mode          Mode
	Async         *bool
	InstitutionID string
	FileName      string
	Data          []byte
}

// UploadResult は同期処理なら Summary、非同期なら JobID を持ちます。
type UploadResult struct {
	Async   bool     `json:"async"`
	JobID   string   `json:"jobId,omitempty"`
	Status  string   `json:"status,omitempty"`
	Summary *Summary `json:"summary,omitempty"`
}

type prepared struct {
	run  RunScope
	rows []RawRow
}

// Upload はファイルを受け付け、小さければその場で処理し、大きければジョブとして投入します。
// 同じ利用者からの同一内容の同時投入は1回の処理にまとめます。
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	async := len(p.rows) > s.limits.SyncRowThreshold
	if req.Async != nil {
		async = *req.Async
	}

	key := dedupeKey(req, p.run.Scope, async)
	v, err, shared := s.inflight.Do(key, func() (any, error) {
		if async {
			return s.enqueue(ctx, req, p)
		}
		summary, err := s.ProcessRows(ctx, RunRequest{RunScope: p.run, Rows: p.rows}, Hooks{})
		if err != nil {
			return nil, err
		}
		return &UploadResult{Summary: summary}, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Printf("bulk: collapsed duplicate submission user=%s type=%s", req.Scope.UserID, req.Type)
	}
	return v.(*UploadResult), nil
}

// DryRun は検証のみを行い、何も保存しません。有効な行は action=valid で報告します。
func (s *Service) DryRun(ctx context.Context, req UploadRequest) (*Summary, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	summary := newSummary(len(p.rows))
	pass := NewPass()
	for _, row := range p.rows {
		verdict, err := s.validator.Validate(ctx, row, p.run, pass)
		if err != nil {
			return nil, fmt.Errorf("validate row %d: %w", row.Index, err)
		}
		if !verdict.Valid {
			summary.addError(verdictError(row, verdict))
			continue
		}
		summary.addSuccess(RowSuccess{Row: row.Index, Action: ActionValid})
	}
	return summary, nil
}

func (s *Service) prepare(ctx context.Context, req UploadRequest) (*prepared, error) {
	if len(req.Data) == 0 {
		return nil, newError(CodeEmptyFile, "ファイルが空です。", nil)
	}
	if s.limits.MaxFileSize > 0 && int64(len(req.Data)) > s.limits.MaxFileSize {
		return nil, newError(CodeLimitExceeded, fmt.Sprintf("ファイルサイズは %d バイト以下にしてください。", s.limits.MaxFileSize), nil)
	}
	format, err := DetectFormat(req.FileName)
	if err != nil {
		return nil, err
	}
	if !contentMatches(format, req.Data) {
		return nil, newError(CodeUnsupportedFormat, "ファイルの内容が拡張子と一致しません。", nil)
	}

	if !req.Type.AllowedFor(req.Scope.Role) {
		return nil, newError(CodeForbidden, fmt.Sprintf("%s の一括登録は許可されていません。", req.Type), nil)
	}
	target, err := req.Scope.Target(req.InstitutionID)
	if errors.Is(err, tenant.ErrForbidden) {
		return nil, newError(CodeForbidden, "自機関以外には登録できません。", err)
	}
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateScope(ctx, req.Type, target); err != nil {
		return nil, err
	}

	rows, err := ParseFile(req.FileName, req.Data, req.Type)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, newError(CodeEmptyFile, "データ行がありません。", nil)
	}
	if s.limits.MaxRows > 0 && len(rows) > s.limits.MaxRows {
		return nil, newError(CodeRowLimitExceeded, fmt.Sprintf("1ファイルあたりの行数は %d 行までです (received: %d)。", s.limits.MaxRows, len(rows)), nil)
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeCreate
	}
	return &prepared{
		run:  RunScope{Type: req.Type, Mode: mode, Scope: target},
		rows: rows,
	}, nil
}

func (s *Service) enqueue(ctx context.Context, req UploadRequest, p *prepared) (*UploadResult, error) {
	if s.scheduler == nil || s.files == nil {
		return nil, errors.New("async processing is not configured")
	}
	jobID := uuid.NewString()
	path, err := s.files.Save(ctx, jobID, req.FileName, req.Data)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	sub := &Submission{
		JobID:      jobID,
		Type:       p.run.Type,
		Mode:       p.run.Mode,
		Scope:      p.run.Scope,
		FileName:   req.FileName,
		FileSize:   int64(len(req.Data)),
		StoredPath: path,
		Rows:       p.rows,
	}
	if err := s.scheduler.Schedule(ctx, sub); err != nil {
		if cleanupErr := s.files.Remove(jobID); cleanupErr != nil {
			err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
		}
		return nil, err
	}
	s.logger.Printf("bulk: queued job=%s type=%s rows=%d user=%s", jobID, sub.Type, len(sub.Rows), sub.Scope.UserID)
	return &UploadResult{Async: true, JobID: jobID, Status: queuedStatus}, nil
}

func contentMatches(format Format, data []byte) bool {
	detected := mimetype.Detect(data)
	switch format {
	case FormatCSV:
		for m := detected; m != nil; m = m.Parent() {
			if m.Is("text/plain") {
				return true
			}
		}
		return false
	case FormatXLSX:
		return detected.Is(xlsxMIME) || detected.Is("application/zip")
	default:
		return false
	}
}

func dedupeKey(req UploadRequest, target tenant.Scope, async bool) string {
	sum := sha256.Sum256(req.Data)
	return req.Scope.UserID + "|" + string(req.Type) + "|" + string(req.Mode) + "|" +
		target.InstitutionID + "|" + strconv.FormatBool(async) + "|" + hex.EncodeToString(sum[:])
}
