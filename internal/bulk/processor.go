package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yourusername/campus-bulk/internal/audit"
	"github.com/yourusername/campus-bulk/internal/metrics"
	"github.com/yourusername/campus-bulk/internal/tenant"
)

// ErrConflict は自然キーが他のエンティティに使われていたことを表します。
// 事前検証をすり抜けた競合もここで行単位の失敗になります。
var ErrConflict = errors.New("natural key conflict")

// SaveRequest は検証済みの1行を永続化する要求です。
type SaveRequest struct {
	JobID string
	Type  JobType
	Mode  Mode
	Scope tenant.Scope
	Row   int
	Key   string
	Data  map[string]string
}

// SaveResult は永続化の結果です。Replayed は同じジョブの再配信で既に作成済みだった場合に true です。
type SaveResult struct {
	Ref      EntityRef
	Action   Action
	Replayed bool
}

// Sink は自然キー単位で冪等な書き込み先です。
type Sink interface {
	Save(ctx context.Context, req SaveRequest) (SaveResult, error)
}

// RunRequest は ProcessRows への入力です。
type RunRequest struct {
	RunScope
	Rows []RawRow
}

// Hooks は行処理の途中経過を受け取るためのコールバックです。
type Hooks struct {
	// OnRow は1行処理するたびに呼ばれます。summary は呼び出し中のみ有効です。
	OnRow func(summary *Summary)
	// ShouldStop が true を返すと次の行へ進まずに終了します。
	ShouldStop func(ctx context.Context) bool
}

// ProcessRows は行を順番に検証・登録し、集計を返します。
// 行単位の失敗はレポートに積み、それ以外のエラーでは処理済みの集計とともにエラーを返します。
func (s *Service) ProcessRows(ctx context.Context, req RunRequest, hooks Hooks) (*Summary, error) {
	summary := newSummary(len(req.Rows))
	pass := NewPass()
	jobType := string(req.Type)

	for _, row := range req.Rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if hooks.ShouldStop != nil && hooks.ShouldStop(ctx) {
			summary.Cancelled = true
			return summary, nil
		}

		verdict, err := s.validator.Validate(ctx, row, req.RunScope, pass)
		if err != nil {
			return summary, fmt.Errorf("validate row %d: %w", row.Index, err)
		}
		if !verdict.Valid {
			summary.addError(verdictError(row, verdict))
			metrics.RowProcessed(jobType, false)
			notify(hooks, summary)
			continue
		}

		result, err := s.sink.Save(ctx, SaveRequest{
			JobID: req.JobID,
			Type:  req.Type,
			Mode:  req.Mode,
			Scope: req.Scope,
			Row:   row.Index,
			Key:   verdict.Key,
			Data:  verdict.Data,
		})
		if errors.Is(err, ErrConflict) {
			field := keyField(req.Type)
			summary.addError(RowError{
				Row:     row.Index,
				Code:    RowCodeDuplicate,
				Field:   field,
				Message: "既に登録されています",
				Errors:  []FieldError{{Field: field, Message: "既に登録されています"}},
				Values:  row.Values,
			})
			metrics.RowProcessed(jobType, false)
			notify(hooks, summary)
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("save row %d: %w", row.Index, err)
		}

		ref := result.Ref
		summary.addSuccess(RowSuccess{Row: row.Index, Action: result.Action, Entity: &ref})
		metrics.RowProcessed(jobType, true)
		if !result.Replayed {
			s.recordAudit(ctx, req, result)
		}
		notify(hooks, summary)
	}
	return summary, nil
}

func (s *Service) recordAudit(ctx context.Context, req RunRequest, result SaveResult) {
	action := audit.ActionCreate
	if result.Action == ActionUpdated {
		action = audit.ActionUpdate
	}
	_ = s.auditor.Record(ctx, audit.Event{
		Action:        action,
		EntityType:    string(req.Type),
		EntityID:      result.Ref.ID,
		ActorID:       req.Scope.UserID,
		InstitutionID: req.Scope.InstitutionID,
		JobID:         req.JobID,
		Detail:        result.Ref.Key,
	})
}

func notify(hooks Hooks, summary *Summary) {
	if hooks.OnRow != nil {
		hooks.OnRow(summary)
	}
}

func verdictError(row RawRow, verdict Verdict) RowError {
	messages := make([]string, 0, len(verdict.Errors))
	for _, fe := range verdict.Errors {
		messages = append(messages, fe.Field+": "+fe.Message)
	}
	entry := RowError{
		Row:     row.Index,
		Code:    verdict.Code,
		Message: strings.Join(messages, "; "),
		Errors:  verdict.Errors,
		Values:  row.Values,
	}
	if len(verdict.Errors) > 0 {
		entry.Field = verdict.Errors[0].Field
	}
	return entry
}

func keyField(t JobType) string {
	switch t {
	case JobTypeInstitutions:
		return "code"
	case JobTypeSelfInternships:
		return "startDate"
	default:
		return "email"
	}
}
