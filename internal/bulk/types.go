// Package bulk はスプレッドシート/CSVによる一括登録のパース・検証・登録処理を提供します。
package bulk

import (
	"fmt"
	"strings"

	"github.com/yourusername/campus-bulk/internal/tenant"
)

// JobType は一括登録の種別です。
type JobType string

const (
	JobTypeStudents        JobType = "STUDENTS"
	JobTypeUsers           JobType = "USERS"
	JobTypeInstitutions    JobType = "INSTITUTIONS"
	JobTypeSelfInternships JobType = "SELF_INTERNSHIPS"
)

// JobTypes は定義済みの種別一覧です（テンプレート一覧などで使用）。
var JobTypes = []JobType{JobTypeStudents, JobTypeUsers, JobTypeInstitutions, JobTypeSelfInternships}

// ParseJobType は文字列を JobType に変換します。
func ParseJobType(raw string) (JobType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	for _, t := range JobTypes {
		if string(t) == normalized {
			return t, nil
		}
	}
	return "", newError(CodeInvalidInput, fmt.Sprintf("type には %s のいずれかを指定してください (received: %s)", joinJobTypes(), raw), nil)
}

// AllowedFor はロールがこの種別を一括登録できるかを返します。
func (t JobType) AllowedFor(role tenant.Role) bool {
	switch t {
	case JobTypeInstitutions:
		return role == tenant.RoleStateDirectorate
	case JobTypeUsers:
		return role == tenant.RoleStateDirectorate || role == tenant.RolePrincipal
	case JobTypeStudents, JobTypeSelfInternships:
		return role == tenant.RoleStateDirectorate || role == tenant.RolePrincipal || role == tenant.RoleFaculty
	default:
		return false
	}
}

// NeedsInstitution は登録先機関の指定が必須かを返します。
func (t JobType) NeedsInstitution() bool {
	return t == JobTypeStudents || t == JobTypeSelfInternships
}

func joinJobTypes() string {
	names := make([]string, len(JobTypes))
	for i, t := range JobTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// Mode は既存データと自然キーが衝突したときの扱いです。
type Mode string

const (
	ModeCreate Mode = "create"
	ModeUpsert Mode = "upsert"
)

// ParseMode は空文字を create として扱います。
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeCreate:
		return ModeCreate, nil
	case ModeUpsert:
		return ModeUpsert, nil
	default:
		return "", newError(CodeInvalidInput, fmt.Sprintf("mode には create または upsert を指定してください (received: %s)", raw), nil)
	}
}

// RawRow はパース直後の1行です。Index はヘッダーを除いた1始まりの行番号です。
type RawRow struct {
	Index  int               `json:"row"`
	Values map[string]string `json:"values"`
}

// FieldError は1項目の検証エラーです。
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Verdict は1行の検証結果です。
type Verdict struct {
	Row    int               `json:"row"`
	Valid  bool              `json:"valid"`
	Code   string            `json:"code,omitempty"`
	Key    string            `json:"-"`
	Data   map[string]string `json:"data,omitempty"`
	Errors []FieldError      `json:"errors,omitempty"`
}

// Action は行ごとの登録結果です。
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionValid   Action = "valid"
)

// EntityRef は登録されたエンティティへの参照です。
type EntityRef struct {
	Type JobType `json:"type"`
	ID   string  `json:"id"`
	Key  string  `json:"key"`
}

// Row error codes.
const (
	RowCodeValidation      = "VALIDATION_FAILED"
	RowCodeDuplicate       = "DUPLICATE"
	RowCodeDuplicateInFile = "DUPLICATE_IN_FILE"
	RowCodeReference       = "REFERENCE_NOT_FOUND"
)

// RowSuccess は成功レポートの1件です。
type RowSuccess struct {
	Row    int        `json:"row"`
	Action Action     `json:"action"`
	Entity *EntityRef `json:"entity,omitempty"`
}

// RowError はエラーレポートの1件です。Field は最初に違反した項目です。
type RowError struct {
	Row     int               `json:"row"`
	Code    string            `json:"code"`
	Field   string            `json:"field,omitempty"`
	Message string            `json:"message"`
	Errors  []FieldError      `json:"errors,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
}

// Summary は一括処理の集計です。SuccessCount+FailedCount は常に ProcessedRows と一致します。
type Summary struct {
	TotalRows     int          `json:"totalRows"`
	ProcessedRows int          `json:"processedRows"`
	SuccessCount  int          `json:"successCount"`
	FailedCount   int          `json:"failedCount"`
	SuccessReport []RowSuccess `json:"successReport"`
	ErrorReport   []RowError   `json:"errorReport"`
	Cancelled     bool         `json:"cancelled,omitempty"`
}

func newSummary(total int) *Summary {
	return &Summary{
		TotalRows:     total,
		SuccessReport: []RowSuccess{},
		ErrorReport:   []RowError{},
	}
}

func (s *Summary) addSuccess(entry RowSuccess) {
	s.ProcessedRows++
	s.SuccessCount++
	s.SuccessReport = append(s.SuccessReport, entry)
}

func (s *Summary) addError(entry RowError) {
	s.ProcessedRows++
	s.FailedCount++
	s.ErrorReport = append(s.ErrorReport, entry)
}

// Clone はフック呼び出し先に渡すためのコピーを返します。
func (s *Summary) Clone() Summary {
	out := *s
	out.SuccessReport = append([]RowSuccess(nil), s.SuccessReport...)
	out.ErrorReport = append([]RowError(nil), s.ErrorReport...)
	return out
}
